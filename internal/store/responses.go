package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/allaspectsdev/llmrelay/internal/manager"
	"github.com/allaspectsdev/llmrelay/internal/provider"
)

// ErrNotFound is returned when a request ID has no stored response.
var ErrNotFound = errors.New("store: not found")

// ResponseRecord is one stored request outcome.
type ResponseRecord struct {
	RequestID    string            `json:"request_id"`
	Timestamp    string            `json:"timestamp"`
	Model        string            `json:"model"`
	Provider     string            `json:"provider"`
	Success      bool              `json:"success"`
	TokensUsed   int64             `json:"tokens_used"`
	CostUSD      float64           `json:"cost_usd"`
	LatencyMs    int64             `json:"latency_ms"`
	AttemptCount int               `json:"attempt_count"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Attempts     []manager.Attempt `json:"attempts,omitempty"`
}

// ProviderUsage aggregates stored responses served by one provider.
type ProviderUsage struct {
	Provider   string  `json:"provider"`
	Requests   int64   `json:"requests"`
	Successes  int64   `json:"successes"`
	TokensUsed int64   `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
}

// RecordResponse stores a request outcome together with every attempt made
// for it, in one transaction.
func (s *Store) RecordResponse(ctx context.Context, req *provider.Request, resp *provider.Response, attempts []manager.Attempt) error {
	var metadata string
	if len(req.Metadata) > 0 {
		b, err := json.Marshal(req.Metadata)
		if err != nil {
			return fmt.Errorf("store: encode metadata: %w", err)
		}
		metadata = string(b)
	}

	ts := resp.CreatedAt
	if ts.IsZero() {
		ts = s.now()
	}
	stamp := ts.UTC().Format(timeLayout)

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	success := 0
	if resp.Success {
		success = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO responses (
			request_id, timestamp, model, provider, success,
			tokens_used, cost_usd, latency_ms, attempt_count,
			error_message, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		resp.RequestID, stamp, resp.Model, resp.Provider, success,
		resp.TokensUsed, resp.Cost, resp.LatencyMs, len(attempts),
		resp.Error, metadata,
	)
	if err != nil {
		return fmt.Errorf("store: insert response: %w", err)
	}

	for i, a := range attempts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attempts (request_id, seq, timestamp, provider, outcome, latency_ms, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			resp.RequestID, i+1, stamp, a.Provider, a.Outcome, a.LatencyMs, a.Error,
		)
		if err != nil {
			return fmt.Errorf("store: insert attempt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit response: %w", err)
	}
	return nil
}

// GetRequest returns a stored response with its attempts.
func (s *Store) GetRequest(ctx context.Context, id string) (*ResponseRecord, error) {
	r := &ResponseRecord{}
	var (
		success  int
		metadata string
	)
	err := s.reader.QueryRowContext(ctx, `
		SELECT request_id, timestamp, model, provider, success,
		       tokens_used, cost_usd, latency_ms, attempt_count,
		       error_message, metadata
		FROM responses WHERE request_id = ?`, id,
	).Scan(
		&r.RequestID, &r.Timestamp, &r.Model, &r.Provider, &success,
		&r.TokensUsed, &r.CostUSD, &r.LatencyMs, &r.AttemptCount,
		&r.ErrorMessage, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get request %s: %w", id, err)
	}
	r.Success = success != 0
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
			return nil, fmt.Errorf("store: decode metadata for %s: %w", id, err)
		}
	}

	rows, err := s.reader.QueryContext(ctx, `
		SELECT provider, outcome, latency_ms, error_message
		FROM attempts WHERE request_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("store: list attempts %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var a manager.Attempt
		if err := rows.Scan(&a.Provider, &a.Outcome, &a.LatencyMs, &a.Error); err != nil {
			return nil, fmt.Errorf("store: scan attempt: %w", err)
		}
		r.Attempts = append(r.Attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: attempts iteration: %w", err)
	}
	return r, nil
}

// ListRequests returns a page of responses, newest first. Attempts are not loaded.
func (s *Store) ListRequests(ctx context.Context, limit, offset int) ([]*ResponseRecord, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT request_id, timestamp, model, provider, success,
		       tokens_used, cost_usd, latency_ms, attempt_count, error_message
		FROM responses
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list requests: %w", err)
	}
	defer rows.Close()

	var results []*ResponseRecord
	for rows.Next() {
		r := &ResponseRecord{}
		var success int
		if err := rows.Scan(
			&r.RequestID, &r.Timestamp, &r.Model, &r.Provider, &success,
			&r.TokensUsed, &r.CostUSD, &r.LatencyMs, &r.AttemptCount, &r.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("store: scan request row: %w", err)
		}
		r.Success = success != 0
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list requests iteration: %w", err)
	}
	return results, nil
}

// UsageByProvider aggregates responses recorded at or after since.
func (s *Store) UsageByProvider(ctx context.Context, since time.Time) ([]ProviderUsage, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT provider, COUNT(*),
		       COALESCE(SUM(success), 0),
		       COALESCE(SUM(tokens_used), 0),
		       COALESCE(SUM(cost_usd), 0.0)
		FROM responses
		WHERE timestamp >= ? AND provider != ''
		GROUP BY provider
		ORDER BY provider`, since.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("store: usage by provider: %w", err)
	}
	defer rows.Close()

	var out []ProviderUsage
	for rows.Next() {
		var u ProviderUsage
		if err := rows.Scan(&u.Provider, &u.Requests, &u.Successes, &u.TokensUsed, &u.CostUSD); err != nil {
			return nil, fmt.Errorf("store: scan usage row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: usage iteration: %w", err)
	}
	return out, nil
}
