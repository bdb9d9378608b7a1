package store

import (
	"context"
	"fmt"

	"github.com/allaspectsdev/llmrelay/internal/health"
)

// HealthRecord is one stored health observation.
type HealthRecord struct {
	Provider  string `json:"provider"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// RecordHealth appends a health observation.
func (s *Store) RecordHealth(ctx context.Context, provider string, e health.Entry) error {
	ts := e.CheckedAt
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO health_checks (provider, timestamp, status, latency_ms, error_message)
		VALUES (?, ?, ?, ?, ?)`,
		provider, ts.UTC().Format(timeLayout), string(e.Status), e.LatencyMs, e.Error,
	)
	if err != nil {
		return fmt.Errorf("store: insert health check: %w", err)
	}
	return nil
}

// HealthHistory returns the most recent observations for a provider, newest first.
func (s *Store) HealthHistory(ctx context.Context, provider string, limit int) ([]HealthRecord, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT provider, timestamp, status, latency_ms, error_message
		FROM health_checks
		WHERE provider = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("store: health history: %w", err)
	}
	defer rows.Close()

	var out []HealthRecord
	for rows.Next() {
		var r HealthRecord
		if err := rows.Scan(&r.Provider, &r.Timestamp, &r.Status, &r.LatencyMs, &r.Error); err != nil {
			return nil, fmt.Errorf("store: scan health row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: health history iteration: %w", err)
	}
	return out, nil
}
