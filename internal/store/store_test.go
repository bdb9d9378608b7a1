package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/allaspectsdev/llmrelay/internal/health"
	"github.com/allaspectsdev/llmrelay/internal/manager"
	"github.com/allaspectsdev/llmrelay/internal/provider"
)

func openCoreTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpen_Close(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if st.Path() != path {
		t.Errorf("Path: got %q, want %q", st.Path(), path)
	}
	if st.Writer() == nil {
		t.Error("Writer is nil")
	}
	if st.Reader() == nil {
		t.Error("Reader is nil")
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open with nested dir: %v", err)
	}
	st.Close()
}

func TestPing(t *testing.T) {
	st := openCoreTestStore(t)
	if err := st.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func record(t *testing.T, st *Store, id string, at time.Time, success bool) {
	t.Helper()
	req := &provider.Request{ID: id, Model: "gpt-4o", Metadata: map[string]string{"team": "search"}}
	resp := &provider.Response{
		RequestID:  id,
		Provider:   "openai",
		Model:      "gpt-4o",
		Success:    success,
		TokensUsed: 150,
		Cost:       0.0015,
		LatencyMs:  320,
		CreatedAt:  at,
	}
	attempts := []manager.Attempt{
		{Provider: "anthropic", Outcome: manager.OutcomeFailure, Error: "status 503", LatencyMs: 12},
		{Provider: "openai", Outcome: manager.OutcomeSuccess, LatencyMs: 320},
	}
	if !success {
		resp.Error = "all providers exhausted"
		attempts[1].Outcome = manager.OutcomeFailure
	}
	if err := st.RecordResponse(context.Background(), req, resp, attempts); err != nil {
		t.Fatalf("RecordResponse %s: %v", id, err)
	}
}

func TestRecordResponse_GetRequest(t *testing.T) {
	st := openCoreTestStore(t)
	record(t, st, "req-001", time.Now(), true)

	got, err := st.GetRequest(context.Background(), "req-001")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Provider != "openai" || !got.Success {
		t.Errorf("got %+v", got)
	}
	if got.TokensUsed != 150 {
		t.Errorf("TokensUsed: got %d, want 150", got.TokensUsed)
	}
	if got.AttemptCount != 2 || len(got.Attempts) != 2 {
		t.Fatalf("attempts: count=%d loaded=%d, want 2", got.AttemptCount, len(got.Attempts))
	}
	if got.Attempts[0].Provider != "anthropic" || got.Attempts[0].Outcome != manager.OutcomeFailure {
		t.Errorf("first attempt = %+v", got.Attempts[0])
	}
	if got.Metadata["team"] != "search" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
}

func TestGetRequest_NotFound(t *testing.T) {
	st := openCoreTestStore(t)

	_, err := st.GetRequest(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListRequests(t *testing.T) {
	st := openCoreTestStore(t)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		record(t, st, fmt.Sprintf("list-%d", i), base.Add(time.Duration(i)*time.Second), true)
	}

	results, err := st.ListRequests(context.Background(), 3, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("ListRequests(3, 0): got %d results, want 3", len(results))
	}
	if results[0].RequestID != "list-4" {
		t.Errorf("newest first: got %s", results[0].RequestID)
	}

	results, err = st.ListRequests(context.Background(), 10, 3)
	if err != nil {
		t.Fatalf("ListRequests offset: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("ListRequests(10, 3): got %d results, want 2", len(results))
	}
}

func TestUsageByProvider(t *testing.T) {
	st := openCoreTestStore(t)

	now := time.Now().UTC()
	record(t, st, "u-1", now, true)
	record(t, st, "u-2", now, true)
	record(t, st, "u-3", now, false)
	record(t, st, "u-old", now.Add(-48*time.Hour), true)

	usage, err := st.UsageByProvider(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("UsageByProvider: %v", err)
	}
	if len(usage) != 1 {
		t.Fatalf("usage = %+v, want one provider", usage)
	}
	u := usage[0]
	if u.Requests != 3 || u.Successes != 2 || u.TokensUsed != 450 {
		t.Errorf("usage = %+v", u)
	}
}

func TestHealthHistory(t *testing.T) {
	st := openCoreTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	statuses := []health.Status{health.Healthy, health.Degraded, health.Unhealthy}
	for i, s := range statuses {
		e := health.Entry{Status: s, CheckedAt: base.Add(time.Duration(i) * time.Second), LatencyMs: int64(i * 100)}
		if err := st.RecordHealth(ctx, "anthropic", e); err != nil {
			t.Fatalf("RecordHealth: %v", err)
		}
	}
	if err := st.RecordHealth(ctx, "openai", health.Entry{Status: health.Healthy, CheckedAt: base}); err != nil {
		t.Fatal(err)
	}

	hist, err := st.HealthHistory(ctx, "anthropic", 2)
	if err != nil {
		t.Fatalf("HealthHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("got %d records, want 2", len(hist))
	}
	if hist[0].Status != string(health.Unhealthy) || hist[1].Status != string(health.Degraded) {
		t.Errorf("history = %+v", hist)
	}
}

func TestPrune(t *testing.T) {
	st := openCoreTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -60)
	record(t, st, "prune-a", old, true)
	record(t, st, "prune-b", old, false)
	record(t, st, "prune-c", time.Now().UTC(), true)
	if err := st.RecordHealth(ctx, "openai", health.Entry{Status: health.Healthy, CheckedAt: old}); err != nil {
		t.Fatal(err)
	}

	pruned, err := st.Prune(ctx, 30)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	// Two responses, four attempts and one health check.
	if pruned != 7 {
		t.Errorf("Prune: got %d rows deleted, want 7", pruned)
	}

	remaining, err := st.ListRequests(ctx, 100, 0)
	if err != nil {
		t.Fatalf("ListRequests after prune: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("after prune: got %d requests, want 1", len(remaining))
	}

	if n, err := st.Prune(ctx, 0); err != nil || n != 0 {
		t.Errorf("Prune(0) = %d, %v; want no-op", n, err)
	}
}

func TestConcurrentReadWrite(t *testing.T) {
	st := openCoreTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req := &provider.Request{ID: fmt.Sprintf("conc-%d", n), Model: "gpt-4o"}
			resp := &provider.Response{RequestID: req.ID, Model: "gpt-4o", Provider: "openai", Success: true, CreatedAt: time.Now()}
			if err := st.RecordResponse(context.Background(), req, resp, nil); err != nil {
				t.Errorf("concurrent RecordResponse %d: %v", n, err)
			}
		}(i)
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = st.ListRequests(context.Background(), 10, 0)
		}()
	}

	wg.Wait()
}

func TestWALMode(t *testing.T) {
	st := openCoreTestStore(t)

	var mode string
	err := st.Writer().QueryRow("PRAGMA journal_mode").Scan(&mode)
	if err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode: got %q, want %q", mode, "wal")
	}
}

func TestMigrations(t *testing.T) {
	st := openCoreTestStore(t)

	var version int
	err := st.Writer().QueryRow("SELECT MAX(version) FROM migrations").Scan(&version)
	if err != nil {
		t.Fatalf("query migration version: %v", err)
	}

	expected := len(migrations)
	if version != expected {
		t.Errorf("migration version: got %d, want %d", version, expected)
	}
}
