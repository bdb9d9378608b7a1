package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/llmrelay/internal/breaker"
	"github.com/allaspectsdev/llmrelay/internal/cache"
	"github.com/allaspectsdev/llmrelay/internal/config"
	"github.com/allaspectsdev/llmrelay/internal/health"
	"github.com/allaspectsdev/llmrelay/internal/manager"
	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/store"
)

// NewTestStore creates a SQLite store in a temp directory.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// NewTestConfig returns a minimal valid config for testing.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	return cfg
}

// WriteFile writes content to a file in the given directory.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	return path
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock fixed at a stable instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Sleep advances the clock instead of blocking.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

// Result is one scripted outcome for a FakeProvider.
type Result struct {
	Completion *provider.Completion
	Err        error
}

// FakeProvider replays scripted results in order, repeating the last one.
// With no script every call succeeds.
type FakeProvider struct {
	mu       sync.Mutex
	script   []Result
	calls    int
	ProbeErr error
}

// NewFakeProvider returns a provider that replays results.
func NewFakeProvider(results ...Result) *FakeProvider {
	return &FakeProvider{script: results}
}

// Generate returns the next scripted result.
func (f *FakeProvider) Generate(ctx context.Context, _ *provider.Request) (*provider.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.script) == 0 {
		return &provider.Completion{Content: "ok", InputTokens: 12, OutputTokens: 30}, nil
	}
	r := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	return r.Completion, r.Err
}

// Probe returns ProbeErr.
func (f *FakeProvider) Probe(context.Context) error { return f.ProbeErr }

// Calls reports how many times Generate ran.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Harness bundles a manager, its health checker and a shared clock.
type Harness struct {
	Manager *manager.Manager
	Checker *health.Checker
	Clock   *Clock
}

// NewHarness builds a manager whose health cache, breakers and retry sleeps
// all run on one manual clock.
func NewHarness(t *testing.T, opts ...manager.Option) *Harness {
	t.Helper()
	clock := NewClock()
	hs, err := cache.New[health.Entry](64)
	if err != nil {
		t.Fatalf("health cache: %v", err)
	}
	hs.SetNowFunc(clock.Now)
	checker := health.NewChecker(hs, health.WithClock(clock.Now, clock.Sleep), health.WithLogger(zerolog.Nop()))
	base := []manager.Option{
		manager.WithLogger(zerolog.Nop()),
		manager.WithClock(clock.Now, clock.Sleep),
		manager.WithBreakers(breaker.NewRegistry(breaker.Settings{}, breaker.WithClock(clock.Now))),
	}
	return &Harness{
		Manager: manager.New(checker, append(base, opts...)...),
		Checker: checker,
		Clock:   clock,
	}
}

// Add registers p as an enabled, healthy provider serving models.
func (h *Harness) Add(t *testing.T, name string, priority int, p provider.Provider, models ...string) {
	t.Helper()
	if len(models) == 0 {
		models = []string{SampleModel}
	}
	err := h.Manager.Register(provider.Config{
		Name:            name,
		Type:            provider.FormatOpenAI,
		Endpoint:        "https://" + name + ".example.com",
		Models:          models,
		Priority:        priority,
		CostPer1KTokens: 0.002,
		Enabled:         true,
	}, p)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	h.Checker.Mark(context.Background(), name, health.Healthy, "")
}
