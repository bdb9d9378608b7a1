package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/llmrelay/internal/cache"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type proberFunc func(ctx context.Context) error

func (f proberFunc) Probe(ctx context.Context) error { return f(ctx) }

type memHistory struct {
	mu      sync.Mutex
	entries []Entry
}

func (h *memHistory) RecordHealth(_ context.Context, _ string, e Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func newTestChecker(t *testing.T, opts ...Option) (*Checker, *cache.TTL[Entry], *clock) {
	t.Helper()
	store, err := cache.New[Entry](16)
	if err != nil {
		t.Fatal(err)
	}
	clk := newClock()
	store.SetNowFunc(clk.Now)
	base := []Option{WithClock(clk.Now, nil), WithLogger(zerolog.Nop())}
	return NewChecker(store, append(base, opts...)...), store, clk
}

func TestCheck_Outcomes(t *testing.T) {
	c, _, clk := newTestChecker(t, WithSlowThreshold(2*time.Second))
	ctx := context.Background()

	tests := []struct {
		name   string
		prober Prober
		want   Status
	}{
		{"ok", proberFunc(func(context.Context) error { return nil }), Healthy},
		{"slow", proberFunc(func(context.Context) error { clk.Advance(3 * time.Second); return nil }), Degraded},
		{"error", proberFunc(func(context.Context) error { return errors.New("connection refused") }), Unhealthy},
		{"panic", proberFunc(func(context.Context) error { panic("nil transport") }), Unhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := c.Check(ctx, Target{Name: tt.name, Prober: tt.prober, Timeout: time.Second})
			if e.Status != tt.want {
				t.Fatalf("Check status = %s, want %s", e.Status, tt.want)
			}
			got, ok := c.Cached(tt.name)
			if !ok || got != tt.want {
				t.Fatalf("Cached = (%s, %v), want (%s, true)", got, ok, tt.want)
			}
		})
	}
}

func TestCheck_ProbeBoundedByTimeout(t *testing.T) {
	c, _, _ := newTestChecker(t)
	e := c.Check(context.Background(), Target{
		Name:    "hung",
		Timeout: 20 * time.Millisecond,
		Prober: proberFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	})
	if e.Status != Unhealthy {
		t.Fatalf("status = %s, want unhealthy", e.Status)
	}
}

func TestCached_StaleIsUnknown(t *testing.T) {
	c, _, clk := newTestChecker(t, WithTTL(5*time.Minute))

	if st, ok := c.Cached("never-checked"); ok || st != Unknown {
		t.Fatalf("missing entry: got (%s, %v), want (unknown, false)", st, ok)
	}

	c.Check(context.Background(), Target{Name: "p", Prober: proberFunc(func(context.Context) error { return nil })})
	clk.Advance(5 * time.Minute)
	if st, ok := c.Cached("p"); ok {
		t.Fatalf("stale entry reported as %s", st)
	}
}

func TestOverride_PinsStatus(t *testing.T) {
	c, _, _ := newTestChecker(t)
	ctx := context.Background()
	probes := 0
	target := Target{Name: "p", Prober: proberFunc(func(context.Context) error { probes++; return nil })}

	c.SetOverride(ctx, "p", Maintenance)
	if e := c.Check(ctx, target); e.Status != Maintenance {
		t.Fatalf("override ignored: %s", e.Status)
	}
	if probes != 0 {
		t.Fatal("probe should be skipped while overridden")
	}

	c.ClearOverride("p")
	if _, ok := c.Cached("p"); ok {
		t.Fatal("clearing an override should leave health unknown")
	}
	if e := c.Check(ctx, target); e.Status != Healthy || probes != 1 {
		t.Fatalf("after clear: status %s, probes %d", e.Status, probes)
	}
}

func TestMark_WritesHistory(t *testing.T) {
	h := &memHistory{}
	c, _, _ := newTestChecker(t, WithHistory(h))

	c.Mark(context.Background(), "p", Degraded, "timeout")
	if st, _ := c.Cached("p"); st != Degraded {
		t.Fatalf("status = %s, want degraded", st)
	}
	if len(h.entries) != 1 || h.entries[0].Error != "timeout" {
		t.Fatalf("history = %+v", h.entries)
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"healthy", "degraded", "unhealthy", "offline", "maintenance"} {
		if _, err := ParseStatus(s); err != nil {
			t.Errorf("ParseStatus(%q): %v", s, err)
		}
	}
	if _, err := ParseStatus("unknown"); err == nil {
		t.Error("unknown must not be storable")
	}
	if !Healthy.Available() || !Degraded.Available() || Unhealthy.Available() || Maintenance.Available() {
		t.Error("Available mismatch")
	}
}

// panicStore panics on its first Set to exercise the loop's recovery path.
type panicStore struct {
	*cache.TTL[Entry]
	mu       sync.Mutex
	panicked bool
}

func (s *panicStore) Set(key string, e Entry, ttl time.Duration) {
	s.mu.Lock()
	first := !s.panicked
	s.panicked = true
	s.mu.Unlock()
	if first {
		panic("store unavailable")
	}
	s.TTL.Set(key, e, ttl)
}

func TestStart_RecoversAndBacksOff(t *testing.T) {
	inner, _ := cache.New[Entry](4)
	store := &panicStore{TTL: inner}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		waits = append(waits, d)
		if len(waits) == 3 {
			cancel()
		}
		return ctx.Err()
	}

	c := NewChecker(store,
		WithClock(nil, sleep),
		WithBackoff(30*time.Second),
		WithLogger(zerolog.Nop()),
	)
	done := c.Start(ctx, []Target{{
		Name:     "p",
		Interval: 10 * time.Second,
		Prober:   proberFunc(func(context.Context) error { return nil }),
	}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor loop did not exit after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{30 * time.Second, 10 * time.Second, 10 * time.Second}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Fatalf("waits = %v, want %v", waits, want)
		}
	}
	if st, ok := c.Cached("p"); !ok || st != Healthy {
		t.Fatalf("loop should have recorded healthy, got (%s, %v)", st, ok)
	}
}

func TestStart_OneLoopPerTarget(t *testing.T) {
	store, _ := cache.New[Entry](4)
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu    sync.Mutex
		seen  = map[string]int{}
		total int
	)
	prober := func(name string) Prober {
		return proberFunc(func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			seen[name]++
			total++
			if total == 4 {
				cancel()
			}
			return nil
		})
	}
	sleep := func(ctx context.Context, _ time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
			return nil
		}
	}

	c := NewChecker(store, WithClock(nil, sleep), WithLogger(zerolog.Nop()))
	done := c.Start(ctx, []Target{
		{Name: "a", Interval: time.Second, Prober: prober("a")},
		{Name: "b", Interval: time.Second, Prober: prober("b")},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loops did not exit")
	}
	mu.Lock()
	defer mu.Unlock()
	if seen["a"] == 0 || seen["b"] == 0 {
		t.Fatalf("every target should be probed: %v", seen)
	}
}
