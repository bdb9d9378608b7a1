package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Settings) (*Breaker, *manualClock) {
	clk := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New("primary", cfg, WithClock(clk.Now)), clk
}

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreaker_ClosedToOpen(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 1})
	ctx := context.Background()

	if b.State() != Closed {
		t.Fatalf("initial state: got %s, want closed", b.State())
	}

	for i := 0; i < 2; i++ {
		if err := b.Call(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: got %v, want errBoom", i, err)
		}
	}
	if b.State() != Closed {
		t.Fatalf("after 2 failures: got %s, want closed", b.State())
	}

	_ = b.Call(ctx, fail)
	if b.State() != Open {
		t.Fatalf("after 3 failures: got %s, want open", b.State())
	}
}

func TestBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	b, clk := newTestBreaker(Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute, SuccessThreshold: 1})
	ctx := context.Background()

	_ = b.Call(ctx, fail)

	calls := 0
	for i := 0; i < 10; i++ {
		clk.Advance(5 * time.Second)
		err := b.Call(ctx, func(context.Context) error {
			calls++
			return nil
		})
		if !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("call at +%ds: got %v, want ErrCircuitOpen", (i+1)*5, err)
		}
		var oe *OpenError
		if !errors.As(err, &oe) || oe.Provider != "primary" {
			t.Fatalf("expected *OpenError for primary, got %#v", err)
		}
	}
	if calls != 0 {
		t.Fatalf("operation invoked %d times while open, want 0", calls)
	}
	if b.Allow() {
		t.Fatal("Allow should be false before recovery timeout")
	}
}

func TestBreaker_RecoveryMovesToHalfOpen(t *testing.T) {
	b, clk := newTestBreaker(Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute, SuccessThreshold: 2})
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	clk.Advance(time.Minute)

	if !b.Allow() {
		t.Fatal("Allow should be true once recovery timeout elapsed")
	}
	if b.State() != Open {
		t.Fatalf("Allow must not change state, got %s", b.State())
	}

	if err := b.Call(ctx, succeed); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("after 1 of 2 successes: got %s, want half_open", b.State())
	}

	if err := b.Call(ctx, succeed); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("after 2 successes: got %s, want closed", b.State())
	}
	if snap := b.Snapshot(); snap.FailureCount != 0 || snap.HalfOpenSuccesses != 0 {
		t.Fatalf("counters not reset: %+v", snap)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute, SuccessThreshold: 3})
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	clk.Advance(time.Minute)
	_ = b.Call(ctx, succeed)
	if b.State() != HalfOpen {
		t.Fatalf("got %s, want half_open", b.State())
	}

	_ = b.Call(ctx, fail)
	if b.State() != Open {
		t.Fatalf("failure in half_open: got %s, want open", b.State())
	}
	snap := b.Snapshot()
	if snap.HalfOpenSuccesses != 0 {
		t.Fatalf("half-open successes not reset: %d", snap.HalfOpenSuccesses)
	}
	if !snap.LastFailure.Equal(clk.Now()) {
		t.Fatalf("last failure not refreshed: got %v, want %v", snap.LastFailure, clk.Now())
	}

	// Cooldown restarts from the half-open failure.
	clk.Advance(30 * time.Second)
	if err := b.Call(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open after re-trip, got %v", err)
	}
}

func TestBreaker_SuccessDecaysFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 1})
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, succeed)
	if got := b.Snapshot().FailureCount; got != 1 {
		t.Fatalf("failure count after decay: got %d, want 1", got)
	}

	// Never below zero.
	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, succeed)
	}
	if got := b.Snapshot().FailureCount; got != 0 {
		t.Fatalf("failure count: got %d, want 0", got)
	}

	// Interleaved success keeps the breaker closed past the threshold count.
	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, succeed)
	_ = b.Call(ctx, fail)
	if b.State() != Closed {
		t.Fatalf("got %s, want closed", b.State())
	}
	_ = b.Call(ctx, fail)
	if b.State() != Open {
		t.Fatalf("got %s, want open", b.State())
	}
}

func TestBreaker_PanicRecordsFailure(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute, SuccessThreshold: 1})

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = b.Call(context.Background(), func(context.Context) error { panic("upstream exploded") })
	}()

	if b.State() != Open {
		t.Fatalf("panic should count as failure: got %s, want open", b.State())
	}
}

func TestBreaker_NeutralErrorNotRecorded(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute, SuccessThreshold: 1})
	ctx := context.Background()

	err := b.Call(ctx, func(context.Context) error { return Neutral(context.Canceled) })
	if err != context.Canceled {
		t.Fatalf("got %v, want the unwrapped context.Canceled", err)
	}
	if s := b.Snapshot(); s.State != Closed || s.FailureCount != 0 {
		t.Errorf("snapshot = %+v, want closed with no failures", s)
	}
	if Neutral(nil) != nil {
		t.Error("Neutral(nil) != nil")
	}
}

func TestBreaker_Defaults(t *testing.T) {
	b := New("x", Settings{})
	if b.cfg.FailureThreshold != DefaultFailureThreshold ||
		b.cfg.RecoveryTimeout != DefaultRecoveryTimeout ||
		b.cfg.SuccessThreshold != DefaultSuccessThreshold {
		t.Fatalf("defaults not applied: %+v", b.cfg)
	}
}

func TestRegistry_GetAndConfigure(t *testing.T) {
	r := NewRegistry(Settings{FailureThreshold: 2, RecoveryTimeout: time.Second, SuccessThreshold: 1})

	a := r.Get("a")
	if r.Get("a") != a {
		t.Fatal("Get should return the same breaker for the same provider")
	}
	if r.Get("b") == a {
		t.Fatal("different providers must get different breakers")
	}

	c := r.Configure("a", Settings{FailureThreshold: 7})
	if c.cfg.FailureThreshold != 7 || c.cfg.RecoveryTimeout != time.Second {
		t.Fatalf("Configure did not merge defaults: %+v", c.cfg)
	}
	if r.Get("a") != c {
		t.Fatal("Configure should replace the stored breaker")
	}

	snaps := r.Snapshots()
	if len(snaps) != 2 || snaps["a"].StateName != "closed" {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{Closed: "closed", Open: "open", HalfOpen: "half_open", State(9): "unknown"}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
