package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock advances only when a limiter sleeps on it.
type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) opts() []Option {
	return []Option{WithClock(c.Now), WithSleep(c.Sleep)}
}

func TestWindow_FivePerMinute(t *testing.T) {
	clk := newFakeClock()
	w := New(5, time.Minute, clk.opts()...)
	ctx := context.Background()
	start := clk.Now()

	for i := 0; i < 5; i++ {
		if err := w.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if len(clk.slept) != 0 {
		t.Fatalf("first 5 calls should not block, slept %v", clk.slept)
	}
	if w.CanMakeRequest() {
		t.Fatal("CanMakeRequest should be false with a full window")
	}

	if err := w.Wait(ctx); err != nil {
		t.Fatalf("sixth wait: %v", err)
	}
	if got := clk.Now().Sub(start); got < time.Minute {
		t.Fatalf("sixth call returned after %s, want >= 1m", got)
	}
	if got := w.Used(); got != 1 {
		t.Fatalf("used after sixth: got %d, want 1", got)
	}
}

func TestWindow_SlidesWithOldestEntry(t *testing.T) {
	clk := newFakeClock()
	w := New(2, time.Minute, clk.opts()...)
	ctx := context.Background()

	_ = w.Wait(ctx)
	clk.now = clk.now.Add(40 * time.Second)
	_ = w.Wait(ctx)

	// The oldest entry frees 20s from now; the second one is still in window.
	if err := w.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if len(clk.slept) != 1 || clk.slept[0] != 20*time.Second {
		t.Fatalf("slept %v, want [20s]", clk.slept)
	}
}

func TestWindow_CanMakeRequestDoesNotRecord(t *testing.T) {
	w := New(1, time.Minute)
	for i := 0; i < 3; i++ {
		if !w.CanMakeRequest() {
			t.Fatalf("check %d: expected capacity", i)
		}
	}
	if w.Used() != 0 {
		t.Fatalf("CanMakeRequest recorded usage: %d", w.Used())
	}
	if !w.Allow() {
		t.Fatal("Allow should admit the first unit")
	}
	if w.Allow() {
		t.Fatal("Allow should reject past the limit")
	}
}

func TestWindow_WaitHonoursContext(t *testing.T) {
	w := New(1, time.Hour)
	_ = w.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}

func TestWindow_Unlimited(t *testing.T) {
	w := New(0, time.Minute)
	for i := 0; i < 1000; i++ {
		if err := w.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if !w.CanMakeRequest() {
		t.Fatal("unlimited window should always have capacity")
	}
}

func TestWindow_WeightedTokens(t *testing.T) {
	clk := newFakeClock()
	w := New(1000, time.Minute, clk.opts()...)
	ctx := context.Background()

	if err := w.WaitN(ctx, 600); err != nil {
		t.Fatal(err)
	}
	w.RecordN(300)
	if got := w.Used(); got != 900 {
		t.Fatalf("used: got %d, want 900", got)
	}

	// 200 more does not fit until the first 600 expire.
	if err := w.WaitN(ctx, 200); err != nil {
		t.Fatal(err)
	}
	if len(clk.slept) != 1 || clk.slept[0] != time.Minute {
		t.Fatalf("slept %v, want [1m]", clk.slept)
	}

	// Oversized requests are clamped instead of blocking forever.
	clk.now = clk.now.Add(2 * time.Minute)
	if err := w.WaitN(ctx, 5000); err != nil {
		t.Fatal(err)
	}
	if got := w.Used(); got != 1000 {
		t.Fatalf("clamped usage: got %d, want 1000", got)
	}
}

func TestRegistry_AcquireAndUsage(t *testing.T) {
	clk := newFakeClock()
	r := NewRegistry(clk.opts()...)
	r.Configure("anthropic", Limits{RequestsPerMinute: 2, TokensPerMinute: 100})
	ctx := context.Background()

	if err := r.Acquire(ctx, "anthropic", 40); err != nil {
		t.Fatal(err)
	}
	r.RecordTokens("anthropic", 10)
	reqs, toks := r.Usage("anthropic")
	if reqs != 1 || toks != 50 {
		t.Fatalf("usage: got (%d, %d), want (1, 50)", reqs, toks)
	}
	if !r.CanMakeRequest("anthropic") {
		t.Fatal("one request slot should remain")
	}

	// Unknown providers are unlimited.
	for i := 0; i < 10; i++ {
		if err := r.Acquire(ctx, "other", 1_000_000); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRegistry_AcquireCancelled(t *testing.T) {
	r := NewRegistry()
	r.Configure("p", Limits{RequestsPerMinute: 1})
	_ = r.Acquire(context.Background(), "p", 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Acquire(ctx, "p", 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
