// Package ratelimit provides sliding-window limiters for upstream providers.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is the window length used for per-minute limits.
const DefaultWindow = time.Minute

type entry struct {
	at time.Time
	n  int
}

// Window is a sliding-window limiter. It admits at most limit units within
// any window-long interval. A limit of zero or less disables limiting.
type Window struct {
	limit  int
	window time.Duration
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error

	mu      sync.Mutex
	entries []entry
	used    int
}

// Option configures a Window.
type Option func(*Window)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Window) {
		if now != nil {
			w.now = now
		}
	}
}

// WithSleep overrides how Wait blocks. The function must return ctx.Err()
// when the context ends before d elapses.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(w *Window) {
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

// New creates a limiter admitting limit units per window.
func New(limit int, window time.Duration, opts ...Option) *Window {
	if window <= 0 {
		window = DefaultWindow
	}
	w := &Window{
		limit:  limit,
		window: window,
		now:    time.Now,
		sleep:  sleepWithContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Limit returns the configured capacity per window.
func (w *Window) Limit() int { return w.limit }

// Wait blocks until one unit fits in the window, then records it.
func (w *Window) Wait(ctx context.Context) error {
	return w.WaitN(ctx, 1)
}

// WaitN blocks until n units fit in the window, then records them. Requests
// larger than the limit are clamped to the limit so they can eventually pass.
func (w *Window) WaitN(ctx context.Context, n int) error {
	if w.limit <= 0 || n <= 0 {
		return nil
	}
	if n > w.limit {
		n = w.limit
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.mu.Lock()
		now := w.now()
		w.pruneLocked(now)
		if w.used+n <= w.limit {
			w.appendLocked(now, n)
			w.mu.Unlock()
			return nil
		}
		delay := w.delayLocked(now, n)
		w.mu.Unlock()

		if err := w.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// CanMakeRequest reports whether one more unit would be admitted now. It
// never blocks and never records.
func (w *Window) CanMakeRequest() bool {
	if w.limit <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	return w.used+1 <= w.limit
}

// Allow records one unit if it fits and reports whether it did.
func (w *Window) Allow() bool {
	if w.limit <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.pruneLocked(now)
	if w.used+1 > w.limit {
		return false
	}
	w.appendLocked(now, 1)
	return true
}

// RecordN records n units without checking capacity. It is used to account
// for usage only known after the fact, such as tokens reported by a provider.
func (w *Window) RecordN(n int) {
	if w.limit <= 0 || n <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.pruneLocked(now)
	w.appendLocked(now, n)
}

// Used returns the units recorded in the current window.
func (w *Window) Used() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	return w.used
}

func (w *Window) appendLocked(now time.Time, n int) {
	w.entries = append(w.entries, entry{at: now, n: n})
	w.used += n
}

// pruneLocked drops entries that have left the window.
func (w *Window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		w.used -= w.entries[i].n
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// delayLocked returns how long until enough of the oldest entries expire to
// fit n more units.
func (w *Window) delayLocked(now time.Time, n int) time.Duration {
	freed := 0
	for _, e := range w.entries {
		freed += e.n
		if w.used-freed+n <= w.limit {
			d := e.at.Add(w.window).Sub(now)
			if d < time.Millisecond {
				d = time.Millisecond
			}
			return d
		}
	}
	return w.window
}

// sleepWithContext sleeps for d, returning early with ctx.Err() if the
// context ends first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
