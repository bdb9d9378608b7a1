// Package health probes providers and keeps their latest status in a
// TTL-bounded store. A provider with no live entry has unknown health and is
// treated as unavailable by the manager.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/llmrelay/internal/tracing"
)

// Status is the health of a provider.
type Status string

const (
	Healthy     Status = "healthy"
	Degraded    Status = "degraded"
	Unhealthy   Status = "unhealthy"
	Offline     Status = "offline"
	Maintenance Status = "maintenance"
)

// Unknown is reported for providers without a live cache entry. It is never stored.
const Unknown Status = "unknown"

// Available reports whether requests may be routed to a provider with this status.
func (s Status) Available() bool {
	return s == Healthy || s == Degraded
}

// ParseStatus converts a wire name to a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case Healthy, Degraded, Unhealthy, Offline, Maintenance:
		return st, nil
	default:
		return "", fmt.Errorf("health: unknown status %q", s)
	}
}

// Defaults for Checker.
const (
	DefaultTTL           = 5 * time.Minute
	DefaultSlowThreshold = 5 * time.Second
	DefaultBackoff       = 30 * time.Second
	DefaultProbeTimeout  = 30 * time.Second
)

// Entry is one health observation.
type Entry struct {
	Status    Status    `json:"status"`
	CheckedAt time.Time `json:"checked_at"`
	LatencyMs int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
}

// Store is the shared key/value store holding the latest entry per provider.
// Entries must become invisible to Get once their TTL has passed.
type Store interface {
	Get(key string) (Entry, bool)
	Set(key string, e Entry, ttl time.Duration)
	Expire(key string)
}

// History receives every observation, for example to persist it.
type History interface {
	RecordHealth(ctx context.Context, provider string, e Entry) error
}

// Prober performs a cheap liveness check against a provider.
type Prober interface {
	Probe(ctx context.Context) error
}

// Target is one provider to monitor.
type Target struct {
	Name     string
	Prober   Prober
	Interval time.Duration
	Timeout  time.Duration
}

// Checker probes providers and publishes results to a Store.
type Checker struct {
	store         Store
	history       History
	ttl           time.Duration
	slowThreshold time.Duration
	backoff       time.Duration
	logger        zerolog.Logger
	now           func() time.Time
	sleep         func(context.Context, time.Duration) error

	mu        sync.RWMutex
	overrides map[string]Status
}

// Option configures a Checker.
type Option func(*Checker)

// WithTTL sets how long an observation stays valid.
func WithTTL(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithSlowThreshold sets the probe latency above which a provider is degraded.
func WithSlowThreshold(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.slowThreshold = d
		}
	}
}

// WithBackoff sets the pause after a monitoring loop iteration panics.
func WithBackoff(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// WithHistory attaches a sink that receives every observation.
func WithHistory(h History) Option {
	return func(c *Checker) { c.history = h }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

// WithClock overrides the time source and the loop sleep. sleep must return
// ctx.Err() when ctx ends first.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(c *Checker) {
		if now != nil {
			c.now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewChecker creates a checker writing to store.
func NewChecker(store Store, opts ...Option) *Checker {
	c := &Checker{
		store:         store,
		ttl:           DefaultTTL,
		slowThreshold: DefaultSlowThreshold,
		backoff:       DefaultBackoff,
		logger:        log.With().Str("component", "health").Logger(),
		now:           time.Now,
		sleep:         sleepWithContext,
		overrides:     make(map[string]Status),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check probes one provider, stores the result and returns it. A probe error
// or panic yields Unhealthy; a successful probe slower than the slow
// threshold yields Degraded. An operator override short-circuits the probe.
func (c *Checker) Check(ctx context.Context, t Target) Entry {
	if st, ok := c.override(t.Name); ok {
		e := Entry{Status: st, CheckedAt: c.now()}
		c.publish(ctx, t.Name, e)
		return e
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	ctx, span := tracing.StartProbeSpan(ctx, t.Name)
	defer span.End()

	pctx, cancel := context.WithTimeout(ctx, timeout)
	start := c.now()
	err := safeProbe(pctx, t.Prober)
	latency := c.now().Sub(start)
	cancel()

	e := Entry{Status: Healthy, CheckedAt: c.now(), LatencyMs: latency.Milliseconds()}
	switch {
	case err != nil:
		e.Status = Unhealthy
		e.Error = err.Error()
		tracing.RecordError(ctx, err)
		c.logger.Warn().Err(err).Str("provider", t.Name).Dur("latency", latency).Msg("health probe failed")
	case latency > c.slowThreshold:
		e.Status = Degraded
		c.logger.Info().Str("provider", t.Name).Dur("latency", latency).Msg("health probe slow")
	default:
		c.logger.Debug().Str("provider", t.Name).Dur("latency", latency).Msg("health probe ok")
	}

	c.publish(ctx, t.Name, e)
	return e
}

func (c *Checker) publish(ctx context.Context, name string, e Entry) {
	c.store.Set(name, e, c.ttl)
	if c.history == nil {
		return
	}
	if err := c.history.RecordHealth(ctx, name, e); err != nil {
		c.logger.Warn().Err(err).Str("provider", name).Msg("recording health history")
	}
}

func safeProbe(ctx context.Context, p Prober) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return p.Probe(ctx)
}

// Cached returns the live status for a provider. It never blocks on I/O;
// ok is false when health is unknown.
func (c *Checker) Cached(name string) (Status, bool) {
	e, ok := c.store.Get(name)
	if !ok {
		return Unknown, false
	}
	return e.Status, true
}

// Entry returns the live observation for a provider.
func (c *Checker) Entry(name string) (Entry, bool) {
	return c.store.Get(name)
}

// Mark records an observation made outside a probe, such as a failed call.
// It is ignored while an operator override is in place.
func (c *Checker) Mark(ctx context.Context, name string, st Status, reason string) {
	if _, ok := c.override(name); ok {
		return
	}
	c.publish(ctx, name, Entry{Status: st, CheckedAt: c.now(), Error: reason})
}

// SetOverride pins a provider's status until ClearOverride. It takes effect
// immediately and survives subsequent probes.
func (c *Checker) SetOverride(ctx context.Context, name string, st Status) {
	c.mu.Lock()
	c.overrides[name] = st
	c.mu.Unlock()
	c.publish(ctx, name, Entry{Status: st, CheckedAt: c.now(), Error: "operator override"})
}

// ClearOverride removes a pinned status. The provider's health is unknown
// until its next probe.
func (c *Checker) ClearOverride(name string) {
	c.mu.Lock()
	_, had := c.overrides[name]
	delete(c.overrides, name)
	c.mu.Unlock()
	if had {
		c.store.Expire(name)
	}
}

func (c *Checker) override(name string) (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.overrides[name]
	return st, ok
}

// Start runs one monitoring loop per target until ctx is cancelled. Each loop
// checks immediately and then every target interval. The returned channel is
// closed after every loop has exited.
func (c *Checker) Start(ctx context.Context, targets []Target) <-chan struct{} {
	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			c.monitor(ctx, t)
		}(t)
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func (c *Checker) monitor(ctx context.Context, t Target) {
	interval := t.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	c.logger.Info().Str("provider", t.Name).Dur("interval", interval).Msg("health monitoring started")

	for {
		wait := interval
		if !c.runOnce(ctx, t) {
			wait = c.backoff
		}
		if err := c.sleep(ctx, wait); err != nil {
			c.logger.Debug().Str("provider", t.Name).Msg("health monitoring stopped")
			return
		}
	}
}

// runOnce reports false if the iteration panicked.
func (c *Checker) runOnce(ctx context.Context, t Target) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("provider", t.Name).
				Dur("backoff", c.backoff).Msg("health loop: recovered from panic")
			ok = false
		}
	}()
	if ctx.Err() != nil {
		return true
	}
	c.Check(ctx, t)
	return true
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
