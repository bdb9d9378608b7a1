// Package breaker implements per-provider circuit breakers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the state of a circuit breaker.
type State int

const (
	// Closed means calls flow through and failures are counted.
	Closed State = iota
	// Open means the provider tripped; calls fail fast until the recovery timeout elapses.
	Open
	// HalfOpen means the breaker is probing recovery with live calls.
	HalfOpen
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is matched by every OpenError.
var ErrCircuitOpen = errors.New("circuit open")

// OpenError is returned by Call when the breaker rejects the call without
// invoking the operation.
type OpenError struct {
	Provider string
	RetryAt  time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for provider %s (retry after %s)", e.Provider, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// Neutral marks err as saying nothing about the provider, for example a call
// abandoned because its caller went away. Call returns the wrapped error
// without recording a success or a failure.
func Neutral(err error) error {
	if err == nil {
		return nil
	}
	return &neutralError{err: err}
}

type neutralError struct{ err error }

func (e *neutralError) Error() string { return e.err.Error() }
func (e *neutralError) Unwrap() error { return e.err }

// Settings configures a breaker. Zero values are replaced with defaults.
type Settings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultSuccessThreshold = 3
)

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = DefaultSuccessThreshold
	}
	return s
}

// Snapshot is a point-in-time copy of a breaker's counters.
type Snapshot struct {
	State             State     `json:"-"`
	StateName         string    `json:"state"`
	FailureCount      int       `json:"failure_count"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
	LastFailure       time.Time `json:"last_failure,omitempty"`
}

// Breaker guards calls to one provider.
//
//	closed    -> open       after FailureThreshold failures (a success decays the count by one)
//	open      -> half_open  on the first call after RecoveryTimeout
//	half_open -> closed     after SuccessThreshold successes
//	half_open -> open       on any failure
type Breaker struct {
	name string
	cfg  Settings
	now  func() time.Time

	mu                sync.Mutex
	state             State
	failureCount      int
	halfOpenSuccesses int
	lastFailureTime   time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a closed breaker for the named provider.
func New(name string, cfg Settings, opts ...Option) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		state: Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the provider name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// Call runs fn if the breaker permits it and records the outcome. A panic in
// fn is recorded as a failure before it propagates. Errors wrapped with
// Neutral are returned unwrapped and not recorded.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) (err error) {
	if err := b.acquire(); err != nil {
		return err
	}

	completed := false
	defer func() {
		if !completed {
			b.RecordFailure()
		}
	}()

	err = fn(ctx)
	completed = true
	if err != nil {
		var ne *neutralError
		if errors.As(err, &ne) {
			return ne.err
		}
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// acquire decides whether a call may proceed, moving open to half_open once
// the recovery timeout has passed.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return nil
	}
	retryAt := b.lastFailureTime.Add(b.cfg.RecoveryTimeout)
	if b.now().Before(retryAt) {
		return &OpenError{Provider: b.name, RetryAt: retryAt}
	}
	b.state = HalfOpen
	b.halfOpenSuccesses = 0
	return nil
}

// Allow reports whether a call made now would be attempted. It never changes state.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return true
	}
	return !b.now().Before(b.lastFailureTime.Add(b.cfg.RecoveryTimeout))
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	case HalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.halfOpenSuccesses = 0
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = b.now()

	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = Open
		}
	case HalfOpen:
		b.state = Open
		b.halfOpenSuccesses = 0
	case Open:
		// A call that was admitted before another goroutine tripped the breaker.
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:             b.state,
		StateName:         b.state.String(),
		FailureCount:      b.failureCount,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		LastFailure:       b.lastFailureTime,
	}
}

// Registry holds one breaker per provider. Breakers are created lazily by Get
// or explicitly by Configure when a provider needs its own settings.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults Settings
	opts     []Option
}

// NewRegistry creates a registry whose lazily created breakers use defaults.
func NewRegistry(defaults Settings, opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
		opts:     opts,
	}
}

// Get returns the breaker for provider, creating one with the default settings if necessary.
func (r *Registry) Get(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[provider]
	if !ok {
		b = New(provider, r.defaults, r.opts...)
		r.breakers[provider] = b
	}
	return b
}

// Configure replaces the breaker for provider with a fresh one using cfg.
// Zero fields in cfg fall back to the registry defaults.
func (r *Registry) Configure(provider string, cfg Settings) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = r.defaults.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = r.defaults.RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = r.defaults.SuccessThreshold
	}

	b := New(provider, cfg, r.opts...)
	r.mu.Lock()
	r.breakers[provider] = b
	r.mu.Unlock()
	return b
}

// Snapshots returns the state of every known breaker.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make(map[string]Snapshot, len(list))
	for _, b := range list {
		out[b.name] = b.Snapshot()
	}
	return out
}
