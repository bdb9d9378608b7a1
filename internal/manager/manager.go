// Package manager routes generation requests across registered providers,
// gating each candidate on configuration, circuit breaker state and cached
// health, and failing over sequentially in the order chosen by the active
// strategy.
package manager

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/llmrelay/internal/breaker"
	"github.com/allaspectsdev/llmrelay/internal/health"
	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/ratelimit"
	"github.com/allaspectsdev/llmrelay/internal/strategy"
	"github.com/allaspectsdev/llmrelay/internal/tokenizer"
)

// Attempt describes one provider tried while serving a request.
type Attempt struct {
	Provider  string `json:"provider"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Attempt outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeCanceled    = "canceled"
)

// Recorder persists the outcome of every executed request.
type Recorder interface {
	RecordResponse(ctx context.Context, req *provider.Request, resp *provider.Response, attempts []Attempt) error
}

// Observer receives live counters. Implementations must be safe for concurrent use.
type Observer interface {
	IncrementActive()
	DecrementActive()
	ObserveAttempt(provider, outcome string, latency time.Duration)
	ObserveResult(resp *provider.Response, err error)
}

// RetryPolicy controls same-provider retries of transient upstream statuses.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is used when none is configured.
var DefaultRetryPolicy = RetryPolicy{BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}

type entry struct {
	cfg     provider.Config
	client  provider.Provider
	breaker *breaker.Breaker

	// Guarded by Manager.mu.
	enabled  bool
	priority int

	inFlight  atomic.Int64
	requests  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	tokens    atomic.Int64
	latencyMs atomic.Int64

	costMu sync.Mutex
	cost   float64
}

func (e *entry) addCost(c float64) {
	e.costMu.Lock()
	e.cost += c
	e.costMu.Unlock()
}

func (e *entry) totalCost() float64 {
	e.costMu.Lock()
	defer e.costMu.Unlock()
	return e.cost
}

// Manager is safe for concurrent use.
type Manager struct {
	health   *health.Checker
	breakers *breaker.Registry
	limits   *ratelimit.Registry
	tokens   *tokenizer.Tokenizer
	recorder Recorder
	observer Observer
	retry    RetryPolicy
	logger   zerolog.Logger
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error

	mu        sync.RWMutex
	providers map[string]*entry
	strategy  strategy.Strategy
}

// Option configures a Manager.
type Option func(*Manager)

// WithStrategy sets the initial failover strategy.
func WithStrategy(s strategy.Strategy) Option {
	return func(m *Manager) {
		if s != nil {
			m.strategy = s
		}
	}
}

// WithBreakers supplies the breaker registry, for example one sharing a test clock.
func WithBreakers(r *breaker.Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.breakers = r
		}
	}
}

// WithRateLimits supplies the rate limiter registry.
func WithRateLimits(r *ratelimit.Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.limits = r
		}
	}
}

// WithTokenizer supplies the token estimator.
func WithTokenizer(t *tokenizer.Tokenizer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tokens = t
		}
	}
}

// WithRecorder persists every request outcome.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithObserver attaches live metrics.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithRetryPolicy sets the backoff between same-provider retries.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source used for latency and the sleep used
// between retries.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// New creates a manager reading provider health from checker.
func New(checker *health.Checker, opts ...Option) *Manager {
	m := &Manager{
		health:    checker,
		breakers:  breaker.NewRegistry(breaker.Settings{}),
		limits:    ratelimit.NewRegistry(),
		tokens:    tokenizer.New(),
		observer:  nopObserver{},
		retry:     DefaultRetryPolicy,
		logger:    log.With().Str("component", "manager").Logger(),
		now:       time.Now,
		sleep:     sleepWithContext,
		providers: make(map[string]*entry),
		strategy:  strategy.Priority{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a provider. Zero operating parameters in cfg take defaults.
func (m *Manager) Register(cfg provider.Config, client provider.Provider) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if client == nil {
		return fmt.Errorf("provider %q: client is nil", cfg.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[cfg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, cfg.Name)
	}

	b := m.breakers.Configure(cfg.Name, breaker.Settings{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		SuccessThreshold: cfg.SuccessThreshold,
	})
	m.limits.Configure(cfg.Name, ratelimit.Limits{
		RequestsPerMinute: cfg.RequestsPerMinute,
		TokensPerMinute:   cfg.TokensPerMinute,
	})
	m.providers[cfg.Name] = &entry{
		cfg:      cfg,
		client:   client,
		breaker:  b,
		enabled:  cfg.Enabled,
		priority: cfg.Priority,
	}

	m.logger.Info().Str("provider", cfg.Name).Strs("models", cfg.Models).
		Int("priority", cfg.Priority).Bool("enabled", cfg.Enabled).Msg("provider registered")
	return nil
}

// SetEnabled toggles whether a provider may receive traffic.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.providers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if e.enabled != enabled {
		e.enabled = enabled
		m.logger.Info().Str("provider", name).Bool("enabled", enabled).Msg("provider toggled")
	}
	return nil
}

// SetPriority changes a provider's rank. Lower values are tried first.
func (m *Manager) SetPriority(name string, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.providers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if e.priority != priority {
		m.logger.Info().Str("provider", name).Int("from", e.priority).Int("to", priority).Msg("provider priority changed")
		e.priority = priority
	}
	return nil
}

// SetStrategy replaces the failover strategy.
func (m *Manager) SetStrategy(s strategy.Strategy) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.strategy.Name() != s.Name() {
		m.logger.Info().Str("from", m.strategy.Name()).Str("to", s.Name()).Msg("failover strategy changed")
		m.strategy = s
	}
}

// Strategy returns the active strategy's name.
func (m *Manager) Strategy() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategy.Name()
}

// AvailableProviders returns, in strategy order, every provider that is
// enabled, serves model, has a breaker that would admit a call, and has
// live health of healthy or degraded. Unknown health excludes a provider.
func (m *Manager) AvailableProviders(model string) []string {
	m.mu.RLock()
	var cands []strategy.Candidate
	for name, e := range m.providers {
		if !e.enabled || !e.cfg.SupportsModel(model) || !e.breaker.Allow() {
			continue
		}
		if st, ok := m.health.Cached(name); !ok || !st.Available() {
			continue
		}
		cands = append(cands, strategy.Candidate{
			Name:     name,
			Priority: e.priority,
			Cost:     e.cfg.CostPer1KTokens,
			InFlight: e.inFlight.Load(),
		})
	}
	strat := m.strategy
	m.mu.RUnlock()

	ordered := strat.Order(cands)
	names := make([]string, len(ordered))
	for i, c := range ordered {
		names[i] = c.Name
	}
	return names
}

// Models lists every model served by an enabled provider.
func (m *Manager) Models() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	for _, e := range m.providers {
		if !e.enabled {
			continue
		}
		for _, model := range e.cfg.Models {
			seen[model] = true
		}
	}
	models := make([]string, 0, len(seen))
	for model := range seen {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// Ready reports whether at least one model has an available provider.
func (m *Manager) Ready() bool {
	for _, model := range m.Models() {
		if len(m.AvailableProviders(model)) > 0 {
			return true
		}
	}
	return false
}

// Targets returns health-monitoring targets for every registered provider.
func (m *Manager) Targets() []health.Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	targets := make([]health.Target, 0, len(m.providers))
	for name, e := range m.providers {
		targets = append(targets, health.Target{
			Name:     name,
			Prober:   e.client,
			Interval: e.cfg.HealthCheckInterval,
			Timeout:  e.cfg.Timeout,
		})
	}
	slices.SortFunc(targets, func(a, b health.Target) int { return strings.Compare(a.Name, b.Name) })
	return targets
}

// Health exposes the checker.
func (m *Manager) Health() *health.Checker { return m.health }

// SetStatus pins a provider's health to status until cleared. An empty
// status or "auto" clears the override, leaving health unknown until the
// next probe.
func (m *Manager) SetStatus(ctx context.Context, name, status string) error {
	if _, ok := m.lookup(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if status == "" || status == "auto" {
		m.health.ClearOverride(name)
		m.logger.Info().Str("provider", name).Msg("health override cleared")
		return nil
	}
	st, err := health.ParseStatus(status)
	if err != nil {
		return err
	}
	m.health.SetOverride(ctx, name, st)
	m.logger.Info().Str("provider", name).Str("status", string(st)).Msg("health override set")
	return nil
}

func (m *Manager) lookup(name string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.providers[name]
	return e, ok
}

type nopObserver struct{}

func (nopObserver) IncrementActive()                             {}
func (nopObserver) DecrementActive()                             {}
func (nopObserver) ObserveAttempt(string, string, time.Duration) {}
func (nopObserver) ObserveResult(*provider.Response, error)      {}
