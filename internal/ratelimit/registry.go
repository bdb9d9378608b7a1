package ratelimit

import (
	"context"
	"fmt"
	"sync"
)

// Limits are the per-minute caps for one provider. Zero disables a cap.
type Limits struct {
	RequestsPerMinute int
	TokensPerMinute   int
}

type providerLimiter struct {
	requests *Window
	tokens   *Window
}

// Registry holds a request limiter and a token limiter per provider.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*providerLimiter
	opts     []Option
}

// NewRegistry creates an empty registry. opts are applied to every limiter it creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		limiters: make(map[string]*providerLimiter),
		opts:     opts,
	}
}

// Configure installs fresh limiters for provider.
func (r *Registry) Configure(provider string, l Limits) {
	pl := &providerLimiter{
		requests: New(l.RequestsPerMinute, DefaultWindow, r.opts...),
		tokens:   New(l.TokensPerMinute, DefaultWindow, r.opts...),
	}
	r.mu.Lock()
	r.limiters[provider] = pl
	r.mu.Unlock()
}

func (r *Registry) get(provider string) *providerLimiter {
	r.mu.RLock()
	pl, ok := r.limiters[provider]
	r.mu.RUnlock()
	if ok {
		return pl
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if pl, ok = r.limiters[provider]; ok {
		return pl
	}
	pl = &providerLimiter{
		requests: New(0, DefaultWindow, r.opts...),
		tokens:   New(0, DefaultWindow, r.opts...),
	}
	r.limiters[provider] = pl
	return pl
}

// Acquire waits for one request slot and estimatedTokens of token budget.
func (r *Registry) Acquire(ctx context.Context, provider string, estimatedTokens int) error {
	pl := r.get(provider)
	if err := pl.requests.Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: waiting for %s request slot: %w", provider, err)
	}
	if err := pl.tokens.WaitN(ctx, estimatedTokens); err != nil {
		return fmt.Errorf("ratelimit: waiting for %s token budget: %w", provider, err)
	}
	return nil
}

// RecordTokens accounts for tokens beyond the estimate passed to Acquire.
func (r *Registry) RecordTokens(provider string, extra int) {
	r.get(provider).tokens.RecordN(extra)
}

// CanMakeRequest reports whether provider has a free request slot right now.
func (r *Registry) CanMakeRequest(provider string) bool {
	return r.get(provider).requests.CanMakeRequest()
}

// Usage returns requests and tokens recorded in the current window.
func (r *Registry) Usage(provider string) (requests, tokens int) {
	pl := r.get(provider)
	return pl.requests.Used(), pl.tokens.Used()
}
