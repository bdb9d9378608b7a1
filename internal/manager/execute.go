package manager

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/allaspectsdev/llmrelay/internal/breaker"
	"github.com/allaspectsdev/llmrelay/internal/health"
	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/tracing"
)

// Execute serves req with the first candidate provider that succeeds.
// Candidates are tried one at a time. Each attempt is bounded by the
// request's timeout, or the provider's when the request sets none, and by
// ctx, so a caller deadline caps the whole run.
//
// Candidates whose request window is full are tried after those that can
// take a call now.
//
// With no candidates Execute returns an *UnavailableError without calling
// anything. When every candidate fails it returns one *ExhaustedError
// wrapping the last failure.
func (m *Manager) Execute(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.now()
	}

	m.observer.IncrementActive()
	defer m.observer.DecrementActive()

	ctx, span := tracing.StartExecuteSpan(ctx, req.ID, req.Model, m.Strategy())
	defer span.End()

	logger := m.logger.With().Str("request_id", req.ID).Str("model", req.Model).Logger()

	candidates := m.AvailableProviders(req.Model)
	if len(candidates) == 0 {
		err := &UnavailableError{RequestID: req.ID, Model: req.Model}
		logger.Warn().Msg("no provider available")
		tracing.RecordError(ctx, err)
		m.finish(ctx, req, nil, err, nil)
		return nil, err
	}
	candidates = m.preferUnthrottled(candidates)

	var (
		lastErr   error
		attempted = make([]string, 0, len(candidates))
		attempts  = make([]Attempt, 0, len(candidates))
	)
	for i, name := range candidates {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		e, ok := m.lookup(name)
		if !ok {
			continue
		}
		attempted = append(attempted, name)

		start := m.now()
		resp, err := m.attempt(ctx, e, req, i+1)
		latency := m.now().Sub(start)

		switch {
		case err == nil:
			attempts = append(attempts, Attempt{Provider: name, Outcome: OutcomeSuccess, LatencyMs: latency.Milliseconds()})
			m.observer.ObserveAttempt(name, OutcomeSuccess, latency)
			tracing.SetResponseAttributes(ctx, name, len(attempted), resp.TokensUsed, resp.Cost)
			if i > 0 {
				logger.Info().Str("provider", name).Int("attempt", i+1).Msg("served after failover")
			}
			m.finish(ctx, req, resp, nil, attempts)
			return resp, nil

		case ctx.Err() != nil:
			attempts = append(attempts, Attempt{Provider: name, Outcome: OutcomeCanceled, Error: err.Error(), LatencyMs: latency.Milliseconds()})
			m.observer.ObserveAttempt(name, OutcomeCanceled, latency)
			logger.Debug().Err(err).Str("provider", name).Msg("caller gone, stopping failover")
			lastErr = err

		case errors.Is(err, breaker.ErrCircuitOpen):
			attempts = append(attempts, Attempt{Provider: name, Outcome: OutcomeCircuitOpen, Error: err.Error()})
			m.observer.ObserveAttempt(name, OutcomeCircuitOpen, 0)
			logger.Debug().Str("provider", name).Msg("circuit breaker open, skipping provider")
			if lastErr == nil {
				lastErr = err
			}

		default:
			attempts = append(attempts, Attempt{Provider: name, Outcome: OutcomeFailure, Error: err.Error(), LatencyMs: latency.Milliseconds()})
			m.observer.ObserveAttempt(name, OutcomeFailure, latency)
			logger.Warn().Err(err).Str("provider", name).Int("attempt", i+1).Msg("provider attempt failed, failing over")
			lastErr = err
		}
	}

	err := &ExhaustedError{RequestID: req.ID, Model: req.Model, Attempted: attempted, Last: lastErr}
	logger.Error().Err(lastErr).Strs("attempted", attempted).Msg("all providers exhausted")
	tracing.RecordError(ctx, err)
	m.finish(ctx, req, nil, err, attempts)
	return nil, err
}

// attempt makes one provider attempt, including same-provider retries of
// transient upstream statuses. Breaker rejections are returned unwrapped;
// call failures are returned as *provider.CallError.
func (m *Manager) attempt(ctx context.Context, e *entry, req *provider.Request, n int) (*provider.Response, error) {
	name := e.cfg.Name
	ctx, span := tracing.StartAttemptSpan(ctx, name, n)
	defer span.End()

	estimate := m.tokens.EstimateRequest(req)
	if err := m.limits.Acquire(ctx, name, estimate); err != nil {
		return nil, &provider.CallError{Provider: name, RequestID: req.ID, Err: err}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}

	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	start := m.now()
	var (
		comp      *provider.Completion
		err       error
		abandoned bool
	)
	for try := 0; ; try++ {
		c, gone, cerr := m.call(ctx, e, req, timeout)
		if try > 0 && errors.Is(cerr, breaker.ErrCircuitOpen) {
			// Opened since the last try; keep the upstream error.
			break
		}
		comp, err, abandoned = c, cerr, gone
		if err == nil || errors.Is(err, breaker.ErrCircuitOpen) || try >= e.cfg.MaxRetries {
			break
		}
		var se *provider.StatusError
		if !errors.As(err, &se) || !se.Transient() || ctx.Err() != nil {
			break
		}
		if !e.breaker.Allow() {
			// Our own retries opened the circuit.
			break
		}
		delay := backoffDelay(try, m.retry.BaseDelay, m.retry.MaxDelay)
		if se.RetryAfter > delay {
			delay = se.RetryAfter
		}
		m.logger.Debug().Err(err).Str("provider", name).Str("request_id", req.ID).
			Int("retry", try+1).Dur("delay", delay).Msg("transient upstream status, retrying")
		if serr := m.sleep(ctx, delay); serr != nil {
			break
		}
	}
	latency := m.now().Sub(start)

	if errors.Is(err, breaker.ErrCircuitOpen) {
		return nil, err
	}

	e.requests.Add(1)
	if abandoned {
		return nil, &provider.CallError{Provider: name, RequestID: req.ID, Err: err}
	}
	if err != nil {
		e.failures.Add(1)
		tracing.RecordError(ctx, err)
		m.degrade(ctx, name, err)
		return nil, &provider.CallError{Provider: name, RequestID: req.ID, Err: err}
	}

	tokens := comp.InputTokens + comp.OutputTokens
	if tokens == 0 {
		tokens = m.tokens.CountMessages(req.Model, req.Messages) + m.tokens.CountTokens(req.Model, comp.Content)
	}
	if tokens > estimate {
		m.limits.RecordTokens(name, tokens-estimate)
	}
	cost := float64(tokens) / 1000 * e.cfg.CostPer1KTokens

	e.successes.Add(1)
	e.tokens.Add(int64(tokens))
	e.latencyMs.Add(latency.Milliseconds())
	e.addCost(cost)

	return &provider.Response{
		RequestID:  req.ID,
		Provider:   name,
		Model:      req.Model,
		Content:    comp.Content,
		TokensUsed: tokens,
		Cost:       cost,
		LatencyMs:  latency.Milliseconds(),
		Success:    true,
		CreatedAt:  m.now(),
	}, nil
}

// call runs one breaker-guarded Generate bounded by timeout. abandoned
// reports a failure caused by ctx ending rather than by the provider; the
// breaker does not count it. Only the per-attempt timeout counts against
// the provider.
func (m *Manager) call(ctx context.Context, e *entry, req *provider.Request, timeout time.Duration) (comp *provider.Completion, abandoned bool, err error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = e.breaker.Call(actx, func(cctx context.Context) error {
		c, gerr := e.client.Generate(cctx, req)
		if gerr != nil {
			if ctx.Err() != nil {
				abandoned = true
				return breaker.Neutral(gerr)
			}
			return gerr
		}
		comp = c
		return nil
	})
	return comp, abandoned, err
}

// preferUnthrottled moves candidates with a full request window behind the
// rest, keeping strategy order within each group. A saturated candidate is
// only waited on once every earlier one has failed.
func (m *Manager) preferUnthrottled(names []string) []string {
	ready := make([]string, 0, len(names))
	var saturated []string
	for _, name := range names {
		if m.limits.CanMakeRequest(name) {
			ready = append(ready, name)
		} else {
			saturated = append(saturated, name)
		}
	}
	return append(ready, saturated...)
}

// degrade lowers a healthy provider to degraded after a failed call. The
// breaker decides when repeated failures take it out of rotation.
func (m *Manager) degrade(ctx context.Context, name string, cause error) {
	if st, ok := m.health.Cached(name); ok && st == health.Healthy {
		m.health.Mark(ctx, name, health.Degraded, cause.Error())
	}
}

// finish reports the outcome to the observer and recorder.
func (m *Manager) finish(ctx context.Context, req *provider.Request, resp *provider.Response, err error, attempts []Attempt) {
	m.observer.ObserveResult(resp, err)
	if m.recorder == nil {
		return
	}

	record := resp
	if record == nil {
		record = &provider.Response{
			RequestID: req.ID,
			Model:     req.Model,
			Success:   false,
			CreatedAt: m.now(),
		}
		if err != nil {
			record.Error = err.Error()
		}
		if len(attempts) > 0 {
			record.Provider = attempts[len(attempts)-1].Provider
		}
	}

	if rerr := m.recorder.RecordResponse(context.WithoutCancel(ctx), req, record, attempts); rerr != nil {
		m.logger.Warn().Err(rerr).Str("request_id", req.ID).Msg("failed to record response")
	}
}

// backoffDelay is exponential backoff with full jitter, clamped to maxDelay.
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay)))
	}
	return delay
}

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
