package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/allaspectsdev/llmrelay/internal/manager"
	"github.com/allaspectsdev/llmrelay/internal/provider"
)

func TestNewCollector_Defaults(t *testing.T) {
	c := NewCollector()
	s := c.Stats()

	if s.TotalRequests != 0 || s.Successes != 0 || s.Failures != 0 {
		t.Errorf("expected zero counters, got %+v", s)
	}
	if s.CostUSD != 0 {
		t.Errorf("CostUSD: got %f, want 0", s.CostUSD)
	}
	if s.SuccessRate != 0 {
		t.Errorf("SuccessRate with no requests: got %f, want 0", s.SuccessRate)
	}
}

func TestCollector_ObserveResult(t *testing.T) {
	c := NewCollector()

	c.ObserveResult(&provider.Response{Success: true, TokensUsed: 100, Cost: 0.25}, nil)
	c.ObserveResult(&provider.Response{Success: true, TokensUsed: 50, Cost: 0.5}, nil)
	c.ObserveResult(nil, &manager.UnavailableError{Model: "m"})
	c.ObserveResult(nil, &manager.ExhaustedError{Attempted: []string{"a"}, Last: errors.New("boom")})

	s := c.Stats()
	if s.TotalRequests != 4 {
		t.Errorf("TotalRequests: got %d, want 4", s.TotalRequests)
	}
	if s.Successes != 2 || s.Failures != 2 {
		t.Errorf("Successes/Failures: got %d/%d, want 2/2", s.Successes, s.Failures)
	}
	if s.Unavailable != 1 || s.Exhausted != 1 {
		t.Errorf("Unavailable/Exhausted: got %d/%d, want 1/1", s.Unavailable, s.Exhausted)
	}
	if s.TotalTokens != 150 {
		t.Errorf("TotalTokens: got %d, want 150", s.TotalTokens)
	}
	if s.CostUSD != 0.75 {
		t.Errorf("CostUSD: got %f, want 0.75", s.CostUSD)
	}
	if s.SuccessRate != 50 {
		t.Errorf("SuccessRate: got %f, want 50", s.SuccessRate)
	}
}

func TestCollector_ActiveRequests(t *testing.T) {
	c := NewCollector()

	c.IncrementActive()
	c.IncrementActive()
	c.IncrementActive()
	if got := c.Stats().ActiveRequests; got != 3 {
		t.Errorf("ActiveRequests after 3 increments: got %d, want 3", got)
	}

	c.DecrementActive()
	if got := c.Stats().ActiveRequests; got != 2 {
		t.Errorf("ActiveRequests after decrement: got %d, want 2", got)
	}
}

func TestCollector_ObserveAttempt(t *testing.T) {
	c := NewCollector()

	c.ObserveAttempt("openai", manager.OutcomeFailure, 300*time.Millisecond)
	c.ObserveAttempt("openai", manager.OutcomeSuccess, 2*time.Second)
	c.ObserveAttempt("anthropic", manager.OutcomeCircuitOpen, 0)

	if got := c.Attempts().get(map[string]string{"provider": "openai", "outcome": "failure"}); got != 1 {
		t.Errorf("openai failures: got %d, want 1", got)
	}
	if got := c.Attempts().get(map[string]string{"provider": "anthropic", "outcome": "circuit_open"}); got != 1 {
		t.Errorf("anthropic circuit_open: got %d, want 1", got)
	}

	hists := c.Latency().snapshot()
	if len(hists) != 1 {
		t.Fatalf("expected latency only for openai, got %d series", len(hists))
	}
	h := hists[0]
	if h.labels["provider"] != "openai" || h.count != 2 {
		t.Errorf("histogram: labels=%v count=%d", h.labels, h.count)
	}
	if h.sum != 2.3 {
		t.Errorf("histogram sum: got %g, want 2.3", h.sum)
	}
}

func TestCollector_Uptime(t *testing.T) {
	c := NewCollector()
	if c.Stats().Uptime == "" {
		t.Error("Uptime should not be empty")
	}
}

func TestCollector_ConcurrentObservations(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncrementActive()
			c.ObserveAttempt("p", manager.OutcomeSuccess, time.Millisecond)
			c.ObserveResult(&provider.Response{Success: true, TokensUsed: 1, Cost: 0.01}, nil)
			c.DecrementActive()
		}()
	}
	wg.Wait()

	s := c.Stats()
	if s.TotalRequests != 100 || s.TotalTokens != 100 {
		t.Errorf("after 100 concurrent results: requests=%d tokens=%d", s.TotalRequests, s.TotalTokens)
	}
	if s.ActiveRequests != 0 {
		t.Errorf("ActiveRequests: got %d, want 0", s.ActiveRequests)
	}
	if got := c.Attempts().get(map[string]string{"provider": "p", "outcome": "success"}); got != 100 {
		t.Errorf("attempts: got %d, want 100", got)
	}
}

func TestHistogramVec_Buckets(t *testing.T) {
	hv := newHistogramVec([]float64{1, 5}, "provider")
	l := map[string]string{"provider": "a"}
	hv.observe(l, 0.5)
	hv.observe(l, 3)
	hv.observe(l, 10)

	h := hv.snapshot()[0]
	if h.counts[0] != 1 || h.counts[1] != 1 {
		t.Errorf("per-bucket counts: got %v, want [1 1]", h.counts)
	}
	if h.count != 3 {
		t.Errorf("count: got %d, want 3", h.count)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{2*time.Hour + 15*time.Minute, "2h 15m"},
		{50*time.Hour + 3*time.Minute, "2d 2h 3m"},
	}

	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v): got %q, want %q", tt.d, got, tt.want)
		}
	}
}
