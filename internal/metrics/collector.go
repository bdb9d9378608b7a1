package metrics

import (
	"errors"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/allaspectsdev/llmrelay/internal/manager"
	"github.com/allaspectsdev/llmrelay/internal/provider"
)

// Collector tracks live request metrics with atomic counters. It satisfies
// manager.Observer.
type Collector struct {
	totalRequests int64
	successes     int64
	unavailable   int64
	exhausted     int64
	totalTokens   int64

	// Float64 counters stored as uint64 via math.Float64bits/Float64frombits.
	totalCostUSD uint64

	activeRequests int64

	attempts *counterVec
	latency  *histogramVec

	startTime time.Time
}

var _ manager.Observer = (*Collector)(nil)

// Stats is a point-in-time snapshot of the collector's counters.
type Stats struct {
	Uptime         string  `json:"uptime"`
	TotalRequests  int64   `json:"total_requests"`
	Successes      int64   `json:"successes"`
	Failures       int64   `json:"failures"`
	Unavailable    int64   `json:"unavailable"`
	Exhausted      int64   `json:"exhausted"`
	SuccessRate    float64 `json:"success_rate"`
	TotalTokens    int64   `json:"total_tokens"`
	CostUSD        float64 `json:"cost_usd"`
	ActiveRequests int64   `json:"active_requests"`
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		startTime:    time.Now(),
		totalCostUSD: math.Float64bits(0),
		attempts:     newCounterVec("provider", "outcome"),
		latency:      newHistogramVec(defaultBuckets, "provider"),
	}
}

// IncrementActive is called when a request enters the manager.
func (c *Collector) IncrementActive() {
	atomic.AddInt64(&c.activeRequests, 1)
}

// DecrementActive is called when a request leaves the manager, whatever the outcome.
func (c *Collector) DecrementActive() {
	atomic.AddInt64(&c.activeRequests, -1)
}

// ObserveAttempt counts one provider attempt. Latency is only observed for
// attempts that reached the provider.
func (c *Collector) ObserveAttempt(providerName, outcome string, latency time.Duration) {
	c.attempts.inc(map[string]string{"provider": providerName, "outcome": outcome})
	if outcome != manager.OutcomeCircuitOpen {
		c.latency.observe(map[string]string{"provider": providerName}, latency.Seconds())
	}
}

// ObserveResult counts the final outcome of a request.
func (c *Collector) ObserveResult(resp *provider.Response, err error) {
	atomic.AddInt64(&c.totalRequests, 1)
	switch {
	case err == nil && resp != nil:
		atomic.AddInt64(&c.successes, 1)
		atomic.AddInt64(&c.totalTokens, int64(resp.TokensUsed))
		addFloat64(&c.totalCostUSD, resp.Cost)
	case errors.Is(err, manager.ErrProviderUnavailable):
		atomic.AddInt64(&c.unavailable, 1)
	case errors.Is(err, manager.ErrExhausted):
		atomic.AddInt64(&c.exhausted, 1)
	}
}

// Attempts returns the per-provider attempt counters.
func (c *Collector) Attempts() *counterVec { return c.attempts }

// Latency returns the per-provider attempt latency histograms.
func (c *Collector) Latency() *histogramVec { return c.latency }

// Stats returns a point-in-time snapshot of all metrics.
func (c *Collector) Stats() *Stats {
	total := atomic.LoadInt64(&c.totalRequests)
	ok := atomic.LoadInt64(&c.successes)

	var rate float64
	if total > 0 {
		rate = float64(ok) / float64(total) * 100
	}

	return &Stats{
		Uptime:         formatDuration(time.Since(c.startTime)),
		TotalRequests:  total,
		Successes:      ok,
		Failures:       total - ok,
		Unavailable:    atomic.LoadInt64(&c.unavailable),
		Exhausted:      atomic.LoadInt64(&c.exhausted),
		SuccessRate:    rate,
		TotalTokens:    atomic.LoadInt64(&c.totalTokens),
		CostUSD:        loadFloat64(&c.totalCostUSD),
		ActiveRequests: atomic.LoadInt64(&c.activeRequests),
	}
}

// addFloat64 atomically adds delta to the float64 stored in addr using a CAS loop.
func addFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// loadFloat64 atomically loads a float64 stored in addr.
func loadFloat64(addr *uint64) float64 {
	return math.Float64frombits(atomic.LoadUint64(addr))
}

// formatDuration produces a human-readable duration string like "2d 5h 32m".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return formatWithUnits(days, "d", hours, "h", minutes, "m")
	}
	if hours > 0 {
		return formatWithUnits(hours, "h", minutes, "m", 0, "")
	}
	return formatWithUnits(minutes, "m", 0, "", 0, "")
}

// formatWithUnits builds a compact duration string from up to three components.
func formatWithUnits(v1 int, u1 string, v2 int, u2 string, v3 int, u3 string) string {
	s := ""
	if v1 > 0 {
		s += strconv.Itoa(v1) + u1
	}
	if v2 > 0 {
		if s != "" {
			s += " "
		}
		s += strconv.Itoa(v2) + u2
	}
	if v3 > 0 && u3 != "" {
		if s != "" {
			s += " "
		}
		s += strconv.Itoa(v3) + u3
	}
	if s == "" {
		return "0m"
	}
	return s
}
