package manager

import (
	"slices"
	"time"

	"github.com/allaspectsdev/llmrelay/internal/breaker"
	"github.com/allaspectsdev/llmrelay/internal/health"
)

// ProviderStats is a point-in-time view of one provider.
type ProviderStats struct {
	Name         string           `json:"name"`
	Type         string           `json:"type"`
	Enabled      bool             `json:"enabled"`
	Priority     int              `json:"priority"`
	Models       []string         `json:"models"`
	Requests     int64            `json:"request_count"`
	Successes    int64            `json:"success_count"`
	Failures     int64            `json:"failure_count"`
	TotalTokens  int64            `json:"total_tokens"`
	TotalCost    float64          `json:"total_cost"`
	InFlight     int64            `json:"in_flight"`
	AvgLatencyMs float64          `json:"avg_latency_ms"`
	SuccessRate  float64          `json:"success_rate"`
	Breaker      breaker.Snapshot `json:"circuit_breaker"`
	Health       string           `json:"health"`
	HealthError  string           `json:"health_error,omitempty"`
	CheckedAt    *time.Time       `json:"last_health_check,omitempty"`
	RPMUsed      int              `json:"rpm_used"`
	TPMUsed      int              `json:"tpm_used"`
}

// Stats returns per-provider statistics keyed by provider name.
func (m *Manager) Stats() map[string]ProviderStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ProviderStats, len(m.providers))
	for name, e := range m.providers {
		s := ProviderStats{
			Name:        name,
			Type:        string(e.cfg.Type),
			Enabled:     e.enabled,
			Priority:    e.priority,
			Models:      slices.Clone(e.cfg.Models),
			Requests:    e.requests.Load(),
			Successes:   e.successes.Load(),
			Failures:    e.failures.Load(),
			TotalTokens: e.tokens.Load(),
			TotalCost:   e.totalCost(),
			InFlight:    e.inFlight.Load(),
			Breaker:     e.breaker.Snapshot(),
			Health:      string(health.Unknown),
		}
		if s.Successes > 0 {
			s.AvgLatencyMs = float64(e.latencyMs.Load()) / float64(s.Successes)
		}
		if s.Requests > 0 {
			s.SuccessRate = float64(s.Successes) / float64(s.Requests)
		}
		if he, ok := m.health.Entry(name); ok {
			s.Health = string(he.Status)
			s.HealthError = he.Error
			checked := he.CheckedAt
			s.CheckedAt = &checked
		}
		s.RPMUsed, s.TPMUsed = m.limits.Usage(name)
		out[name] = s
	}
	return out
}

// Provider returns statistics for one provider.
func (m *Manager) Provider(name string) (ProviderStats, bool) {
	s, ok := m.Stats()[name]
	return s, ok
}
