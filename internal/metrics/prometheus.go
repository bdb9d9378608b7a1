package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/allaspectsdev/llmrelay/internal/health"
	"github.com/allaspectsdev/llmrelay/internal/manager"
)

// ProviderSource reports live per-provider state.
type ProviderSource interface {
	Stats() map[string]manager.ProviderStats
}

// PrometheusHandler writes metrics in Prometheus text exposition format
// (version 0.0.4). Provider gauges are computed from src on every scrape.
func PrometheusHandler(collector *Collector, src ProviderSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := collector.Stats()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		uptimeSeconds := time.Since(collector.startTime).Seconds()

		writeMetric(w, "llmrelay_requests_total",
			"Total number of executed requests.",
			"counter", stats.TotalRequests)

		writeMetric(w, "llmrelay_requests_succeeded_total",
			"Requests served by some provider.",
			"counter", stats.Successes)

		writeMetric(w, "llmrelay_requests_unavailable_total",
			"Requests rejected because no provider was available.",
			"counter", stats.Unavailable)

		writeMetric(w, "llmrelay_requests_exhausted_total",
			"Requests that failed on every candidate provider.",
			"counter", stats.Exhausted)

		writeMetric(w, "llmrelay_tokens_total",
			"Total tokens consumed by successful requests.",
			"counter", stats.TotalTokens)

		writeMetricFloat(w, "llmrelay_cost_usd_total",
			"Total cost in USD.",
			"counter", stats.CostUSD)

		writeMetric(w, "llmrelay_active_requests",
			"Number of requests currently being processed.",
			"gauge", stats.ActiveRequests)

		writeMetricFloat(w, "llmrelay_uptime_seconds",
			"Number of seconds since the service started.",
			"gauge", uptimeSeconds)

		writeCounterVec(w, "llmrelay_provider_attempts_total",
			"Provider attempts by outcome.",
			collector.Attempts())

		writeHistogramVec(w, "llmrelay_provider_attempt_duration_seconds",
			"Provider attempt duration in seconds.",
			collector.Latency())

		if src == nil {
			return
		}
		providers := src.Stats()
		writeGaugeVec(w, "llmrelay_provider_circuit_state",
			"Circuit breaker state per provider (0=closed, 1=open, 2=half-open).",
			providerGauge(providers, func(s manager.ProviderStats) float64 { return float64(s.Breaker.State) }))
		writeGaugeVec(w, "llmrelay_provider_healthy",
			"1 when the provider's cached health admits traffic.",
			providerGauge(providers, func(s manager.ProviderStats) float64 {
				if health.Status(s.Health).Available() {
					return 1
				}
				return 0
			}))
		writeGaugeVec(w, "llmrelay_provider_enabled",
			"1 when the provider is enabled.",
			providerGauge(providers, func(s manager.ProviderStats) float64 {
				if s.Enabled {
					return 1
				}
				return 0
			}))
		writeGaugeVec(w, "llmrelay_provider_in_flight",
			"Requests currently in flight per provider.",
			providerGauge(providers, func(s manager.ProviderStats) float64 { return float64(s.InFlight) }))
		writeGaugeVec(w, "llmrelay_provider_tokens",
			"Tokens consumed per provider.",
			providerGauge(providers, func(s manager.ProviderStats) float64 { return float64(s.TotalTokens) }))
		writeGaugeVec(w, "llmrelay_provider_cost_usd",
			"Cost in USD per provider.",
			providerGauge(providers, func(s manager.ProviderStats) float64 { return s.TotalCost }))
	}
}

func providerGauge(stats map[string]manager.ProviderStats, value func(manager.ProviderStats) float64) *gaugeVec {
	gv := newGaugeVec("provider")
	for name, s := range stats {
		gv.set(map[string]string{"provider": name}, value(s))
	}
	return gv
}

// writeMetric writes a single integer metric in Prometheus text format.
func writeMetric(w http.ResponseWriter, name, help, metricType string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

// writeMetricFloat writes a single float64 metric in Prometheus text format.
func writeMetricFloat(w http.ResponseWriter, name, help, metricType string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %g\n", name, value)
}

// formatLabels formats a label map as Prometheus label string, e.g. {type="foo",provider="bar"}.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// writeCounterVec writes a labeled counter vec in Prometheus text format.
func writeCounterVec(w http.ResponseWriter, name, help string, cv *counterVec) {
	entries := cv.snapshot()
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, e := range entries {
		fmt.Fprintf(w, "%s%s %d\n", name, formatLabels(e.labels), e.value)
	}
}

// writeHistogramVec writes a labeled histogram vec in Prometheus text format.
func writeHistogramVec(w http.ResponseWriter, name, help string, hv *histogramVec) {
	histograms := hv.snapshot()
	if len(histograms) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)
	for _, h := range histograms {
		labels := formatLabels(h.labels)
		// Cumulative bucket counts.
		var cumulative int64
		for i, bound := range h.buckets {
			cumulative += h.counts[i]
			le := fmt.Sprintf("%g", bound)
			if len(h.labels) == 0 {
				fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, le, cumulative)
			} else {
				// Insert le into existing labels.
				lbl := formatLabelsWithLe(h.labels, le)
				fmt.Fprintf(w, "%s_bucket%s %d\n", name, lbl, cumulative)
			}
		}
		// +Inf bucket.
		if len(h.labels) == 0 {
			fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", name, h.count)
		} else {
			lbl := formatLabelsWithLe(h.labels, "+Inf")
			fmt.Fprintf(w, "%s_bucket%s %d\n", name, lbl, h.count)
		}
		fmt.Fprintf(w, "%s_sum%s %g\n", name, labels, h.sum)
		fmt.Fprintf(w, "%s_count%s %d\n", name, labels, h.count)
	}
}

// formatLabelsWithLe formats labels with an additional "le" label for histogram buckets.
func formatLabelsWithLe(labels map[string]string, le string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	fmt.Fprintf(&b, ",le=%q", le)
	b.WriteByte('}')
	return b.String()
}

// writeGaugeVec writes a labeled gauge vec in Prometheus text format.
func writeGaugeVec(w http.ResponseWriter, name, help string, gv *gaugeVec) {
	entries := gv.snapshot()
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	for _, e := range entries {
		fmt.Fprintf(w, "%s%s %g\n", name, formatLabels(e.labels), e.value)
	}
}
