package metrics

import (
	"sort"
	"strings"
	"sync"
)

// labelKey joins label values in name order so equal label sets share a series.
func labelKey(names []string, labels map[string]string) string {
	var b strings.Builder
	for i, n := range names {
		if i > 0 {
			b.WriteByte(0)
		}
		b.WriteString(labels[n])
	}
	return b.String()
}

type counterEntry struct {
	labels map[string]string
	value  int64
}

// counterVec is a set of integer counters keyed by a fixed label set.
type counterVec struct {
	names []string

	mu     sync.Mutex
	series map[string]*counterEntry
}

func newCounterVec(labelNames ...string) *counterVec {
	return &counterVec{names: labelNames, series: make(map[string]*counterEntry)}
}

func (cv *counterVec) add(labels map[string]string, delta int64) {
	key := labelKey(cv.names, labels)
	cv.mu.Lock()
	defer cv.mu.Unlock()
	e, ok := cv.series[key]
	if !ok {
		e = &counterEntry{labels: copyLabels(labels)}
		cv.series[key] = e
	}
	e.value += delta
}

func (cv *counterVec) inc(labels map[string]string) { cv.add(labels, 1) }

func (cv *counterVec) get(labels map[string]string) int64 {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if e, ok := cv.series[labelKey(cv.names, labels)]; ok {
		return e.value
	}
	return 0
}

func (cv *counterVec) snapshot() []counterEntry {
	cv.mu.Lock()
	out := make([]counterEntry, 0, len(cv.series))
	for _, e := range cv.series {
		out = append(out, counterEntry{labels: e.labels, value: e.value})
	}
	cv.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return labelKey(cv.names, out[i].labels) < labelKey(cv.names, out[j].labels)
	})
	return out
}

type gaugeEntry struct {
	labels map[string]string
	value  float64
}

// gaugeVec holds the last value set per label set.
type gaugeVec struct {
	names []string

	mu     sync.Mutex
	series map[string]*gaugeEntry
}

func newGaugeVec(labelNames ...string) *gaugeVec {
	return &gaugeVec{names: labelNames, series: make(map[string]*gaugeEntry)}
}

func (gv *gaugeVec) set(labels map[string]string, v float64) {
	key := labelKey(gv.names, labels)
	gv.mu.Lock()
	defer gv.mu.Unlock()
	e, ok := gv.series[key]
	if !ok {
		e = &gaugeEntry{labels: copyLabels(labels)}
		gv.series[key] = e
	}
	e.value = v
}

func (gv *gaugeVec) snapshot() []gaugeEntry {
	gv.mu.Lock()
	out := make([]gaugeEntry, 0, len(gv.series))
	for _, e := range gv.series {
		out = append(out, gaugeEntry{labels: e.labels, value: e.value})
	}
	gv.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return labelKey(gv.names, out[i].labels) < labelKey(gv.names, out[j].labels)
	})
	return out
}

// defaultBuckets are latency bounds in seconds.
var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

type histogram struct {
	labels  map[string]string
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

// histogramVec is a set of fixed-bucket histograms keyed by a label set.
// Bucket counts are per bucket; the writer accumulates them.
type histogramVec struct {
	names   []string
	buckets []float64

	mu     sync.Mutex
	series map[string]*histogram
}

func newHistogramVec(buckets []float64, labelNames ...string) *histogramVec {
	return &histogramVec{names: labelNames, buckets: buckets, series: make(map[string]*histogram)}
}

func (hv *histogramVec) observe(labels map[string]string, v float64) {
	key := labelKey(hv.names, labels)
	hv.mu.Lock()
	defer hv.mu.Unlock()
	h, ok := hv.series[key]
	if !ok {
		h = &histogram{
			labels:  copyLabels(labels),
			buckets: hv.buckets,
			counts:  make([]int64, len(hv.buckets)),
		}
		hv.series[key] = h
	}
	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
			break
		}
	}
	h.sum += v
	h.count++
}

func (hv *histogramVec) snapshot() []histogram {
	hv.mu.Lock()
	out := make([]histogram, 0, len(hv.series))
	for _, h := range hv.series {
		counts := make([]int64, len(h.counts))
		copy(counts, h.counts)
		out = append(out, histogram{labels: h.labels, buckets: h.buckets, counts: counts, sum: h.sum, count: h.count})
	}
	hv.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return labelKey(hv.names, out[i].labels) < labelKey(hv.names, out[j].labels)
	})
	return out
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
