package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType identifies the kind of metric.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// MetricEntry represents a single series value.
type MetricEntry struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Help      string            `json:"help"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"ts"`
}

// -----------------------------------------------------------------------
// Counter
// -----------------------------------------------------------------------

// Counter is a monotonically increasing counter stored as value * 1000 so it
// stays lock-free with 3 decimal places.
type Counter struct {
	series
	value atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1000)
}

// Add increments the counter by delta. Negative deltas are ignored.
func (c *Counter) Add(delta float64) {
	if delta < 0 {
		return
	}
	c.value.Add(int64(math.Round(delta * 1000)))
}

// Value returns the current counter value.
func (c *Counter) Value() float64 {
	return float64(c.value.Load()) / 1000.0
}

// -----------------------------------------------------------------------
// Gauge
// -----------------------------------------------------------------------

// Gauge can go up and down.
type Gauge struct {
	series
	mu    sync.Mutex
	value float64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

// Add adds delta to the gauge (may be negative).
func (g *Gauge) Add(delta float64) {
	g.mu.Lock()
	g.value += delta
	g.mu.Unlock()
}

func (g *Gauge) Inc() { g.Add(1) }
func (g *Gauge) Dec() { g.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// -----------------------------------------------------------------------
// Histogram
// -----------------------------------------------------------------------

// Histogram tracks value distributions in cumulative buckets: a value
// <= bucket[i] increments counts[i].
type Histogram struct {
	series
	mu      sync.Mutex
	buckets []float64 // sorted upper bounds
	counts  []int64
	sum     float64
	count   int64
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}
}

// ObserveDuration records d in milliseconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(float64(d.Microseconds()) / 1000.0)
}

// Count returns the total number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Quantile returns an approximate percentile (0..1), interpolating linearly
// within the bucket the rank falls in.
func (h *Histogram) Quantile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 || q < 0 || q > 1 {
		return 0
	}
	target := q * float64(h.count)
	for i, b := range h.buckets {
		cum := float64(h.counts[i])
		if cum < target {
			continue
		}
		var lower, prev float64
		if i > 0 {
			lower = h.buckets[i-1]
			prev = float64(h.counts[i-1])
		}
		if cum == prev {
			return b
		}
		return lower + (target-prev)/(cum-prev)*(b-lower)
	}
	if len(h.buckets) > 0 {
		return h.buckets[len(h.buckets)-1]
	}
	return 0
}

// BucketCounts returns a snapshot for the exporter.
func (h *Histogram) BucketCounts() (buckets []float64, counts []int64, sum float64, count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float64(nil), h.buckets...), append([]int64(nil), h.counts...), h.sum, h.count
}

// -----------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------

type series struct {
	name   string
	help   string
	labels map[string]string
}

// Labels is a convenience constructor for label sets: Labels("chain", "sol").
func Labels(kv ...string) map[string]string {
	if len(kv) == 0 {
		return nil
	}
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

// Registry manages metric series. A series is identified by name plus
// labels, so the same name may carry several label sets. Safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates an empty metric registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter returns the counter series for name and labels, creating it.
func (r *Registry) Counter(name, help string, labels map[string]string) *Counter {
	key := seriesKey(name, labels)
	r.mu.RLock()
	c, ok := r.counters[key]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[key]; ok {
		return c
	}
	c = &Counter{series: series{name: name, help: help, labels: copyLabels(labels)}}
	r.counters[key] = c
	return c
}

// Gauge returns the gauge series for name and labels, creating it.
func (r *Registry) Gauge(name, help string, labels map[string]string) *Gauge {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g := &Gauge{series: series{name: name, help: help, labels: copyLabels(labels)}}
	r.gauges[key] = g
	return g
}

// Histogram returns the histogram series for name and labels, creating it
// with buckets on first use.
func (r *Registry) Histogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[key]; ok {
		return h
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	h := &Histogram{
		series:  series{name: name, help: help, labels: copyLabels(labels)},
		buckets: sorted,
		counts:  make([]int64, len(sorted)),
	}
	r.histograms[key] = h
	return h
}

// AllMetrics returns a snapshot of every series, sorted by series key.
// Histograms report their observation count.
func (r *Registry) AllMetrics() []MetricEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	entries := make([]MetricEntry, 0, len(r.counters)+len(r.gauges)+len(r.histograms))
	for _, k := range sortedKeys(r.counters) {
		c := r.counters[k]
		entries = append(entries, MetricEntry{Name: c.name, Type: MetricCounter, Help: c.help, Value: c.Value(), Labels: copyLabels(c.labels), Timestamp: now})
	}
	for _, k := range sortedKeys(r.gauges) {
		g := r.gauges[k]
		entries = append(entries, MetricEntry{Name: g.name, Type: MetricGauge, Help: g.help, Value: g.Value(), Labels: copyLabels(g.labels), Timestamp: now})
	}
	for _, k := range sortedKeys(r.histograms) {
		h := r.histograms[k]
		entries = append(entries, MetricEntry{Name: h.name, Type: MetricHistogram, Help: h.help, Value: float64(h.Count()), Labels: copyLabels(h.labels), Timestamp: now})
	}
	return entries
}

// DefaultLatencyBuckets for latency histograms (in milliseconds).
var DefaultLatencyBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	// A space sorts below every valid metric name character, which keeps
	// series of one name adjacent in sorted order.
	var b strings.Builder
	b.WriteString(name)
	for i, k := range sortedKeys(labels) {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func copyLabels(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
