package observability

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ContentType is the Prometheus text exposition content type.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

// PrometheusExporter renders a Registry in Prometheus text exposition format.
// Transport is left to the caller.
type PrometheusExporter struct {
	registry *Registry
}

// NewPrometheusExporter creates a new exporter backed by the given registry.
func NewPrometheusExporter(registry *Registry) *PrometheusExporter {
	return &PrometheusExporter{registry: registry}
}

// Format returns all metrics in Prometheus text exposition format. Series
// sharing a name are grouped under a single HELP/TYPE header.
//
//	# HELP <name> <help>
//	# TYPE <name> <type>
//	<name>{labels} <value>
func (e *PrometheusExporter) Format() string {
	var b strings.Builder

	e.registry.mu.RLock()
	defer e.registry.mu.RUnlock()

	// Series keys sort by name first, so same-name series are adjacent.
	last := ""
	for _, key := range sortedKeys(e.registry.counters) {
		c := e.registry.counters[key]
		last = writeHeader(&b, last, c.series, MetricCounter)
		fmt.Fprintf(&b, "%s%s %s\n", c.name, formatLabels(c.labels), formatFloat(c.Value()))
	}

	last = ""
	for _, key := range sortedKeys(e.registry.gauges) {
		g := e.registry.gauges[key]
		last = writeHeader(&b, last, g.series, MetricGauge)
		fmt.Fprintf(&b, "%s%s %s\n", g.name, formatLabels(g.labels), formatFloat(g.Value()))
	}

	last = ""
	for _, key := range sortedKeys(e.registry.histograms) {
		h := e.registry.histograms[key]
		last = writeHeader(&b, last, h.series, MetricHistogram)

		buckets, counts, sum, count := h.BucketCounts()
		for i, bound := range buckets {
			fmt.Fprintf(&b, "%s_bucket%s %d\n", h.name, addLabel(h.labels, "le", formatFloat(bound)), counts[i])
		}
		fmt.Fprintf(&b, "%s_bucket%s %d\n", h.name, addLabel(h.labels, "le", "+Inf"), count)
		fmt.Fprintf(&b, "%s_sum%s %s\n", h.name, formatLabels(h.labels), formatFloat(sum))
		fmt.Fprintf(&b, "%s_count%s %d\n", h.name, formatLabels(h.labels), count)
	}

	return b.String()
}

func writeHeader(b *strings.Builder, last string, s series, t MetricType) string {
	if s.name == last {
		return last
	}
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	fmt.Fprintf(b, "# HELP %s %s\n", s.name, s.help)
	fmt.Fprintf(b, "# TYPE %s %s\n", s.name, t)
	return s.name
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

// formatLabels returns a Prometheus label string like {k1="v1",k2="v2"}, or
// "" without labels.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, k := range sortedKeys(labels) {
		parts = append(parts, k+"="+strconv.Quote(labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func addLabel(base map[string]string, key, value string) string {
	merged := copyLabels(base)
	if merged == nil {
		merged = make(map[string]string, 1)
	}
	merged[key] = value
	return formatLabels(merged)
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
