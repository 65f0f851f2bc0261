package observability

import (
	"time"
)

// Metric names.
const (
	MetricMessages        = "xmonitor_messages_total"
	MetricClassifications = "xmonitor_classifications_total"
	MetricSearches        = "xmonitor_searches_total"
	MetricSearchFailures  = "xmonitor_search_failures_total"
	MetricDecisions       = "xmonitor_decisions_total"
	MetricTrades          = "xmonitor_trades_total"
	MetricQueueDepth      = "xmonitor_queue_depth"
	MetricChainsReady     = "xmonitor_chains_ready"
	MetricSearchLatency   = "xmonitor_search_latency_ms"
	MetricTradeLatency    = "xmonitor_trade_latency_ms"
)

// MonitorMetrics is the metric set of the message pipeline, backed by a
// Registry.
type MonitorMetrics struct {
	registry *Registry
}

// NewMonitorMetrics creates a registry with the pipeline's unlabeled series
// pre-registered so they export as zero before first use.
func NewMonitorMetrics() *MonitorMetrics {
	r := NewRegistry()
	r.Counter(MetricMessages, "Messages accepted by the pipeline", nil)
	r.Counter(MetricSearches, "Symbol searches performed", nil)
	r.Gauge(MetricQueueDepth, "Messages waiting in the worker queue", nil)
	r.Gauge(MetricChainsReady, "Chains with an initialized adapter", nil)
	r.Histogram(MetricSearchLatency, "Cross-chain symbol search latency in milliseconds", nil, DefaultLatencyBuckets)
	return &MonitorMetrics{registry: r}
}

// Registry exposes the underlying registry for export.
func (m *MonitorMetrics) Registry() *Registry { return m.registry }

// MessageReceived counts an accepted message.
func (m *MonitorMetrics) MessageReceived() {
	m.registry.Counter(MetricMessages, "Messages accepted by the pipeline", nil).Inc()
}

// Classified counts a classification call by outcome (ok|error|empty).
func (m *MonitorMetrics) Classified(outcome string) {
	m.registry.Counter(MetricClassifications, "Classifier calls by outcome", Labels("outcome", outcome)).Inc()
}

// Searched records one symbol search and its latency.
func (m *MonitorMetrics) Searched(d time.Duration, err error) {
	m.registry.Counter(MetricSearches, "Symbol searches performed", nil).Inc()
	if err != nil {
		m.registry.Counter(MetricSearchFailures, "Searches where no chain answered", nil).Inc()
	}
	m.registry.Histogram(MetricSearchLatency, "Cross-chain symbol search latency in milliseconds", nil, DefaultLatencyBuckets).ObserveDuration(d)
}

// Decided counts a policy decision.
func (m *MonitorMetrics) Decided(chain string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.registry.Counter(MetricDecisions, "Trade policy decisions", Labels("chain", chain, "decision", decision)).Inc()
}

// Traded records a trade attempt by chain and result (executed|failed).
func (m *MonitorMetrics) Traded(chain string, executed bool, d time.Duration) {
	result := "failed"
	if executed {
		result = "executed"
	}
	m.registry.Counter(MetricTrades, "Trade attempts", Labels("chain", chain, "result", result)).Inc()
	m.registry.Histogram(MetricTradeLatency, "Trade latency in milliseconds", Labels("chain", chain), DefaultLatencyBuckets).ObserveDuration(d)
}

// SetQueueDepth updates the worker queue gauge.
func (m *MonitorMetrics) SetQueueDepth(n int) {
	m.registry.Gauge(MetricQueueDepth, "Messages waiting in the worker queue", nil).Set(float64(n))
}

// SetChainsReady updates the ready chain gauge.
func (m *MonitorMetrics) SetChainsReady(n int) {
	m.registry.Gauge(MetricChainsReady, "Chains with an initialized adapter", nil).Set(float64(n))
}
