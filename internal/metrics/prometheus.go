// Package metrics exposes dispatch counters and latencies to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements dispatch.Metrics and storage.DropCounter.
type PrometheusMetrics struct {
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	rateLimited       *prometheus.CounterVec
	schemaCache       *prometheus.CounterVec
	recordsDropped    *prometheus.CounterVec
}

// NewPrometheusMetrics registers the collectors on registerer
// (prometheus.DefaultRegisterer when nil).
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_runner_executions_total",
				Help: "Total number of tool dispatches by outcome",
			},
			[]string{"tenant", "tool", "outcome"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_runner_execution_duration_seconds",
				Help:    "End-to-end duration of tool dispatches in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		rateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_runner_rate_limited_total",
				Help: "Total number of dispatches rejected by the rate limiter",
			},
			[]string{"tenant", "tool"},
		),
		schemaCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_runner_schema_cache_total",
				Help: "Schema export cache lookups by result",
			},
			[]string{"result"},
		),
		recordsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_runner_execution_records_dropped_total",
				Help: "Execution records discarded because the sink buffer was full",
			},
			[]string{"sink"},
		),
	}
}

func (m *PrometheusMetrics) ObserveExecution(tenantID, toolName, outcome string, duration time.Duration) {
	m.executions.WithLabelValues(tenantID, toolName, outcome).Inc()
	m.executionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) ObserveRateLimited(tenantID, toolName string) {
	m.rateLimited.WithLabelValues(tenantID, toolName).Inc()
}

func (m *PrometheusMetrics) ObserveSchemaCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.schemaCache.WithLabelValues(result).Inc()
}

func (m *PrometheusMetrics) ObserveRecordDropped(sink string) {
	m.recordsDropped.WithLabelValues(sink).Inc()
}
