package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrometheusMetrics_UsesProvidedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()

	m := NewPrometheusMetrics(registry)
	m.ObserveExecution("tenant_a", "lookup_price", "succeeded", 20*time.Millisecond)
	m.ObserveRateLimited("tenant_a", "lookup_price")
	m.ObserveSchemaCache(true)
	m.ObserveSchemaCache(false)
	m.ObserveRecordDropped("clickhouse")

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "tool_runner_executions_total")
	assert.Contains(t, names, "tool_runner_execution_duration_seconds")
	assert.Contains(t, names, "tool_runner_rate_limited_total")
	assert.Contains(t, names, "tool_runner_schema_cache_total")
	assert.Contains(t, names, "tool_runner_execution_records_dropped_total")
}

func TestObserveExecution_CountsByOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPrometheusMetrics(registry)
	m.ObserveExecution("tenant_a", "lookup_price", "succeeded", time.Millisecond)
	m.ObserveExecution("tenant_a", "lookup_price", "succeeded", time.Millisecond)
	m.ObserveExecution("tenant_a", "lookup_price", "timeout", time.Second)

	families, err := registry.Gather()
	require.NoError(t, err)

	var counts map[string]float64
	for _, f := range families {
		if f.GetName() == "tool_runner_executions_total" {
			counts = countsByLabel(f, "outcome")
		}
	}
	require.NotNil(t, counts)
	assert.Equal(t, 2.0, counts["succeeded"])
	assert.Equal(t, 1.0, counts["timeout"])
}

func TestObserveRecordDropped_CountsBySink(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPrometheusMetrics(registry)
	m.ObserveRecordDropped("clickhouse")
	m.ObserveRecordDropped("clickhouse")

	families, err := registry.Gather()
	require.NoError(t, err)

	var counts map[string]float64
	for _, f := range families {
		if f.GetName() == "tool_runner_execution_records_dropped_total" {
			counts = countsByLabel(f, "sink")
		}
	}
	require.NotNil(t, counts)
	assert.Equal(t, 2.0, counts["clickhouse"])
}

func countsByLabel(f *dto.MetricFamily, label string) map[string]float64 {
	out := make(map[string]float64)
	for _, m := range f.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label {
				out[lp.GetValue()] += m.GetCounter().GetValue()
			}
		}
	}
	return out
}
