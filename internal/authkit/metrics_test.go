package authkit

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounterMetricsSnapshot(t *testing.T) {
	metrics := NewCounterMetrics()
	metrics.Increment(metricLoginSuccess)
	metrics.Increment(metricLoginSuccess)
	metrics.Increment(metricLogout)

	snapshot := metrics.Snapshot()
	if snapshot[metricLoginSuccess] != 2 || snapshot[metricLogout] != 1 {
		t.Fatalf("unexpected snapshot: %v", snapshot)
	}
	snapshot[metricLogout] = 99
	if metrics.Count(metricLogout) != 1 {
		t.Fatalf("snapshot must be a copy")
	}
}

func TestPrometheusMetricsIncrement(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	metrics.Increment(metricRefreshFailure)
	metrics.Increment(metricRefreshFailure)

	if value := testutil.ToFloat64(metrics.events.WithLabelValues(metricRefreshFailure)); value != 2 {
		t.Fatalf("expected 2 refresh failures, got %v", value)
	}
}
