package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveDispatchOutcome("sent")
	m.ObserveIdempotency("duplicate")
	m.ObserveRateLimit(false)
}

func TestMetricsCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveDispatchOutcome("opt_out")
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveDispatchOutcome("sent")
	m.ObserveIdempotency("new")
	m.ObserveRateLimit(true)
}
