// Package metrics exposes the Prometheus counters the outbound dispatcher,
// idempotency guard, and rate limiter report into. Grounded on the
// teacher's MessagingMetrics wrapper: a nil-safe struct of CounterVecs
// registered once at startup, passed around as an optional field rather
// than a global.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters this system reports.
type Metrics struct {
	dispatchOutcomes   *prometheus.CounterVec
	idempotencyChecks  *prometheus.CounterVec
	rateLimitDecisions *prometheus.CounterVec
}

// New registers the counters against reg, or prometheus.DefaultRegisterer
// when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadcapture",
			Subsystem: "outbound",
			Name:      "dispatch_outcomes_total",
			Help:      "Outbound dispatcher outcomes by reason",
		}, []string{"outcome"}),
		idempotencyChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadcapture",
			Subsystem: "idempotency",
			Name:      "checks_total",
			Help:      "Idempotency guard outcomes by result",
		}, []string{"outcome"}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadcapture",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limiter allow/reject decisions",
		}, []string{"allowed"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.dispatchOutcomes, m.idempotencyChecks, m.rateLimitDecisions)
	return m
}

// ObserveDispatchOutcome records one outbound dispatcher finalize, keyed by
// the same reason strings the dispatcher already logs ("sent", "opt_out",
// "quiet_hours", "permanent_reject", ...).
func (m *Metrics) ObserveDispatchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.dispatchOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveIdempotency records one guard Check call's outcome ("new",
// "duplicate", "unknown").
func (m *Metrics) ObserveIdempotency(outcome string) {
	if m == nil {
		return
	}
	m.idempotencyChecks.WithLabelValues(outcome).Inc()
}

// ObserveRateLimit records one Allow decision.
func (m *Metrics) ObserveRateLimit(allowed bool) {
	if m == nil {
		return
	}
	label := "false"
	if allowed {
		label = "true"
	}
	m.rateLimitDecisions.WithLabelValues(label).Inc()
}
