// Package metrics holds the Prometheus collectors for the access engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "medaccess"

// Metrics groups the counters the access engine updates. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Decisions            *prometheus.CounterVec
	AuditFailures        prometheus.Counter
	NotificationFailures prometheus.Counter
	ConflictRetries      *prometheus.CounterVec
	ConsentTransitions   *prometheus.CounterVec
	GrantsPurged         prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Access decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_failures_total",
			Help:      "Audit entries that could not be appended.",
		}),
		NotificationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Notifications that could not be delivered.",
		}),
		ConflictRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Writes retried after a version conflict, by entity.",
		}, []string{"entity"}),
		ConsentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consent_transitions_total",
			Help:      "Consent state transitions by resulting status.",
		}, []string{"status"}),
		GrantsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "share_grants_purged_total",
			Help:      "Expired share grants physically removed by the sweeper.",
		}),
	}
	reg.MustRegister(
		m.Decisions,
		m.AuditFailures,
		m.NotificationFailures,
		m.ConflictRetries,
		m.ConsentTransitions,
		m.GrantsPurged,
	)
	return m
}

func (m *Metrics) Decision(allow bool, reason string) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allow {
		outcome = "allow"
	}
	m.Decisions.WithLabelValues(outcome, reason).Inc()
}

func (m *Metrics) AuditFailure() {
	if m != nil {
		m.AuditFailures.Inc()
	}
}

func (m *Metrics) NotificationFailure() {
	if m != nil {
		m.NotificationFailures.Inc()
	}
}

func (m *Metrics) ConflictRetry(entity string) {
	if m != nil {
		m.ConflictRetries.WithLabelValues(entity).Inc()
	}
}

func (m *Metrics) ConsentTransition(status string) {
	if m != nil {
		m.ConsentTransitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Purged(n int) {
	if m != nil && n > 0 {
		m.GrantsPurged.Add(float64(n))
	}
}
