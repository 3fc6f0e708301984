package metrics

import "github.com/prometheus/client_golang/prometheus"

// AuthorityMetrics exposes counters/histograms for the appointment authority.
type AuthorityMetrics struct {
	transitionsTotal *prometheus.CounterVec
	gateDecisions    *prometheus.CounterVec
	conflictsTotal   *prometheus.CounterVec
	sideEffectsTotal *prometheus.CounterVec
	outboxDeliveries *prometheus.CounterVec
	commitLatency    *prometheus.HistogramVec
}

func NewAuthorityMetrics(reg prometheus.Registerer) *AuthorityMetrics {
	m := &AuthorityMetrics{
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "appointments",
			Name:      "transitions_total",
			Help:      "Committed appointment status transitions",
		}, []string{"from", "to"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "appointments",
			Name:      "gate_decisions_total",
			Help:      "Booking gate decisions by outcome and denial reason",
		}, []string{"allowed", "reason", "mode"}),
		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "appointments",
			Name:      "conflicts_total",
			Help:      "Mutations rejected because the record changed concurrently",
		}, []string{"operation"}),
		sideEffectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "appointments",
			Name:      "side_effects_total",
			Help:      "Best-effort side effects (signals, queued tasks) by channel and status",
		}, []string{"channel", "status"}),
		outboxDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "outbox",
			Name:      "deliveries_total",
			Help:      "Outbox task delivery attempts by type and result",
		}, []string{"type", "result"}),
		commitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "appointments",
			Name:      "commit_latency_seconds",
			Help:      "Latency of authority transactions",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitionsTotal, m.gateDecisions, m.conflictsTotal, m.sideEffectsTotal, m.outboxDeliveries, m.commitLatency)
	return m
}

func (m *AuthorityMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveGateDecision records a gate verdict; mode is "commit" or "dry_run".
func (m *AuthorityMetrics) ObserveGateDecision(allowed bool, reason, mode string) {
	if m == nil {
		return
	}
	label := "false"
	if allowed {
		label = "true"
	}
	m.gateDecisions.WithLabelValues(label, reason, mode).Inc()
}

func (m *AuthorityMetrics) ObserveConflict(operation string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(operation).Inc()
}

func (m *AuthorityMetrics) ObserveSideEffect(channel, status string) {
	if m == nil {
		return
	}
	m.sideEffectsTotal.WithLabelValues(channel, status).Inc()
}

func (m *AuthorityMetrics) ObserveOutboxDelivery(eventType, result string) {
	if m == nil {
		return
	}
	m.outboxDeliveries.WithLabelValues(eventType, result).Inc()
}

func (m *AuthorityMetrics) ObserveCommitLatency(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.commitLatency.WithLabelValues(operation).Observe(seconds)
}

// SessionMetrics covers a client session: polls, loads and alerts.
type SessionMetrics struct {
	pollsTotal  *prometheus.CounterVec
	alertsTotal *prometheus.CounterVec
	loadsTotal  *prometheus.CounterVec
}

func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "portal",
			Name:      "notification_polls_total",
			Help:      "Notification polls by result",
		}, []string{"result"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "portal",
			Name:      "alerts_total",
			Help:      "Alerts fired by kind and status",
		}, []string{"kind", "status"}),
		loadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "portal",
			Name:      "appointment_loads_total",
			Help:      "Appointment snapshot loads by trigger and result",
		}, []string{"trigger", "result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.pollsTotal, m.alertsTotal, m.loadsTotal)
	return m
}

func (m *SessionMetrics) ObservePoll(result string) {
	if m == nil {
		return
	}
	m.pollsTotal.WithLabelValues(result).Inc()
}

func (m *SessionMetrics) ObserveAlert(kind, status string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(kind, status).Inc()
}

func (m *SessionMetrics) ObserveLoad(trigger, result string) {
	if m == nil {
		return
	}
	m.loadsTotal.WithLabelValues(trigger, result).Inc()
}
