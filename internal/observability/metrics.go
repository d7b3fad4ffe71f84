package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects counters and gauges for the session, connection and
// notification pipeline. All methods are safe on a nil receiver.
type Metrics struct {
	// SessionTransitions counts state machine edges.
	// Labels: from, to
	SessionTransitions *prometheus.CounterVec

	// Logouts counts ended sessions.
	// Labels: reason (explicit|idle_timeout|auth_rejected|verify_failed|external_storage)
	Logouts *prometheus.CounterVec

	// ConnectionStatus is 1 for the current status and 0 for the others.
	// Labels: status
	ConnectionStatus *prometheus.GaugeVec

	// ReconnectAttempts counts backoff attempts.
	ReconnectAttempts prometheus.Counter

	// EventsDispatched counts inbound events delivered to listeners.
	// Labels: event
	EventsDispatched *prometheus.CounterVec

	// DeliveryDrops counts emits attempted while disconnected.
	// Labels: event
	DeliveryDrops *prometheus.CounterVec

	// NotificationsIngested counts notifications by category and outcome.
	// Labels: category, outcome (stored|disabled|duplicate)
	NotificationsIngested *prometheus.CounterVec

	// ToastsEvicted counts toasts removed to honor the feed capacity.
	ToastsEvicted prometheus.Counter

	// HTTPRequestDuration measures backend request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses the
// default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "wardlink"
	}
	factory := promauto.With(reg)

	return &Metrics{
		SessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Session state transitions by source and target state",
			},
			[]string{"from", "to"},
		),
		Logouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logouts_total",
				Help:      "Ended sessions by reason",
			},
			[]string{"reason"},
		),
		ConnectionStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_status",
				Help:      "Current realtime connection status (1 for the active status)",
			},
			[]string{"status"},
		),
		ReconnectAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnect_attempts_total",
				Help:      "Reconnect attempts made by the realtime channel",
			},
		),
		EventsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dispatched_total",
				Help:      "Inbound events dispatched to listeners",
			},
			[]string{"event"},
		),
		DeliveryDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_drops_total",
				Help:      "Outbound events dropped because the channel was not connected",
			},
			[]string{"event"},
		),
		NotificationsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_ingested_total",
				Help:      "Inbound notifications by category and outcome",
			},
			[]string{"category", "outcome"},
		),
		ToastsEvicted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "toasts_evicted_total",
				Help:      "Toasts evicted to honor the feed capacity",
			},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Backend HTTP request latency in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// SessionTransition records a state change.
func (m *Metrics) SessionTransition(from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
}

// Logout records an ended session.
func (m *Metrics) Logout(reason string) {
	if m == nil {
		return
	}
	m.Logouts.WithLabelValues(reason).Inc()
}

// SetConnectionStatus marks status as current. all lists every status label.
func (m *Metrics) SetConnectionStatus(status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.ConnectionStatus.WithLabelValues(s).Set(v)
	}
}

// ReconnectAttempt records one backoff attempt.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// EventDispatched records an inbound event.
func (m *Metrics) EventDispatched(event string) {
	if m == nil {
		return
	}
	m.EventsDispatched.WithLabelValues(event).Inc()
}

// DeliveryDropped records an emit made while disconnected.
func (m *Metrics) DeliveryDropped(event string) {
	if m == nil {
		return
	}
	m.DeliveryDrops.WithLabelValues(event).Inc()
}

// NotificationIngested records an ingest outcome.
func (m *Metrics) NotificationIngested(category, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsIngested.WithLabelValues(category, outcome).Inc()
}

// ToastEvicted records a capacity eviction.
func (m *Metrics) ToastEvicted() {
	if m == nil {
		return
	}
	m.ToastsEvicted.Inc()
}

// RecordHTTPRequest records a backend request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
