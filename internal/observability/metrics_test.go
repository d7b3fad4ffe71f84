package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.SessionTransition("anonymous", "authenticated")
	m.Logout("idle_timeout")
	m.Logout("idle_timeout")
	m.ReconnectAttempt()
	m.DeliveryDropped("message")
	m.ToastEvicted()

	if got := testutil.ToFloat64(m.Logouts.WithLabelValues("idle_timeout")); got != 2 {
		t.Errorf("logouts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ReconnectAttempts); got != 1 {
		t.Errorf("reconnect attempts = %v, want 1", got)
	}

	expected := `
		# HELP test_session_transitions_total Session state transitions by source and target state
		# TYPE test_session_transitions_total counter
		test_session_transitions_total{from="anonymous",to="authenticated"} 1
	`
	if err := testutil.CollectAndCompare(m.SessionTransitions, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}

	// A second set on its own registry must not collide.
	_ = NewMetrics(prometheus.NewRegistry(), "test")
}

func TestSetConnectionStatus(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "test")
	all := []string{"disconnected", "connecting", "connected"}
	m.SetConnectionStatus("connecting", all)
	m.SetConnectionStatus("connected", all)

	if got := testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("connected")); got != 1 {
		t.Errorf("connected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("connecting")); got != 0 {
		t.Errorf("connecting = %v, want 0", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.SessionTransition("a", "b")
	m.Logout("explicit")
	m.SetConnectionStatus("connected", []string{"connected"})
	m.ReconnectAttempt()
	m.EventDispatched("notification")
	m.DeliveryDropped("message")
	m.NotificationIngested("SYSTEM", "disabled")
	m.ToastEvicted()
	m.RecordHTTPRequest("GET", "/api/auth/verify", "200", 0.1)
}
