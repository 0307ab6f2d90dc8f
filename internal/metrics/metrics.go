package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Open realtime connections",
		},
	)

	GatewayMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_gateway_mode",
			Help: "1 for the gateway's current mode",
		},
		[]string{"mode"}, // "live", "fallback", "stopped"
	)

	DroppedClients = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_slow_clients_dropped_total",
			Help: "Connections dropped because their send queue was full",
		},
	)

	// Presence
	PresenceConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_presence_connections",
			Help: "Registered connections by role",
		},
		[]string{"role"}, // "staff", "customer", "anonymous"
	)

	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_rooms_active",
			Help: "Chat rooms with at least one member",
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_auth_failures_total",
			Help: "Rejected authentication attempts",
		},
	)

	// Routing
	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_messages_relayed_total",
			Help: "Relayed realtime events",
		},
		[]string{"event"},
	)

	// Notifications
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Notification send attempts by outcome",
		},
		[]string{"channel", "outcome"}, // outcome: "success", "failure", "unconfigured"
	)

	EscalationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "escalations_active",
			Help: "Escalation records inside their grace window",
		},
	)

	EscalationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalation_transitions_total",
			Help: "Escalation state transitions",
		},
		[]string{"state"},
	)

	PaymentEventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_events_consumed_total",
			Help: "Payment collaborator events consumed",
		},
		[]string{"type", "outcome"},
	)
)

// SetGatewayMode flips the mode gauge so exactly one mode reads 1.
func SetGatewayMode(mode string) {
	for _, m := range []string{"live", "fallback", "stopped"} {
		v := 0.0
		if m == mode {
			v = 1
		}
		GatewayMode.WithLabelValues(m).Set(v)
	}
}
