package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the relay's Prometheus instrumentation.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	UsersOnline       prometheus.Gauge
	MessagesBroadcast prometheus.Counter
	PersistFailures   prometheus.Counter
	EventsDropped     *prometheus.CounterVec
}

// NewMetrics registers the relay metrics on reg.
// A nil reg yields an isolated registry, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "connections_active",
			Help:      "Open websocket connections.",
		}),
		UsersOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "users_online",
			Help:      "Registered users currently online.",
		}),
		MessagesBroadcast: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "messages_broadcast_total",
			Help:      "Messages persisted and fanned out to all connections.",
		}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "message_persist_failures_total",
			Help:      "Message appends rejected by the store.",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped without client feedback.",
		}, []string{"reason"}),
	}
}
