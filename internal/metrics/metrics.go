// Package metrics holds the prometheus collectors exported by the hub.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presencehub_active_connections",
		Help: "Connections currently in the active state.",
	})
	KnownIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presencehub_known_identities",
		Help: "Identities held by the presence registry, online or not.",
	})

	InboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presencehub_inbound_events_total",
		Help: "Inbound events accepted by the hub, by event name.",
	}, []string{"event"})
	DroppedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presencehub_dropped_events_total",
		Help: "Inbound events or frames dropped, by reason.",
	}, []string{"reason"})

	Broadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presencehub_broadcasts_total",
		Help: "Outbound fan-outs performed, by event name.",
	}, []string{"event"})
	SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presencehub_send_failures_total",
		Help: "Deliveries skipped because a recipient queue was full or closed.",
	})
)

// Register adds every collector to the default registry. Call once.
func Register() {
	prometheus.MustRegister(
		ActiveConnections, KnownIdentities,
		InboundEvents, DroppedEvents,
		Broadcasts, SendFailures,
	)
}
