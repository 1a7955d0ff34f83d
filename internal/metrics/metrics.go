// Package metrics provides the Prometheus collectors a Host exposes for
// its connected peers, command traffic, and retransmit/timeout
// bookkeeping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HostMetrics bundles every counter/gauge a Host updates as it runs.
// A nil *HostMetrics disables collection entirely; callers check for
// nil before touching any field, matching the "optional collaborator"
// shape of enet.HostConfig.Metrics.
type HostMetrics struct {
	PeersConnected   prometheus.Gauge
	CommandsSent     *prometheus.CounterVec
	CommandsReceived *prometheus.CounterVec
	AcksReceived     prometheus.Counter
	Retransmits      prometheus.Counter
	PeerTimeouts     prometheus.Counter
	DroppedPackets   *prometheus.CounterVec
}

// NewHostMetrics registers a fresh set of collectors under reg. Passing
// a prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// keeps multiple Hosts in one process from colliding on metric names.
func NewHostMetrics(reg prometheus.Registerer) *HostMetrics {
	factory := promauto.With(reg)
	return &HostMetrics{
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "enet",
			Name:      "peers_connected",
			Help:      "Number of peers currently registered with the host.",
		}),
		CommandsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enet",
			Name:      "commands_sent_total",
			Help:      "Protocol commands sent, by command name.",
		}, []string{"command"}),
		CommandsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enet",
			Name:      "commands_received_total",
			Help:      "Protocol commands received, by command name.",
		}, []string{"command"}),
		AcksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "enet",
			Name:      "acks_received_total",
			Help:      "Ack commands received, whether or not they matched an in-flight send.",
		}),
		Retransmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "enet",
			Name:      "retransmits_total",
			Help:      "Reliable commands resent after exceeding packet_timeout.",
		}),
		PeerTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "enet",
			Name:      "peer_timeouts_total",
			Help:      "Peers disconnected after exhausting retry_count.",
		}),
		DroppedPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enet",
			Name:      "dropped_packets_total",
			Help:      "Incoming packets dropped, by reason.",
		}, []string{"reason"}),
	}
}
