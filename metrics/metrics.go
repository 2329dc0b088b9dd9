// Package metrics bundles the prometheus collectors every sync-kernel
// component reports through.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors is injected into components at construction time, never
// read from package-level state.
type Collectors struct {
	ConnectionsOpen     prometheus.Gauge
	ConnectionsRejected prometheus.Counter
	MessagesIn          *prometheus.CounterVec // by type
	MessagesOut         *prometheus.CounterVec // by type
	DeltaApplyLatency   prometheus.Histogram
	BatchFlushSize      prometheus.Histogram
	AckRetries          prometheus.Counter
	AckTimeouts         prometheus.Counter
	AckGivenUp          prometheus.Counter
	AwarenessActive     prometheus.Gauge
	AwarenessExpired    prometheus.Counter
	AwarenessReaped     prometheus.Counter
	PubSubPublishes     *prometheus.CounterVec // by channel kind
	PubSubDeliveries    *prometheus.CounterVec
	PubSubLoopbackDrops prometheus.Counter
	PubSubReconnects    prometheus.Counter
}

// New registers and returns a Collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the default
// global registry.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "synckit_connections_open",
			Help: "Number of currently open connections.",
		}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_connections_rejected_total",
			Help: "Connections rejected due to the configured connection cap.",
		}),
		MessagesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "synckit_messages_in_total",
			Help: "Inbound messages processed, by type.",
		}, []string{"type"}),
		MessagesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "synckit_messages_out_total",
			Help: "Outbound messages sent, by type.",
		}, []string{"type"}),
		DeltaApplyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "synckit_delta_apply_seconds",
			Help:    "Latency of applying a delta's fields through LWW.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchFlushSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "synckit_batch_flush_fields",
			Help:    "Number of fields coalesced into one batch flush.",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}),
		AckRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_ack_retries_total",
			Help: "Fan-out ACK retries.",
		}),
		AckTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_ack_timeouts_total",
			Help: "Fan-out ACKs that timed out at least once.",
		}),
		AckGivenUp: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_ack_given_up_total",
			Help: "Fan-out ACKs abandoned after exhausting retries.",
		}),
		AwarenessActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "synckit_awareness_active",
			Help: "Currently active (non-expired) awareness entries.",
		}),
		AwarenessExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_awareness_expired_total",
			Help: "Awareness entries observed expired by the reaper.",
		}),
		AwarenessReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_awareness_reaped_total",
			Help: "Awareness entries pruned by the reaper.",
		}),
		PubSubPublishes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "synckit_pubsub_publishes_total",
			Help: "Messages published to the cross-instance bus, by channel kind.",
		}, []string{"kind"}),
		PubSubDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "synckit_pubsub_deliveries_total",
			Help: "Messages delivered from the cross-instance bus, by channel kind.",
		}, []string{"kind"}),
		PubSubLoopbackDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_pubsub_loopback_drops_total",
			Help: "Incoming bus messages dropped because this instance published them.",
		}),
		PubSubReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "synckit_pubsub_reconnects_total",
			Help: "Bus reconnection events.",
		}),
	}
}
