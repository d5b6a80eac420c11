package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the relay's prometheus instruments.
type Metrics struct {
	ConnectionsActive  prometheus.Gauge
	EnvelopesDelivered prometheus.Counter
	EnvelopesDropped   *prometheus.CounterVec
}

// NewMetrics registers the relay metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "callkit",
			Subsystem: "relay",
			Name:      "connections_active",
			Help:      "Number of websocket clients currently connected.",
		}),
		EnvelopesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callkit",
			Subsystem: "relay",
			Name:      "envelopes_delivered_total",
			Help:      "Signaling envelopes forwarded to their recipient.",
		}),
		EnvelopesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callkit",
			Subsystem: "relay",
			Name:      "envelopes_dropped_total",
			Help:      "Signaling envelopes dropped, by cause.",
		}, []string{"cause"}),
	}
}

const (
	dropCauseOffline   = "recipient_offline"
	dropCauseQueueFull = "queue_full"
	dropCauseMalformed = "malformed"
)
