package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"matchwire/services/delivery/presence"
)

// Metrics instruments the delivery engine. Presence gauges read straight
// from the registry's maintained counters.
type Metrics struct {
	MessagesCreated     prometheus.Counter
	LocalPushes         prometheus.Counter
	DeliveryFailures    prometheus.Counter
	BroadcastsPublished prometheus.Counter
	BroadcastsConsumed  prometheus.Counter
	BroadcastsDiscarded prometheus.Counter
	ReadReceiptRows     prometheus.Counter
}

// NewMetrics registers all delivery collectors with reg.
func NewMetrics(reg prometheus.Registerer, registry *presence.Registry) *Metrics {
	factory := promauto.With(reg)

	if registry != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "matchwire_online_users",
			Help: "Users with at least one live session on this instance.",
		}, func() float64 { return float64(registry.OnlineCount()) })

		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "matchwire_active_sessions",
			Help: "Live sessions on this instance.",
		}, func() float64 { return float64(registry.ActiveSessionCount()) })
	}

	return &Metrics{
		MessagesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchwire_messages_created_total",
			Help: "Messages accepted and persisted with status sent.",
		}),
		LocalPushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchwire_local_pushes_total",
			Help: "Per-session pushes delivered to local connections.",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchwire_delivery_failures_total",
			Help: "Per-session send failures during fan-out.",
		}),
		BroadcastsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchwire_broadcasts_published_total",
			Help: "Delivery envelopes published to the broadcast channel.",
		}),
		BroadcastsConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchwire_broadcasts_consumed_total",
			Help: "Inbound broadcast envelopes pushed to local sessions.",
		}),
		BroadcastsDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchwire_broadcasts_discarded_total",
			Help: "Inbound broadcast envelopes with no local session.",
		}),
		ReadReceiptRows: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchwire_read_receipt_rows_total",
			Help: "Message rows advanced to read by the aggregator.",
		}),
	}
}

func (m *Metrics) inc(c prometheus.Counter) {
	if m == nil || c == nil {
		return
	}
	c.Inc()
}

func (m *Metrics) add(c prometheus.Counter, n float64) {
	if m == nil || c == nil {
		return
	}
	c.Add(n)
}
