package app

import (
	"github.com/mbocsi/devlink/client"
	"github.com/mbocsi/devlink/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func registerMetrics(registry prometheus.Registerer, a *App) {
	factory := promauto.With(registry)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "devlink_connection_state",
		Help: "Connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=failed)",
	}, func() float64 { return float64(a.Conn.Status()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "devlink_outbound_queue_length",
		Help: "Envelopes waiting for the connection",
	}, func() float64 { return float64(a.Conn.QueueLen()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "devlink_cache_entries",
		Help: "Entries in the response cache",
	}, func() float64 { return float64(a.API.Cache().Len()) })

	received := factory.NewCounterVec(prometheus.CounterOpts{
		Name: "devlink_envelopes_received_total",
		Help: "Valid inbound envelopes by topic",
	}, []string{"topic"})
	a.Router.SubscribeAll(func(env proto.Envelope) {
		received.WithLabelValues(env.Type).Inc()
	})

	transitions := factory.NewCounterVec(prometheus.CounterOpts{
		Name: "devlink_connection_transitions_total",
		Help: "Connection state transitions by target state",
	}, []string{"state"})
	a.Conn.OnStatusChange(func(change client.StatusChange) {
		transitions.WithLabelValues(change.State.String()).Inc()
	})
}
