// Package metrics defines the Prometheus instrumentation for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chat"

// Metrics holds the relay's counters. One instance is shared by the
// session handlers, the voice relay, and the HTTP API.
type Metrics struct {
	ConnectionsTotal prometheus.Counter
	LoginFailures    prometheus.Counter
	RoomMessages     prometheus.Counter
	PrivateMessages  prometheus.Counter
	FilesRelayed     prometheus.Counter
	FileBytes        prometheus.Counter
	CallsStarted     prometheus.Counter
	VoiceDatagrams   prometheus.Counter
	VoiceBytes       prometheus.Counter
	OutboundDropped  prometheus.Counter
}

// New registers all counters on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Control connections accepted, including failed logins.",
		}),
		LoginFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_failures_total",
			Help:      "Logins rejected for an invalid or taken name.",
		}),
		RoomMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_messages_total",
			Help:      "Room broadcast messages relayed.",
		}),
		PrivateMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "private_messages_total",
			Help:      "Private messages relayed.",
		}),
		FilesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_relayed_total",
			Help:      "File transfers accepted and forwarded.",
		}),
		FileBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_bytes_total",
			Help:      "File payload bytes relayed.",
		}),
		CallsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Voice calls established.",
		}),
		VoiceDatagrams: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_datagrams_total",
			Help:      "Voice datagrams forwarded between call partners.",
		}),
		VoiceBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_bytes_total",
			Help:      "Voice audio bytes forwarded.",
		}),
		OutboundDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_dropped_total",
			Help:      "Outbound units dropped because a client mailbox stayed full.",
		}),
	}
}

// RegisterStateGauges exposes live client and call counts as gauges.
func RegisterStateGauges(reg prometheus.Registerer, clients, calls func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clients_connected",
		Help:      "Clients currently registered.",
	}, func() float64 { return float64(clients()) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "calls_active",
		Help:      "Voice calls currently established.",
	}, func() float64 { return float64(calls()) }))
}
