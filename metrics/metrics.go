// Package metrics holds the prometheus collectors of the daemon, registered to the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatmux"

// `Messages` label values.
const (
	MessageReceived  = "received"
	MessageFiltered  = "filtered"
	MessageDuplicate = "duplicate"
	MessageDelivered = "delivered"
	MessageReplayed  = "replayed"
	MessageDropped   = "dropped" // no client attached, history disabled
)

var (
	Accounts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "accounts",
		Help:      "Number of accounts by session status.",
	}, []string{"status"})

	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_transitions_total",
		Help:      "Session state transitions.",
	}, []string{"from", "to"})

	Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Chat messages by processing result.",
	}, []string{"result"})

	Sends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sends_total",
		Help:      "Outgoing chat messages by result.",
	}, []string{"result"})

	Clients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "attached_clients",
		Help:      "Number of attached front clients.",
	})

	Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Front commands by verb.",
	}, []string{"verb"})
)

func init() {
	prometheus.MustRegister(Accounts, Transitions, Messages, Sends, Clients, Commands)
}

// RegisterQueueDepth exports the length of the outbound queue.
func RegisterQueueDepth(depth func() int) error {
	return prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbound_queue_depth",
		Help:      "Number of items waiting in the outbound queue.",
	}, func() float64 { return float64(depth()) }))
}

func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}
