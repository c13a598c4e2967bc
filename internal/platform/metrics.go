package platform

import "github.com/prometheus/client_golang/prometheus"

var (
	connState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "platform_connection_state",
			Help: "Connection lifecycle phase per account (value is the state ordinal).",
		},
		[]string{"account_id"},
	)

	connReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_reconnects_total",
			Help: "Total reconnect attempts per account.",
		},
		[]string{"account_id"},
	)

	chatEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_chat_events_total",
			Help: "Chat events decoded off the stream per account.",
		},
		[]string{"account_id"},
	)

	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_messages_sent_total",
			Help: "Outbound chat messages per account.",
		},
		[]string{"account_id"},
	)
)

func init() {
	prometheus.MustRegister(connState, connReconnects, chatEvents, messagesSent)
}
