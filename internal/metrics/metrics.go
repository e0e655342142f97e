// Package metrics provides Prometheus instrumentation for the chat
// synchronization core: event channel traffic, outbound messages, and
// read-mark persistence latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsReceived counts inbound event channel frames by type.
	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_received_total",
		Help: "Inbound event channel frames by event type",
	}, []string{"type"})

	// MessagesSent counts messages successfully posted to the server.
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_messages_sent_total",
		Help: "Messages successfully posted to the send endpoint",
	})

	// ChannelConnects counts event channel connections established.
	ChannelConnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_channel_connects_total",
		Help: "Event channel connections established",
	})

	// ChannelDisconnects counts event channel teardowns.
	ChannelDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_channel_disconnects_total",
		Help: "Event channel connections torn down",
	})

	// MarkReadLatency records the latency of batched mark-read requests.
	MarkReadLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatsync_mark_read_latency_seconds",
		Help:    "Latency of batched mark-read persistence requests",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// UnreadMessages tracks the total unread count across conversations.
	UnreadMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_unread_messages",
		Help: "Unread inbound messages across all cached conversations",
	})
)

func init() {
	prometheus.MustRegister(
		EventsReceived,
		MessagesSent,
		ChannelConnects,
		ChannelDisconnects,
		MarkReadLatency,
		UnreadMessages,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
