// Package metrics provides Prometheus instrumentation for the sync core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionState is 1 for the current connection state, 0 otherwise.
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "Current connection state (1 = active)",
		},
		[]string{"state"},
	)

	// ReconnectAttempts counts dial attempts after the first.
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Total reconnect attempts",
		},
	)

	// DialDuration tracks how long each dial attempt took.
	DialDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_dial_duration_seconds",
			Help:    "Dial attempt duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		},
		[]string{"result"},
	)

	// QueueDepth is the number of events waiting for a connection.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_queue_depth",
			Help: "Outbound events queued while offline",
		},
	)

	// QueueReplayed counts queued events by replay outcome.
	QueueReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_queue_replayed_total",
			Help: "Queued events handled on reconnect",
		},
		[]string{"outcome"},
	)

	// EventsEmitted counts outbound events by name and outcome.
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_emitted_total",
			Help: "Outbound events by outcome (sent, queued, dropped)",
		},
		[]string{"event", "outcome"},
	)

	// EventsReceived counts inbound server events by name.
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_received_total",
			Help: "Inbound server events",
		},
		[]string{"event"},
	)

	// Reconciled counts inbound messages by how they were merged.
	Reconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_reconciled_total",
			Help: "Inbound messages by reconcile outcome",
		},
		[]string{"outcome"},
	)

	// ListRefreshes counts conversation list refetches by result.
	ListRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_list_refreshes_total",
			Help: "Conversation list refreshes (ok, error)",
		},
		[]string{"result"},
	)

	// ReadAckFailures counts mark-read calls that failed after retries.
	ReadAckFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_read_ack_failures_total",
			Help: "Mark-read failures by handling (surfaced, rolled_back, dropped)",
		},
		[]string{"handling"},
	)

	// UnreadTotal is the sum of unread counts across conversations.
	UnreadTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_unread_total",
			Help: "Unread messages across all conversations",
		},
	)

	// APIRequestDuration tracks REST request latency.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_api_request_duration_seconds",
			Help:    "REST request duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"op", "status"},
	)
)

var states = []string{"disconnected", "connecting", "connected", "reconnecting", "error"}

// SetConnectionState marks state as the active one.
func SetConnectionState(state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}
