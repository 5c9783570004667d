// Package metrics defines the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks sessions currently in the Active state.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_sessions",
			Help: "Number of sessions currently in the Active state.",
		},
	)

	// SessionsOpenedTotal counts WebSocket upgrades that succeeded.
	SessionsOpenedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_sessions_opened_total",
			Help: "Total number of WebSocket sessions opened.",
		},
	)

	// SessionsClosedTotal counts session closes by cause.
	SessionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_sessions_closed_total",
			Help: "Total number of sessions closed, by cause.",
		},
		[]string{"cause"},
	)

	// AuthFailuresTotal counts upgrade rejections by reason.
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Total number of WebSocket upgrade auth failures, by reason.",
		},
		[]string{"reason"},
	)

	// HeartbeatsTotal counts heartbeat round trips.
	HeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_heartbeats_total",
			Help: "Total number of heartbeat request/response round trips.",
		},
	)

	// DispatchDeliveredTotal counts successful per-recipient enqueues.
	DispatchDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_dispatch_delivered_total",
			Help: "Total number of broker messages enqueued to a local session.",
		},
	)

	// DispatchMissedTotal counts recipients not present on this node.
	DispatchMissedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_dispatch_missed_total",
			Help: "Total number of dispatch targets not locally connected.",
		},
	)

	// DispatchDroppedSlowConsumerTotal counts recipients dropped due to a full queue.
	DispatchDroppedSlowConsumerTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_dispatch_dropped_slow_consumer_total",
			Help: "Total number of dispatch targets dropped because the session's outbound queue was full.",
		},
	)

	// BrokerMessagesTotal counts broker messages consumed, by outcome.
	BrokerMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_broker_messages_total",
			Help: "Total number of broker messages consumed, by outcome.",
		},
		[]string{"outcome"},
	)

	// BrokerReconnectsTotal counts broker reconnect attempts.
	BrokerReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_broker_reconnects_total",
			Help: "Total number of broker consumer reconnect attempts.",
		},
	)

	// DirectoryErrorsTotal counts directory put/del failures.
	DirectoryErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_directory_errors_total",
			Help: "Total number of directory client errors, by operation.",
		},
		[]string{"operation"},
	)

	// DispatchLatencySeconds tracks time from broker receipt to enqueue.
	DispatchLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_dispatch_latency_seconds",
			Help:    "Latency from decoding a broker message to dispatch completion.",
			Buckets: prometheus.DefBuckets,
		},
	)
)
