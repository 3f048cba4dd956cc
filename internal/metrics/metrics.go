// Package metrics provides Prometheus instrumentation for the
// replication server and sync client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics (replication server transport edge).
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loom_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Replication protocol metrics.
var (
	PutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_puts_total",
		Help: "Total PUTs accepted or rejected, by outcome.",
	}, []string{"outcome"}) // accepted|missing_parents|reborn|unsupported_merge_type|malformed|storage_error

	RebornsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_reborns_total",
		Help: "Total number of resource history resets (309 Reborn).",
	})

	ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loom_active_subscribers",
		Help: "Number of currently open GET Subscribe: true connections.",
	})

	LaggedSubscribersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_lagged_subscribers_total",
		Help: "Total number of lagged subscribers resynced with a full snapshot after falling behind the fan-out buffer.",
	})

	ResourcesIsolatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_resources_isolated_total",
		Help: "Total number of resources isolated after a merge engine panic.",
	})
)

// Sync client metrics.
var (
	OutboundRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_client_outbound_retries_total",
		Help: "Total outbound PUT retries, by reason.",
	}, []string{"reason"}) // conflict|reborn|server_error|network

	OutboundFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_client_outbound_failures_total",
		Help: "Total outbound intents that exhausted their retry budget.",
	})

	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_client_reconnects_total",
		Help: "Total subscription reconnects after a transient disconnect.",
	})
)

// Admin WebSocket metrics.
var (
	AdminEventsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loom_admin_events_connections_active",
		Help: "Number of active /_admin/events WebSocket connections.",
	})

	AdminEventsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_admin_events_sent_total",
		Help: "Total number of lifecycle events sent over /_admin/events.",
	})
)
