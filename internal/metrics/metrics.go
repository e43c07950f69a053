// Package metrics provides Prometheus instrumentation for Port Daddy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portdaddy_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portdaddy_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Registry metrics.
var (
	ActiveLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portdaddy_active_leases",
		Help: "Number of currently active port leases.",
	})

	PortClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portdaddy_port_claims_total",
		Help: "Total number of port claims.",
	}, []string{"outcome"}) // new, existing, error

	HeldLocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portdaddy_held_locks",
		Help: "Number of currently held advisory locks.",
	})
)

// Messaging metrics.
var (
	MessagesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portdaddy_messages_published_total",
		Help: "Total number of messages published.",
	})

	SSESubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portdaddy_sse_subscribers_active",
		Help: "Number of attached SSE subscribers.",
	})

	LongPollWaitersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portdaddy_longpoll_waiters_active",
		Help: "Number of parked long-poll waiters.",
	})
)

// Webhook metrics.
var (
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portdaddy_webhook_deliveries_total",
		Help: "Total number of webhook deliveries by terminal status.",
	}, []string{"status"}) // success, failed
)

// Sweeper metrics.
var (
	SweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portdaddy_sweeps_total",
		Help: "Total number of completed sweeper passes.",
	})

	SweptRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portdaddy_swept_rows_total",
		Help: "Total number of rows removed by the sweeper.",
	}, []string{"kind"}) // lease, lock, message, agent, activity
)
