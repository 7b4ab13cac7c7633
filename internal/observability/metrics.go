// README: Prometheus collectors shared across modules, exposed on /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RideTransitions counts lifecycle operations by op and result
	// (committed, rejected, error).
	RideTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driverline_ride_transitions_total",
		Help: "Ride lifecycle operations by outcome.",
	}, []string{"op", "result"})

	PickupCodeChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driverline_pickup_code_checks_total",
		Help: "Pickup code verifications on start.",
	}, []string{"result"})

	ArchiveWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driverline_archive_writes_total",
		Help: "History archival attempts after completion.",
	}, []string{"result"})

	DirectionsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driverline_directions_requests_total",
		Help: "Directions provider calls.",
	}, []string{"provider", "result"})

	RouteCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driverline_route_cache_total",
		Help: "Route cache lookups.",
	}, []string{"result"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driverline_events_published_total",
		Help: "Lifecycle events handed to event sinks.",
	}, []string{"sink", "result"})

	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "driverline_live_sessions",
		Help: "Open live ride sessions.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driverline_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "driverline_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
