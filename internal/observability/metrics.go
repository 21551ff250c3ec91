package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_booking"

var (
	BookingsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bookings_created_total", Help: "Bookings created"},
		[]string{"vehicle_class"},
	)
	// Assignments counts engine runs by outcome.
	Assignments = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Assignment attempts by outcome"},
		[]string{"outcome"},
	)
	AssignLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "assign_latency_seconds", Help: "Assignment latency seconds"})
	ClaimConflicts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "claim_conflicts_total", Help: "Claims lost to a concurrent claimer"})
	ClaimsReaped      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "claims_reaped_total", Help: "Stale claims released by the reaper"})
	BookingsCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bookings_completed_total", Help: "Bookings completed"})
	WalletCredited    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "wallet_credited_total", Help: "Sum of fares credited to drivers"})
	DriversOnline     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Drivers with an open websocket session"})
	LocationUpdates   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location updates by result"},
		[]string{"result"},
	)
	EventPublishErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "event_publish_errors_total", Help: "Lifecycle events that failed to publish"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
