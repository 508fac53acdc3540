// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

// Package metrics exposes Prometheus instrumentation for the tracking
// engine: ingest throughput and rejections, containment transitions, alert
// dedup and persistence behavior, and fanout hub health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest pipeline
	PingsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geotrackd_pings_accepted_total",
			Help: "Total number of accepted location pings",
		},
	)

	PingsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrackd_pings_rejected_total",
			Help: "Total number of rejected location pings",
		},
		[]string{"reason"}, // invalid_ping, stale_or_duplicate, rate_limited
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geotrackd_ingest_duration_seconds",
			Help:    "Duration of a full ingest pass (validate, update, evaluate)",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
		},
	)

	// Containment tracker
	ContainmentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrackd_containment_transitions_total",
			Help: "Total geofence containment transitions",
		},
		[]string{"direction"}, // enter, exit
	)

	GeofenceEvaluationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geotrackd_geofence_evaluation_errors_total",
			Help: "Total per-geofence evaluation failures (isolated, non-fatal)",
		},
	)

	// Alert dispatcher
	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrackd_alerts_created_total",
			Help: "Total alerts created",
		},
		[]string{"kind"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrackd_alerts_suppressed_total",
			Help: "Total alerts suppressed by the cool-down window",
		},
		[]string{"kind"},
	)

	AlertPersistRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geotrackd_alert_persist_retries_total",
			Help: "Total storage retry attempts for alert persistence",
		},
	)

	AlertPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geotrackd_alert_persist_failures_total",
			Help: "Total alerts lost from durable storage after retry exhaustion",
		},
	)

	// Fanout hub
	SubscribersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geotrackd_subscribers_connected",
			Help: "Current number of connected subscribers",
		},
	)

	DeltasCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geotrackd_deltas_coalesced_total",
			Help: "Total state deltas coalesced under subscriber backpressure",
		},
	)

	SubscribersOverloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geotrackd_subscribers_overloaded_total",
			Help: "Total subscribers disconnected because an alert could not be queued",
		},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrackd_events_dropped_total",
			Help: "Total events dropped before delivery",
		},
		[]string{"stage"}, // hub_queue, subscriber_queue
	)

	// Staleness sweep
	SweepRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geotrackd_sweep_runs_total",
			Help: "Total staleness sweep executions",
		},
	)

	DevicesMarkedOffline = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geotrackd_devices_marked_offline_total",
			Help: "Total devices flipped offline by the staleness sweep",
		},
	)

	DevicesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geotrackd_devices_online",
			Help: "Current number of devices considered online",
		},
	)

	// HTTP surface
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geotrackd_http_requests_total",
			Help: "Total HTTP requests by route pattern and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geotrackd_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geotrackd_http_active_requests",
			Help: "In-flight HTTP requests",
		},
	)
)
