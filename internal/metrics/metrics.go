// Package metrics holds Prometheus collectors shared by ingestion, evaluation, lifecycle and delivery.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest metrics
	ReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grainwatch_readings_total",
			Help: "Readings received by ingestion source and result",
		},
		[]string{"source", "result"}, // result: recorded, duplicate, rejected
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grainwatch_ingest_batch_size",
			Help:    "Readings per ingested batch",
			Buckets: []float64{1, 3, 10, 30, 100, 300, 1000},
		},
	)

	// Engine metrics
	TriggerEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grainwatch_trigger_evaluations_total",
			Help: "Trigger/cell evaluations by combined result",
		},
		[]string{"result"}, // result: fire, clear
	)

	TriggerEvaluationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grainwatch_trigger_evaluation_errors_total",
			Help: "Trigger evaluations skipped because of an error or panic",
		},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grainwatch_reading_evaluation_duration_seconds",
			Help:    "Time to record and evaluate one reading",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	EvaluationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grainwatch_evaluation_queue_depth",
			Help: "Readings waiting for an evaluation worker",
		},
	)

	SweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grainwatch_sweeps_total",
			Help: "Completed full backstop sweeps",
		},
	)

	// Alert lifecycle metrics
	AlertOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grainwatch_alert_outcomes_total",
			Help: "Lifecycle outcomes of engine requests",
		},
		[]string{"outcome"}, // outcome: opened, retained, resolved, released
	)

	AlertTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grainwatch_alert_transitions_total",
			Help: "Operator status transitions by target status and result",
		},
		[]string{"to", "result"},
	)

	// Notification metrics
	DispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grainwatch_dispatch_attempts_total",
			Help: "Notification send attempts by channel and result",
		},
		[]string{"channel", "result"}, // result: ok, error
	)

	DispatchExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grainwatch_dispatch_exhausted_total",
			Help: "Notifications dropped after retries or permanent failures",
		},
		[]string{"channel"},
	)

	NotifyQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grainwatch_notify_queue_depth",
			Help: "Notification jobs waiting in the local queue",
		},
	)

	// Catalog metrics
	ActiveTriggers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grainwatch_active_triggers",
			Help: "Active triggers in the current catalog snapshot",
		},
	)

	CatalogRefreshErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grainwatch_refresh_errors_total",
			Help: "Failed catalog or topology refreshes",
		},
		[]string{"kind"}, // kind: catalog, topology
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grainwatch_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)
)
