package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce            sync.Once
	importJobsActive        prometheus.Gauge
	importFilesTotal        *prometheus.CounterVec
	importDurationSeconds   prometheus.Histogram
	eventsPublishedTotal    *prometheus.CounterVec
	eventSubscribersActive  prometheus.Gauge
	gradingTransitionsTotal *prometheus.CounterVec
	violationsFlaggedTotal  *prometheus.CounterVec
	requestsTotal           *prometheus.CounterVec
	requestLatencySeconds   *prometheus.HistogramVec
)

// RegisterMetrics initialises the Prometheus collectors used across the pipeline.
func RegisterMetrics() {
	registerOnce.Do(func() {
		importJobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "import_jobs_active",
			Help: "Number of import jobs currently running.",
		})

		importFilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "import_files_total",
			Help: "Archive entries processed, labelled by outcome.",
		}, []string{"outcome"})

		importDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "import_duration_seconds",
			Help:    "End-to-end duration of import jobs.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		})

		eventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Lifecycle events published, labelled by kind.",
		}, []string{"kind"})

		eventSubscribersActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "event_subscribers_active",
			Help: "Active websocket/SSE event subscribers.",
		})

		gradingTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_transitions_total",
			Help: "Grading state machine transitions, labelled by action.",
		}, []string{"action"})

		violationsFlaggedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "violations_flagged_total",
			Help: "Violations recorded, labelled by type.",
		}, []string{"type"})

		requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		requestLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		prometheus.MustRegister(
			importJobsActive,
			importFilesTotal,
			importDurationSeconds,
			eventsPublishedTotal,
			eventSubscribersActive,
			gradingTransitionsTotal,
			violationsFlaggedTotal,
			requestsTotal,
			requestLatencySeconds,
		)
	})
}

// ImportJobsActive exposes the running-jobs gauge.
func ImportJobsActive() prometheus.Gauge {
	RegisterMetrics()
	return importJobsActive
}

// ImportFiles exposes the per-outcome file counter.
func ImportFiles() *prometheus.CounterVec {
	RegisterMetrics()
	return importFilesTotal
}

// ImportDuration exposes the job duration histogram.
func ImportDuration() prometheus.Histogram {
	RegisterMetrics()
	return importDurationSeconds
}

// EventsPublished exposes the per-kind event counter.
func EventsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return eventsPublishedTotal
}

// EventSubscribersActive exposes the active-subscribers gauge.
func EventSubscribersActive() prometheus.Gauge {
	RegisterMetrics()
	return eventSubscribersActive
}

// GradingTransitions exposes the grading transition counter.
func GradingTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingTransitionsTotal
}

// ViolationsFlagged exposes the per-type violation counter.
func ViolationsFlagged() *prometheus.CounterVec {
	RegisterMetrics()
	return violationsFlaggedTotal
}

// Requests exposes the counter for API requests.
func Requests() *prometheus.CounterVec {
	RegisterMetrics()
	return requestsTotal
}

// RequestLatency exposes the latency histogram for API requests.
func RequestLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return requestLatencySeconds
}
