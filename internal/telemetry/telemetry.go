// Package telemetry exposes the engine's own Prometheus metrics: queue
// depth, stage outcomes, scoring distribution, and circuit breaker state.
// This is engine-internal observability, distinct from the per-run scored
// internal/model.Metrics record that is written into each Job's Result.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the engine's Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	jobsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "req2run",
		Subsystem: "scheduler",
		Name:      "jobs_queued",
		Help:      "Current number of jobs waiting in the admission queue.",
	})

	jobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "req2run",
		Subsystem: "scheduler",
		Name:      "jobs_running",
		Help:      "Current number of jobs occupying a worker slot.",
	})

	jobsAdmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "req2run",
		Subsystem: "scheduler",
		Name:      "admissions_total",
		Help:      "Total admission decisions by outcome (admitted, retried, capacity_exceeded, queue_full, deadline_expired, rejected).",
	}, []string{"outcome"})

	stageOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "req2run",
		Subsystem: "stage",
		Name:      "outcomes_total",
		Help:      "Total stage outcomes by stage name and outcome kind.",
	}, []string{"stage", "kind"})

	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "req2run",
		Subsystem: "stage",
		Name:      "duration_seconds",
		Help:      "Duration of each pipeline stage.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~13min
	}, []string{"stage"})

	scoreTotal = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "req2run",
		Subsystem: "scoring",
		Name:      "total_score",
		Help:      "Distribution of final weighted scores across completed runs.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11), // 0..100 in steps of 10
	})

	gradeCounts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "req2run",
		Subsystem: "scoring",
		Name:      "grades_total",
		Help:      "Total runs by assigned grade.",
	}, []string{"grade"})

	circuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "req2run",
		Subsystem: "resilience",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open) by breaker name.",
	}, []string{"breaker"})

	evidenceBytesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "req2run",
		Subsystem: "evidence",
		Name:      "bytes_written_total",
		Help:      "Total bytes written to the evidence store by artifact kind.",
	}, []string{"kind"})

	httpRequests = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "req2run",
		Subsystem: "controlplane",
		Name:      "http_request_duration_seconds",
		Help:      "Control plane HTTP request duration by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "status"})
)

func init() {
	Registry.MustRegister(
		jobsQueued,
		jobsRunning,
		jobsAdmitted,
		stageOutcomes,
		stageDuration,
		scoreTotal,
		gradeCounts,
		circuitBreakerState,
		evidenceBytesWritten,
		httpRequests,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetQueueDepth records the current admission queue depth.
func SetQueueDepth(n int) {
	jobsQueued.Set(float64(n))
}

// SetRunningCount records the current number of occupied worker slots.
func SetRunningCount(n int) {
	jobsRunning.Set(float64(n))
}

// RecordAdmission records an admission decision outcome.
func RecordAdmission(outcome string) {
	jobsAdmitted.WithLabelValues(outcome).Inc()
}

// RecordStageOutcome records a stage's outcome kind and duration.
func RecordStageOutcome(stage, kind string, duration time.Duration) {
	stageOutcomes.WithLabelValues(stage, kind).Inc()
	stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordScore records the final weighted score and assigned grade of a
// completed run.
func RecordScore(total float64, grade string) {
	scoreTotal.Observe(total)
	gradeCounts.WithLabelValues(grade).Inc()
}

// RecordCircuitBreakerState records the numeric state of a named circuit
// breaker (0=closed, 1=half-open, 2=open).
func RecordCircuitBreakerState(breaker string, state int) {
	circuitBreakerState.WithLabelValues(breaker).Set(float64(state))
}

// RecordEvidenceBytes records bytes appended to the evidence store.
func RecordEvidenceBytes(kind string, n int) {
	evidenceBytesWritten.WithLabelValues(kind).Add(float64(n))
}

// RecordHTTPRequest records one control plane HTTP request's route, status,
// and duration.
func RecordHTTPRequest(route, status string, duration time.Duration) {
	httpRequests.WithLabelValues(route, status).Observe(duration.Seconds())
}

// StatusLabel formats an HTTP status code as a metric label.
func StatusLabel(code int) string {
	return strconv.Itoa(code)
}
