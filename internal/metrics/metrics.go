// Package metrics exposes Prometheus collectors for the grid storage backends
// and coordinators.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	storeOperationsTotal       *prometheus.CounterVec
	storeOperationSeconds      *prometheus.HistogramVec
	storeConflictsTotal        *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	activeJobs                 prometheus.Gauge
	pipelineStagesTotal        *prometheus.CounterVec
	activePipelines            prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; the Observe helpers call
// it themselves.
func Init() {
	once.Do(func() {
		storeOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_store_operations_total",
				Help: "Total number of store operations, labeled by backend, operation and outcome.",
			},
			[]string{"backend", "op", "outcome"},
		)

		storeOperationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grid_store_operation_duration_seconds",
				Help:    "Histogram of store operation latencies, labeled by backend and operation.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"backend", "op"},
		)

		storeConflictsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_store_conflicts_total",
				Help: "Total number of transient write conflicts resolved by re-checking, labeled by operation.",
			},
			[]string{"op"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_jobs_total",
				Help: "Total number of job runs, labeled by final state.",
			},
			[]string{"state"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "grid_active_jobs",
				Help: "Number of jobs currently running in this process.",
			},
		)

		pipelineStagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grid_pipeline_stages_total",
				Help: "Total number of pipeline stages, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activePipelines = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "grid_active_pipelines",
				Help: "Number of pipelines currently running in this process.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStoreOp records one store operation. A nil err counts as "ok".
func ObserveStoreOp(backend, op string, err error, duration time.Duration) {
	Init()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	storeOperationsTotal.WithLabelValues(backend, op, outcome).Inc()
	storeOperationSeconds.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// ObserveConflict counts a write failure that turned out to be a lost race.
func ObserveConflict(op string) {
	Init()
	storeConflictsTotal.WithLabelValues(op).Inc()
}

// ObserveJob increments the job counter for the given final state.
func ObserveJob(state string) {
	Init()
	jobsTotal.WithLabelValues(state).Inc()
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	activeJobs.Dec()
}

// ObserveStage counts a pipeline stage outcome: completed, skipped, failed or stopped.
func ObserveStage(outcome string) {
	Init()
	pipelineStagesTotal.WithLabelValues(outcome).Inc()
}

// IncActivePipelines increments the active pipelines gauge.
func IncActivePipelines() {
	Init()
	activePipelines.Inc()
}

// DecActivePipelines decrements the active pipelines gauge.
func DecActivePipelines() {
	Init()
	activePipelines.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
