// Package metrics exposes Prometheus collectors for the scan engine.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	submissionsTotal           *prometheus.CounterVec
	statusCacheTotal           *prometheus.CounterVec
	bestEffortFailuresTotal    *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	queueDepth                 prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanengine_submissions_total",
				Help: "Scan submissions, labeled by target type and outcome.",
			},
			[]string{"target_type", "outcome"},
		)

		statusCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanengine_status_cache_total",
				Help: "Status cache lookups, labeled by result (hit, miss, error).",
			},
			[]string{"result"},
		)

		bestEffortFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanengine_best_effort_failures_total",
				Help: "Background writes that failed and were dropped, labeled by operation.",
			},
			[]string{"op"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanengine_jobs_total",
				Help: "Jobs processed by workers, labeled by job type and status.",
			},
			[]string{"job_type", "status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scanengine_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scanengine_queue_depth",
				Help: "Jobs waiting in the queue at the last sample.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSubmission counts a submission outcome (created, deduped or an error kind).
func ObserveSubmission(targetType, outcome string) {
	Init()
	submissionsTotal.WithLabelValues(targetType, outcome).Inc()
}

// ObserveStatusCache counts a status cache lookup result.
func ObserveStatusCache(result string) {
	Init()
	statusCacheTotal.WithLabelValues(result).Inc()
}

// ObserveBestEffortFailure counts a dropped background write.
func ObserveBestEffortFailure(op string) {
	Init()
	bestEffortFailuresTotal.WithLabelValues(op).Inc()
}

// ObserveJob increments the job counter for the given type and status.
func ObserveJob(jobType, status string) {
	Init()
	jobsTotal.WithLabelValues(jobType, status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetQueueDepth records the current queue length.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}
