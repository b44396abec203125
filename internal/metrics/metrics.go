// ============================================================================
// Dagqueue Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose queue/worker metrics for Prometheus monitoring
//
// Metric Categories:
//
//   1. Job Counters - Cumulative, monotonically increasing:
//      - queue_jobs_submitted_total
//      - queue_jobs_dispatched_total
//      - queue_jobs_completed_total
//      - queue_jobs_failed_total
//      - queue_jobs_cancelled_total
//      - queue_jobs_cycle_failed_total
//
//   2. Performance Metrics (Histogram):
//      - queue_job_duration_seconds: time from submit to terminal status
//
//   3. Status Metrics (Gauge):
//      - queue_jobs_by_status: current job count per JobStatus
//      - queue_workers_ready / queue_workers_busy
//
// Prometheus Query Examples:
//
//   # Jobs completed per minute
//   rate(queue_jobs_completed_total[1m])
//
//   # 95th percentile job duration
//   histogram_quantile(0.95, queue_job_duration_seconds_bucket)
//
//   # Failure rate
//   rate(queue_jobs_failed_total[5m]) / rate(queue_jobs_dispatched_total[5m])
//
// HTTP Endpoint:
//   Exposed via /metrics, scraped by Prometheus.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one MasterQueue.
type Collector struct {
	jobsSubmitted   prometheus.Counter
	jobsDispatched  prometheus.Counter
	jobsCompleted   prometheus.Counter
	jobsFailed      prometheus.Counter
	jobsCancelled   prometheus.Counter
	jobsCycleFailed prometheus.Counter

	jobDuration prometheus.Histogram

	jobsByStatus *prometheus.GaugeVec
	workersReady prometheus.Gauge
	workersBusy  prometheus.Gauge
}

// NewCollector builds and registers a Collector against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_submitted_total",
			Help: "Total number of distinct queries submitted",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to a worker",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_failed_total",
			Help: "Total number of jobs that failed",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		}),
		jobsCycleFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_jobs_cycle_failed_total",
			Help: "Total number of jobs failed because they sat on a dependency cycle",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "queue_job_duration_seconds",
			Help:    "Time from submit to terminal status, in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_jobs_by_status",
			Help: "Current number of jobs in each status",
		}, []string{"status"}),
		workersReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_workers_ready",
			Help: "Current number of idle workers",
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_workers_busy",
			Help: "Current number of busy workers",
		}),
	}

	prometheus.MustRegister(
		c.jobsSubmitted, c.jobsDispatched, c.jobsCompleted, c.jobsFailed,
		c.jobsCancelled, c.jobsCycleFailed, c.jobDuration, c.jobsByStatus,
		c.workersReady, c.workersBusy,
	)

	return c
}

// RecordSubmit records a new query entering the queue.
func (c *Collector) RecordSubmit() { c.jobsSubmitted.Inc() }

// RecordDispatch records a query being handed to a worker.
func (c *Collector) RecordDispatch() { c.jobsDispatched.Inc() }

// RecordCompleted records a successful terminal status and its duration.
func (c *Collector) RecordCompleted(durationSeconds float64) {
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordFailed records a failed terminal status and its duration.
func (c *Collector) RecordFailed(durationSeconds float64) {
	c.jobsFailed.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordCancelled records a cancelled job.
func (c *Collector) RecordCancelled() { c.jobsCancelled.Inc() }

// RecordCycleFailed records one job failed as part of a detected cycle.
func (c *Collector) RecordCycleFailed() { c.jobsCycleFailed.Inc() }

// SetStatusCounts replaces the per-status gauge with the given counts.
func (c *Collector) SetStatusCounts(counts map[string]int) {
	for status, n := range counts {
		c.jobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SetWorkerCounts updates the ready/busy worker gauges.
func (c *Collector) SetWorkerCounts(ready, busy int) {
	c.workersReady.Set(float64(ready))
	c.workersBusy.Set(float64(busy))
}

// StartServer starts the Prometheus metrics HTTP server on port. It blocks
// until the server errors or is shut down, matching the teacher's
// ListenAndServe-blocks-forever convention.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
