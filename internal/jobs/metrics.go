package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foldserver_jobs_submitted_total",
		Help: "Total number of jobs submitted",
	})
	JobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foldserver_jobs_running",
		Help: "Number of jobs currently running",
	})
	JobsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foldserver_jobs_pending",
		Help: "Number of jobs waiting for a worker slot",
	})
	JobsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foldserver_jobs_completed_total",
		Help: "Total number of jobs completed successfully",
	})
	JobsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foldserver_jobs_failed_total",
		Help: "Total number of jobs that failed",
	})
	JobsCancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foldserver_jobs_cancelled_total",
		Help: "Total number of jobs cancelled",
	})
	JobDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "foldserver_job_duration_seconds",
		Help:    "Wall-clock runtime of finished jobs",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})
)

func init() {
	prometheus.MustRegister(
		JobsSubmittedTotal, JobsRunning, JobsPending,
		JobsCompletedTotal, JobsFailedTotal, JobsCancelledTotal,
		JobDurationSeconds,
	)
}
