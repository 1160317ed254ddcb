package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reporting_job_runs_total",
			Help: "Total number of reporting job runs by outcome.",
		},
		[]string{"status"},
	)

	jobDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reporting_job_duration_seconds",
			Help:    "Wall-clock duration of reporting job runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(jobRunsTotal, jobDurationSeconds)
}

// ObserveRun records one job run. status is "success" or "error".
func ObserveRun(status string, d time.Duration) {
	jobRunsTotal.WithLabelValues(status).Inc()
	jobDurationSeconds.Observe(d.Seconds())
}
