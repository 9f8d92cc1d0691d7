package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unpackd_jobs_finished_total",
		Help: "Finished jobs by terminal state and pipeline outcome.",
	}, []string{"state", "outcome", "kind"})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "unpackd_job_duration_seconds",
		Help:    "Wall time from claim to finish.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unpackd_cache_hits_total",
		Help: "Submissions answered from the dedup cache.",
	})

	queueFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unpackd_queue_fallbacks_total",
		Help: "Submissions run inline because the queue was unavailable.",
	})
)

func observeJob(state State, result *Result, elapsed time.Duration) {
	outcome, kind := "", ""
	if result != nil {
		outcome, kind = string(result.Outcome), string(result.ErrorKind)
	}
	jobsFinished.WithLabelValues(string(state), outcome, kind).Inc()
	jobDuration.Observe(elapsed.Seconds())
}
