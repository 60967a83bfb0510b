package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Jobs moving through the state machine
	JobsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailscope_jobs_created_total",
			Help: "Total number of jobs created",
		},
		[]string{"job_type"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailscope_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		},
		[]string{"job_type"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailscope_jobs_failed_total",
			Help: "Total number of job failures, by outcome (requeued or terminal)",
		},
		[]string{"job_type", "outcome"},
	)

	// Provider fetch path
	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailscope_provider_call_duration_seconds",
			Help:    "Provider API call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"operation"},
	)

	MessagesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailscope_messages_fetched_total",
			Help: "Total number of provider messages fetched successfully",
		},
	)

	MessagesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailscope_messages_skipped_total",
			Help: "Total number of messages skipped after exhausting fetch retries",
		},
	)

	MessagesUpserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailscope_messages_upserted_total",
			Help: "Total number of messages written to the cache",
		},
	)
)
