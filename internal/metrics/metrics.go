package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EnvelopesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailmail_envelopes_total",
			Help: "Total number of envelopes received",
		},
		[]string{"type", "status"},
	)

	EventsInsertedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trailmail_events_inserted_total",
			Help: "Total number of event rows newly inserted",
		},
	)

	EventsDuplicateTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trailmail_events_duplicate_total",
			Help: "Total number of event inserts skipped as duplicates",
		},
	)

	VerificationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trailmail_signature_verification_failures_total",
			Help: "Total number of rejected envelope signatures",
		},
	)

	IngestionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trailmail_ingestion_duration_seconds",
			Help:    "Duration of envelope ingestion in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailmail_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"source"},
	)

	DLQWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trailmail_dlq_writes_total",
			Help: "Total number of envelopes written to the dead letter queue",
		},
	)
)
