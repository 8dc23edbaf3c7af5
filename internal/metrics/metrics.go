// Package metrics registers the Prometheus instruments for all three
// binaries. Vectors are labeled by queue or routing key where volume
// differs per stream.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sb_ingest_events_accepted_total",
		Help: "Events accepted into raw_events.",
	})
	EventsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sb_ingest_events_deduped_total",
		Help: "Events dropped on the (app_uuid, event_id) unique key.",
	})
	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sb_ingest_events_rejected_total",
		Help: "Events rejected before persistence.",
	}, []string{"code"})
	IngestBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sb_ingest_batch_seconds",
		Help:    "Wall time of one ingest batch transaction.",
		Buckets: prometheus.DefBuckets,
	})

	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sb_outbox_published_total",
		Help: "Outbox rows confirmed by the broker.",
	}, []string{"routing_key"})
	OutboxRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sb_outbox_retried_total",
		Help: "Outbox publish attempts that failed and were rescheduled.",
	})
	OutboxFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sb_outbox_failed_total",
		Help: "Outbox rows parked as failed after the retry cap.",
	})
	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sb_outbox_pending",
		Help: "Pending outbox backlog.",
	})

	ProcessorConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sb_processor_consumed_total",
		Help: "Deliveries taken from a queue.",
	}, []string{"queue"})
	ProcessorProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sb_processor_processed_total",
		Help: "Deliveries fully materialized and acked.",
	}, []string{"queue"})
	ProcessorRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sb_processor_retried_total",
		Help: "Deliveries republished with a bumped retry counter.",
	}, []string{"queue"})
	ProcessorDLQ = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sb_processor_dlq_total",
		Help: "Deliveries dead-lettered.",
	}, []string{"queue", "reason"})
	ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sb_processor_handle_seconds",
		Help:    "Wall time of one delivery, decode through commit.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	IdempotencyHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sb_idempotency_hits_total",
		Help: "Deliveries skipped because the ledger already had the event.",
	})
	IdempotencyMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sb_idempotency_misses_total",
		Help: "Deliveries that were first-seen and materialized.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
