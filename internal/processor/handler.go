package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/smartbuket/sb-analytics/internal/config"
	"github.com/smartbuket/sb-analytics/internal/domain"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/rabbitmq"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/redis"
	"github.com/smartbuket/sb-analytics/internal/metrics"
	"github.com/smartbuket/sb-analytics/internal/retry"
)

// Store is the persistence surface the handler needs. The idempotency
// fence and the family dispatch share one transaction via ProcessOnce.
type Store interface {
	ProcessOnce(ctx context.Context, consumer, appUUID, eventID string, fn func(pgx.Tx) error) (bool, error)
	IsOptedOut(ctx context.Context, appUUID, anonUserID string) (bool, error)
}

// Outcome tells the consumer loop how to settle the delivery.
type Outcome int

const (
	Ack Outcome = iota
	NackRequeue
)

// Handler is the per-delivery state machine: decode, validate, fence,
// dispatch, and on failure either back off and republish or dead-letter.
type Handler struct {
	store  Store
	pub    rabbitmq.MessagePublisher
	cache  *redis.OptOutCache
	topics domain.Topics
	cells  *cellSeen
	log    zerolog.Logger

	group      string
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration)
}

func NewHandler(store Store, pub rabbitmq.MessagePublisher, cache *redis.OptOutCache, cfg *config.Config) *Handler {
	return &Handler{
		store:      store,
		pub:        pub,
		cache:      cache,
		topics:     cfg.Topics(),
		cells:      newCellSeen(0),
		log:        zlog.With().Str("component", "processor").Logger(),
		group:      cfg.ProcessorGroupID,
		maxRetries: cfg.ProcessorMaxRetries,
		retryBase:  cfg.ProcessorRetryBase,
		retryMax:   cfg.ProcessorRetryMax,
		sleep:      sleepCtx,
	}
}

func (h *Handler) Handle(ctx context.Context, queue string, d amqp.Delivery) Outcome {
	start := time.Now()
	metrics.ProcessorConsumed.WithLabelValues(queue).Inc()
	defer func() {
		metrics.ProcessingDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
	}()

	var raw any
	if err := json.Unmarshal(d.Body, &raw); err != nil {
		return h.deadLetter(ctx, queue, d, rabbitmq.ReasonJSONDecode, err)
	}
	doc, ok := raw.(map[string]any)
	if !ok {
		return h.deadLetter(ctx, queue, d, rabbitmq.ReasonInvalidDocumentType,
			fmt.Errorf("document is %T, want object", raw))
	}

	// Lax parse: by the time a message is on a queue, rejecting it helps
	// nobody. Only the minimal envelope is enforced.
	ev, err := domain.ParseEnvelope(doc, false)
	if err != nil {
		return h.deadLetter(ctx, queue, d, rabbitmq.ReasonMinimalEvent, err)
	}

	log := h.log.With().
		Str("queue", queue).
		Str("event_id", ev.EventID).
		Str("trace_id", ev.TraceID).
		Str("event_name", ev.EventName).
		Logger()

	if h.optedOut(ctx, ev) {
		log.Debug().Msg("opted-out event dropped")
		return Ack
	}

	family := h.topics.Family(d.RoutingKey)
	consumer := h.group + ":" + family

	var cellsWritten []string
	fresh, err := h.store.ProcessOnce(ctx, consumer, ev.AppUUID, ev.EventID, func(tx pgx.Tx) error {
		cells, dispatchErr := h.dispatch(ctx, tx, family, ev)
		cellsWritten = cells
		return dispatchErr
	})
	if err == nil {
		if fresh {
			// Only now are the cell geometries durably in h3_cells.
			h.cells.mark(cellsWritten...)
			metrics.IdempotencyMisses.Inc()
			metrics.ProcessorProcessed.WithLabelValues(queue).Inc()
		} else {
			metrics.IdempotencyHits.Inc()
			log.Debug().Str("consumer", consumer).Msg("duplicate delivery skipped")
		}
		return Ack
	}

	if domain.Classify(err).Transient() {
		n := retryCount(d.Headers)
		if n < h.maxRetries {
			wait := retry.Backoff(n, h.retryBase, h.retryMax)
			log.Warn().Err(err).Int("retry", n+1).Dur("backoff", wait).Msg("transient failure, republishing")
			h.sleep(ctx, wait)
			if err := h.republish(ctx, d, n+1); err != nil {
				log.Error().Err(err).Msg("republish failed, requeueing delivery")
				return NackRequeue
			}
			metrics.ProcessorRetried.WithLabelValues(queue).Inc()
			return Ack
		}
		log.Error().Err(err).Int("retries", n).Msg("retry budget exhausted")
	}

	return h.deadLetter(ctx, queue, d, rabbitmq.ReasonPermanentBusiness, err)
}

// optedOut checks the cache first and falls back to the registry. Lookup
// failures count as not opted out; suppression must not block the pipeline.
func (h *Handler) optedOut(ctx context.Context, ev *domain.NormalizedEvent) bool {
	if out, found := h.cache.Get(ctx, ev.AppUUID, ev.AnonUserID); found {
		return out
	}
	out, err := h.store.IsOptedOut(ctx, ev.AppUUID, ev.AnonUserID)
	if err != nil {
		h.log.Warn().Err(err).Msg("opt-out lookup failed")
		return false
	}
	h.cache.Set(ctx, ev.AppUUID, ev.AnonUserID, out)
	return out
}

func (h *Handler) deadLetter(ctx context.Context, queue string, d amqp.Delivery, reason rabbitmq.DLQReason, cause error) Outcome {
	env := rabbitmq.NewDLQEnvelope(d, queue, reason, cause)
	if err := rabbitmq.PublishDLQ(ctx, h.pub, h.topics.DLQ, env); err != nil {
		h.log.Error().Err(err).Str("queue", queue).Msg("dlq publish failed, requeueing delivery")
		return NackRequeue
	}
	metrics.ProcessorDLQ.WithLabelValues(queue, string(reason)).Inc()
	h.log.Warn().
		Str("queue", queue).
		Str("reason", string(reason)).
		AnErr("cause", cause).
		Msg("message dead-lettered")
	return Ack
}

// republish re-emits the delivery on its own routing key with a bumped
// sb_retry counter, preserving body and properties.
func (h *Handler) republish(ctx context.Context, d amqp.Delivery, attempt int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers["sb_retry"] = int32(attempt)
	headers["sb_retry_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	return h.pub.PublishMessage(ctx, d.RoutingKey, amqp.Publishing{
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     d.MessageId,
		CorrelationId: d.CorrelationId,
		Headers:       headers,
		Body:          d.Body,
	})
}

func retryCount(headers amqp.Table) int {
	switch v := headers["sb_retry"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
