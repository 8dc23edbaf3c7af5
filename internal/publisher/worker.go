// Package publisher drains the transactional outbox into RabbitMQ. It is
// the only component that moves outbox rows out of pending: confirmed
// publishes become sent, failures reschedule with backoff until the retry
// cap parks them as failed.
package publisher

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/smartbuket/sb-analytics/internal/config"
	"github.com/smartbuket/sb-analytics/internal/domain"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/postgres"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/rabbitmq"
	"github.com/smartbuket/sb-analytics/internal/metrics"
	"github.com/smartbuket/sb-analytics/internal/retry"
)

type Worker struct {
	repo   *postgres.Repository
	cfg    *config.Config
	topics domain.Topics
	log    zerolog.Logger

	client *rabbitmq.Client
	pub    *rabbitmq.Publisher
}

func New(repo *postgres.Repository, cfg *config.Config) *Worker {
	return &Worker{
		repo:   repo,
		cfg:    cfg,
		topics: cfg.Topics(),
		log:    zlog.With().Str("component", "outbox_publisher").Logger(),
	}
}

// Run polls the outbox until ctx is cancelled. Broker connectivity is
// (re)established lazily inside the loop, so a broker outage only stalls
// publishing; rows stay pending and the loop recovers on its own.
func (w *Worker) Run(ctx context.Context) error {
	defer w.closeBroker()

	ticker := time.NewTicker(w.cfg.OutboxPollInterval)
	defer ticker.Stop()

	gauge := time.NewTicker(10 * time.Second)
	defer gauge.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("publisher stopping")
			return ctx.Err()
		case <-gauge.C:
			if n, err := w.repo.PendingCount(ctx); err == nil {
				metrics.OutboxPending.Set(float64(n))
			}
		case <-ticker.C:
			// Drain until a short batch so a backlog clears faster than
			// one batch per tick.
			for {
				n, err := w.drainOnce(ctx)
				if err != nil {
					w.log.Warn().Err(err).Msg("drain failed")
					w.closeBroker()
					break
				}
				if n < w.cfg.OutboxBatchSize {
					break
				}
			}
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) (int, error) {
	msgs, err := w.repo.LeaseOutbox(ctx, w.cfg.OutboxBatchSize, w.cfg.OutboxLeaseTimeout)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	pub, err := w.publisher()
	if err != nil {
		// Broker unreachable: release the batch by scheduling a retry on
		// every leased row.
		for _, m := range msgs {
			w.markFailed(ctx, m, err)
		}
		return len(msgs), err
	}

	var sent []int64
	for _, m := range msgs {
		if err := pub.PublishMessage(ctx, m.RoutingKey, publishing(m)); err != nil {
			w.log.Warn().Err(err).
				Int64("outbox_id", m.ID).
				Str("routing_key", m.RoutingKey).
				Msg("publish failed")
			w.markFailed(ctx, m, err)
			if domain.Classify(err).Transient() {
				// Channel is likely dead; stop the batch and reconnect.
				if flushErr := w.repo.MarkSent(ctx, sent); flushErr != nil {
					return len(msgs), flushErr
				}
				return len(msgs), err
			}
			continue
		}
		sent = append(sent, m.ID)
		metrics.OutboxPublished.WithLabelValues(m.RoutingKey).Inc()
	}

	if err := w.repo.MarkSent(ctx, sent); err != nil {
		return len(msgs), err
	}
	if len(sent) > 0 {
		w.log.Debug().Int("published", len(sent)).Msg("batch drained")
	}
	return len(msgs), nil
}

func (w *Worker) markFailed(ctx context.Context, m postgres.OutboxMessage, cause error) {
	next := time.Now().UTC().Add(retry.Backoff(m.Retries, w.cfg.OutboxPollInterval, w.cfg.OutboxLeaseTimeout))
	if err := w.repo.MarkFailed(ctx, m.ID, cause.Error(), next, w.cfg.OutboxMaxRetries); err != nil {
		w.log.Error().Err(err).Int64("outbox_id", m.ID).Msg("mark failed errored")
		return
	}
	if m.Retries+1 >= w.cfg.OutboxMaxRetries {
		metrics.OutboxFailed.Inc()
		w.log.Error().Int64("outbox_id", m.ID).Str("routing_key", m.RoutingKey).
			Msg("outbox row parked as failed")
	} else {
		metrics.OutboxRetried.Inc()
	}
}

// publisher returns the live confirm-mode publisher, dialing the broker and
// redeclaring the topology when needed.
func (w *Worker) publisher() (*rabbitmq.Publisher, error) {
	if w.pub != nil {
		return w.pub, nil
	}

	client, err := rabbitmq.Dial(w.cfg.RabbitURL)
	if err != nil {
		return nil, err
	}
	ch, err := client.Channel()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := rabbitmq.DeclareTopology(ch, w.cfg.RabbitExchange, w.topics); err != nil {
		_ = client.Close()
		return nil, err
	}
	_ = ch.Close()

	pub, err := rabbitmq.NewPublisher(client, w.cfg.RabbitExchange)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	w.client = client
	w.pub = pub
	w.log.Info().Str("exchange", w.cfg.RabbitExchange).Msg("broker connected")
	return pub, nil
}

func (w *Worker) closeBroker() {
	if w.pub != nil {
		_ = w.pub.Close()
		w.pub = nil
	}
	if w.client != nil {
		_ = w.client.Close()
		w.client = nil
	}
}

func publishing(m postgres.OutboxMessage) amqp.Publishing {
	h := amqp.Table{
		"app_uuid":    m.AppUUID,
		"occurred_at": m.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      h,
		Body:         m.Payload,
	}
	if m.EventID != nil {
		h["event_id"] = *m.EventID
		msg.MessageId = *m.EventID
	}
	if m.TraceID != nil {
		h["trace_id"] = *m.TraceID
		msg.CorrelationId = *m.TraceID
	}
	return msg
}
