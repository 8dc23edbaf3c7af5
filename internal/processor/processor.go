// Package processor consumes the event queues and materializes presence
// facts, hourly aggregates, license state and the customer snapshot.
package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/smartbuket/sb-analytics/internal/config"
	"github.com/smartbuket/sb-analytics/internal/domain"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/postgres"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/rabbitmq"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/redis"
	"github.com/smartbuket/sb-analytics/internal/retry"
)

type Processor struct {
	cfg   *config.Config
	repo  *postgres.Repository
	cache *redis.OptOutCache
	log   zerolog.Logger
}

func New(cfg *config.Config, repo *postgres.Repository, cache *redis.OptOutCache) *Processor {
	return &Processor{
		cfg:   cfg,
		repo:  repo,
		cache: cache,
		log:   zlog.With().Str("component", "processor").Logger(),
	}
}

// Run consumes until ctx is cancelled, re-dialing the broker with backoff
// whenever the connection drops.
func (p *Processor) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := p.runSession(ctx)
		if ctx.Err() != nil {
			p.log.Info().Msg("processor stopping")
			return ctx.Err()
		}

		wait := retry.Backoff(attempt, time.Second, 30*time.Second)
		attempt++
		p.log.Warn().Err(err).Dur("backoff", wait).Msg("broker session ended, reconnecting")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// runSession owns one broker connection end to end: declare topology, start
// one consumer per queue, fan deliveries into the worker pool, and return
// when the connection dies or ctx is cancelled.
func (p *Processor) runSession(ctx context.Context) error {
	client, err := rabbitmq.Dial(p.cfg.RabbitURL)
	if err != nil {
		return err
	}
	defer client.Close()

	setupCh, err := client.Channel()
	if err != nil {
		return err
	}
	topics := p.cfg.Topics()
	if err := rabbitmq.DeclareTopology(setupCh, p.cfg.RabbitExchange, topics); err != nil {
		return err
	}
	_ = setupCh.Close()

	pub, err := rabbitmq.NewPublisher(client, p.cfg.RabbitExchange)
	if err != nil {
		return err
	}
	defer pub.Close()

	handler := NewHandler(p.repo, pub, p.cache, p.cfg)

	pool := NewWorkerPool(p.cfg.ProcessorPoolSize)
	var pumps sync.WaitGroup

	queues := []string{
		topics.Raw, topics.Geo, topics.License,
		topics.Session, topics.Screen, topics.UI, topics.System,
	}
	for _, key := range queues {
		if err := p.consume(ctx, client, handler, pool, &pumps, domain.QueueFor(key)); err != nil {
			_ = client.Close()
			pumps.Wait()
			pool.Stop()
			return err
		}
	}

	p.log.Info().
		Int("queues", len(queues)).
		Int("pool_size", p.cfg.ProcessorPoolSize).
		Int("prefetch", p.cfg.ProcessorPrefetch).
		Msg("consuming")

	var sessionErr error
	select {
	case <-ctx.Done():
		sessionErr = ctx.Err()
	case amqpErr := <-client.NotifyClose():
		if amqpErr != nil {
			sessionErr = amqpErr
		}
	case amqpErr := <-pub.NotifyClose():
		// A dead publisher channel means retries and DLQ writes cannot be
		// emitted; restart the whole session rather than spin on nacks.
		sessionErr = errors.New("publisher channel closed")
		if amqpErr != nil {
			sessionErr = amqpErr
		}
	}

	// Ordered teardown: closing the connection ends every delivery stream,
	// the pumps drain what they already took, then the pool finishes its
	// in-flight work.
	_ = client.Close()
	pumps.Wait()
	pool.Stop()
	return sessionErr
}

// consume opens a dedicated channel for one queue and pumps its deliveries
// into the shared pool. Manual acks: the handler decides ack vs requeue.
func (p *Processor) consume(ctx context.Context, client *rabbitmq.Client, handler *Handler, pool *WorkerPool, pumps *sync.WaitGroup, queue string) error {
	ch, err := client.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(p.cfg.ProcessorPrefetch, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.Consume(
		queue,
		p.cfg.ProcessorGroupID+"."+queue,
		false, // manual ack
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return err
	}

	pumps.Add(1)
	go func() {
		defer pumps.Done()
		for d := range deliveries {
			d := d
			pool.Submit(func() {
				switch handler.Handle(ctx, queue, d) {
				case Ack:
					if err := d.Ack(false); err != nil {
						p.log.Warn().Err(err).Str("queue", queue).Msg("ack failed")
					}
				case NackRequeue:
					if err := d.Nack(false, true); err != nil {
						p.log.Warn().Err(err).Str("queue", queue).Msg("nack failed")
					}
				}
			})
		}
	}()

	return nil
}
