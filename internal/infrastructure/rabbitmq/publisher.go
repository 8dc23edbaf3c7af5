package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher wraps one channel in confirm mode with mandatory publishing.
// A publish succeeds only when the broker acks it and does not return it
// as unroutable. Publishes are serialized: one in flight per channel keeps
// the confirm bookkeeping trivial.
type Publisher struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	confirms <-chan amqp.Confirmation
	returns  <-chan amqp.Return
	exchange string
	timeout  time.Duration
}

var (
	ErrPublishNacked = errors.New("broker nacked publish")
	ErrUnroutable    = errors.New("message returned unroutable")

	// ErrConfirmTimeout wraps DeadlineExceeded so the error classifier
	// treats a missing confirm as retryable.
	ErrConfirmTimeout = fmt.Errorf("publish confirm timed out: %w", context.DeadlineExceeded)
)

func NewPublisher(c *Client, exchange string) (*Publisher, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}
	return &Publisher{
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 1)),
		exchange: exchange,
		timeout:  5 * time.Second,
	}, nil
}

// Publish sends one persistent JSON message and waits for the broker's
// verdict.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte, headers amqp.Table) error {
	return p.PublishMessage(ctx, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
}

// PublishMessage is the low-level variant for callers that set message
// properties themselves (MessageId, CorrelationId).
func (p *Publisher) PublishMessage(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.PublishWithContext(ctx,
		p.exchange,
		routingKey,
		true,  // mandatory: unroutable messages come back as returns
		false, // immediate
		msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	select {
	case ret := <-p.returns:
		return fmt.Errorf("%w: %s (%s)", ErrUnroutable, routingKey, ret.ReplyText)
	case conf := <-p.confirms:
		if !conf.Ack {
			return fmt.Errorf("%w: %s", ErrPublishNacked, routingKey)
		}
		// The broker acks a mandatory message even when it bounced; the
		// return frame arrives before the ack, so one more look catches it.
		select {
		case ret := <-p.returns:
			return fmt.Errorf("%w: %s (%s)", ErrUnroutable, routingKey, ret.ReplyText)
		default:
			return nil
		}
	case <-ctx.Done():
		// The verdict for this publish is still owed; the channel's confirm
		// stream no longer lines up with our publishes. Kill it so the
		// owner re-dials instead of crediting the stale confirm to the
		// next message.
		_ = p.ch.Close()
		return ctx.Err()
	case <-time.After(p.timeout):
		_ = p.ch.Close()
		return fmt.Errorf("%w: %s", ErrConfirmTimeout, routingKey)
	}
}

// NotifyClose fires when the underlying channel dies, including the
// self-inflicted close after a confirm went missing.
func (p *Publisher) NotifyClose() <-chan *amqp.Error {
	return p.ch.NotifyClose(make(chan *amqp.Error, 1))
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
