package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/smartbuket/sb-analytics/internal/domain"
)

// High-volume queues (the raw firehose and the P2 behavioral families)
// carry a protective policy: day-old or overflowing messages are shed
// oldest-first rather than backing the broker up.
var protectiveArgs = amqp.Table{
	"x-message-ttl": int32(86_400_000), // 24h
	"x-max-length":  int32(100_000),
	"x-overflow":    "drop-head",
}

// DeclareTopology declares the durable topic exchange, one durable queue
// per routing key, and the bindings. Safe to re-run; declarations are
// idempotent as long as the arguments match.
func DeclareTopology(ch *amqp.Channel, exchange string, topics domain.Topics) error {
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	bindings := []struct {
		key        string
		protective bool
	}{
		{topics.Raw, true},
		{topics.Geo, false},
		{topics.License, false},
		{topics.Session, true},
		{topics.Screen, true},
		{topics.UI, true},
		{topics.System, true},
		{topics.DLQ, false},
	}

	for _, b := range bindings {
		var args amqp.Table
		if b.protective {
			args = protectiveArgs
		}
		queue := domain.QueueFor(b.key)
		if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, b.key, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", queue, b.key, err)
		}
	}

	return nil
}
