// Package rabbitmq owns the broker topology, the confirm-mode publisher
// and the dead-letter envelope.
package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

type Client struct {
	conn *amqp.Connection
	log  zerolog.Logger
}

func Dial(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	return &Client{
		conn: conn,
		log:  zlog.With().Str("component", "rabbitmq").Logger(),
	}, nil
}

func (c *Client) Channel() (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	return ch, nil
}

// NotifyClose reports connection-level failures so owners can reconnect.
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (c *Client) Close() error {
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
