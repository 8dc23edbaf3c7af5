package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestClassifyTransient(t *testing.T) {
	cases := []error{
		context.DeadlineExceeded,
		io.EOF,
		syscall.ECONNREFUSED,
		fmt.Errorf("wrapped: %w", syscall.ECONNRESET),
		amqp.ErrClosed,
		&amqp.Error{Code: amqp.ConnectionForced, Reason: "shutdown"},
		&pgconn.PgError{Code: "40001"}, // serialization_failure
		&pgconn.PgError{Code: "40P01"}, // deadlock
		&pgconn.PgError{Code: "57014"}, // statement_timeout
		&pgconn.PgError{Code: "08006"}, // connection_failure
		&pgconn.PgError{Code: "53300"}, // too_many_connections
		errors.New("failed to connect to `host=db`"),
	}
	for _, err := range cases {
		assert.True(t, Classify(err).Transient(), "%v", err)
	}
}

func TestClassifyPermanent(t *testing.T) {
	cases := []error{
		&EnvelopeError{Code: "validation", Message: "missing event_name"},
		&pgconn.PgError{Code: "23505"}, // unique_violation
		&pgconn.PgError{Code: "22P02"}, // invalid_text_representation
		&pgconn.PgError{Code: "42703"}, // undefined_column
		&amqp.Error{Code: amqp.NotFound, Reason: "no exchange"},
		errors.New("business rule broken"),
	}
	for _, err := range cases {
		assert.False(t, Classify(err).Transient(), "%v", err)
	}
}

func TestClassifyWrapsCause(t *testing.T) {
	cause := &pgconn.PgError{Code: "40001"}
	c := Classify(cause)
	assert.ErrorIs(t, c, error(cause))
	assert.Contains(t, c.Error(), "transient")
}
