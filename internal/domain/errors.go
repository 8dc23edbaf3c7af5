package domain

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrKind tags an error as retryable or not. Every processor failure path
// converges to either "retry with backoff" (transient) or "ack + DLQ"
// (permanent) based on this tag.
type ErrKind string

const (
	KindTransient ErrKind = "transient"
	KindPermanent ErrKind = "permanent"
)

// Classified is the result of Classify: a tagged error.
type Classified struct {
	Kind  ErrKind
	Cause error
}

func (c Classified) Error() string { return string(c.Kind) + ": " + c.Cause.Error() }
func (c Classified) Unwrap() error { return c.Cause }

// Transient reports whether err should be retried.
func (c Classified) Transient() bool { return c.Kind == KindTransient }

// Classify maps an error to transient vs permanent.
//
// Transient: connection-level failures (DB and broker), deadlocks, lock and
// statement timeouts, serialization failures, resource exhaustion.
// Permanent: envelope/validation errors, constraint violations, syntax and
// type errors, and anything unrecognized (a poison message must not loop).
func Classify(err error) Classified {
	if err == nil {
		return Classified{Kind: KindPermanent, Cause: errors.New("classify: nil error")}
	}

	var envErr *EnvelopeError
	if errors.As(err, &envErr) {
		return Classified{Kind: KindPermanent, Cause: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Classified{Kind: KindTransient, Cause: err}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Classified{Kind: KindTransient, Cause: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return Classified{Kind: KindTransient, Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Classified{Kind: KindTransient, Cause: err}
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		// Channel/connection level failures recover on reconnect.
		if amqpErr.Recover || amqpErr.Code >= 500 || amqpErr.Code == amqp.ConnectionForced {
			return Classified{Kind: KindTransient, Cause: err}
		}
		return Classified{Kind: KindPermanent, Cause: err}
	}
	if errors.Is(err, amqp.ErrClosed) {
		return Classified{Kind: KindTransient, Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return Classified{Kind: classifyPgCode(pgErr.Code), Cause: err}
	}
	if pgconn.Timeout(err) {
		return Classified{Kind: KindTransient, Cause: err}
	}
	// pgx wraps dial failures in plain errors; catch the common shape.
	if strings.Contains(err.Error(), "failed to connect") {
		return Classified{Kind: KindTransient, Cause: err}
	}

	return Classified{Kind: KindPermanent, Cause: err}
}

func classifyPgCode(code string) ErrKind {
	switch code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03", // lock_not_available
		"57014", // query_canceled (statement_timeout)
		"57P03": // cannot_connect_now
		return KindTransient
	}
	switch {
	case strings.HasPrefix(code, "08"): // connection exceptions
		return KindTransient
	case strings.HasPrefix(code, "53"): // insufficient resources
		return KindTransient
	}
	// 22xxx data errors, 23xxx integrity violations, 42xxx syntax/access:
	// retrying cannot succeed.
	return KindPermanent
}
