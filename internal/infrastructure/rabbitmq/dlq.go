package rabbitmq

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DLQReason names why a message was dead-lettered.
type DLQReason string

const (
	ReasonJSONDecode          DLQReason = "json_decode"
	ReasonInvalidDocumentType DLQReason = "invalid_document_type"
	ReasonMinimalEvent        DLQReason = "minimal_event"
	ReasonPermanentBusiness   DLQReason = "permanent_business"
)

// DLQEnvelope is the structured record written to the dead-letter queue.
// The raw body is base64-encoded so even undecodable bytes survive intact;
// Decoded is set when the body was at least valid JSON.
type DLQEnvelope struct {
	FailedAt time.Time `json:"failed_at"`
	Reason   DLQReason `json:"reason"`
	Source   struct {
		Queue       string `json:"queue"`
		RoutingKey  string `json:"routing_key"`
		DeliveryTag uint64 `json:"delivery_tag"`
	} `json:"source"`
	Payload struct {
		RawValueB64 string         `json:"raw_value_b64"`
		Decoded     map[string]any `json:"decoded,omitempty"`
	} `json:"payload"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewDLQEnvelope builds the envelope for one failed delivery.
func NewDLQEnvelope(d amqp.Delivery, queue string, reason DLQReason, cause error) DLQEnvelope {
	env := DLQEnvelope{
		FailedAt: time.Now().UTC(),
		Reason:   reason,
	}
	env.Source.Queue = queue
	env.Source.RoutingKey = d.RoutingKey
	env.Source.DeliveryTag = d.DeliveryTag
	env.Payload.RawValueB64 = base64.StdEncoding.EncodeToString(d.Body)

	var decoded map[string]any
	if err := json.Unmarshal(d.Body, &decoded); err == nil {
		env.Payload.Decoded = decoded
	}

	if cause != nil {
		env.Error.Type = fmt.Sprintf("%T", cause)
		env.Error.Message = cause.Error()
	}
	return env
}

// MessagePublisher is the publishing surface consumers depend on; tests
// substitute a fake.
type MessagePublisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, headers amqp.Table) error
	PublishMessage(ctx context.Context, routingKey string, msg amqp.Publishing) error
}

// PublishDLQ sends the envelope to the dead-letter routing key.
func PublishDLQ(ctx context.Context, pub MessagePublisher, dlqKey string, env DLQEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("dlq marshal: %w", err)
	}
	return pub.Publish(ctx, dlqKey, body, amqp.Table{
		"sb_dlq_reason": string(env.Reason),
	})
}
