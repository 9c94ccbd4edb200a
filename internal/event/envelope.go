// Package event provides the typed event envelope and topic registry for the
// substrate's message bus surface.
//
// Every event crossing a component boundary is wrapped in an immutable
// Envelope. Producers supply emitted_at explicitly (never defaulted to
// wall-clock at construction) so replays and tests stay deterministic, and
// correlation IDs propagate unchanged through every derived event.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for envelope validation.
var (
	// ErrEventIDEmpty indicates event_id is required.
	ErrEventIDEmpty = errors.New("event_id cannot be empty")

	// ErrTopicEmpty indicates the envelope has no topic.
	ErrTopicEmpty = errors.New("topic cannot be empty")

	// ErrEventTypeEmpty indicates event_type is required.
	ErrEventTypeEmpty = errors.New("event_type cannot be empty")

	// ErrCorrelationIDEmpty indicates correlation_id is required.
	ErrCorrelationIDEmpty = errors.New("correlation_id cannot be empty")

	// ErrEmittedAtZero indicates the producer did not supply emitted_at.
	ErrEmittedAtZero = errors.New("emitted_at cannot be zero: producers must supply it explicitly")

	// ErrSchemaVersionInvalid indicates schema_version is missing or not positive.
	ErrSchemaVersionInvalid = errors.New("schema_version must be a positive integer")

	// ErrPayloadEmpty indicates the envelope carries no payload.
	ErrPayloadEmpty = errors.New("payload cannot be empty")
)

// Envelope is the universal wire record for events and commands.
//
// Envelopes are value types and treated as immutable after construction:
// handlers receive a copy and derive child envelopes via Derive rather than
// mutating fields in place.
type Envelope struct {
	// EventID uniquely identifies this delivery for idempotency gating.
	EventID string

	// Topic is the fully qualified canonical topic the envelope travels on.
	Topic Topic

	// EventType names the payload type within the topic's schema version.
	EventType string

	// CorrelationID establishes the causal chain. Derived events inherit it
	// unchanged (correlation closure).
	CorrelationID string

	// EmittedAt is producer-supplied event time, never arrival time.
	EmittedAt time.Time

	// SchemaVersion is the payload schema version; must match the topic's
	// registered version.
	SchemaVersion int

	// PartitionKey selects the bus partition. Topics that mutate a single
	// pattern's state set this to the signature hash to guarantee
	// per-pattern ordering.
	PartitionKey string

	// Payload is the typed payload, JSON-encoded.
	Payload json.RawMessage
}

// New constructs an envelope with a fresh event ID.
//
// emittedAt is required: passing time.Now() at a call site is a producer
// decision, not an envelope default.
func New(topic Topic, eventType, correlationID string, emittedAt time.Time, payload json.RawMessage) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		Topic:         topic,
		EventType:     eventType,
		CorrelationID: correlationID,
		EmittedAt:     emittedAt,
		SchemaVersion: topic.Version,
		Payload:       payload,
	}
}

// WithPartitionKey returns a copy of the envelope carrying the given partition key.
func (e Envelope) WithPartitionKey(key string) Envelope {
	e.PartitionKey = key

	return e
}

// Derive constructs a child envelope on another topic, inheriting this
// envelope's correlation ID. This is the only sanctioned way for handlers to
// emit follow-up events; it enforces the correlation closure invariant.
func (e Envelope) Derive(topic Topic, eventType string, emittedAt time.Time, payload json.RawMessage) Envelope {
	child := New(topic, eventType, e.CorrelationID, emittedAt, payload)

	return child
}

// Validate checks the envelope invariants.
//
// Validation failures are non-retryable (the envelope routes to the DLQ).
func (e Envelope) Validate() error {
	if e.EventID == "" {
		return ErrEventIDEmpty
	}

	if e.Topic.IsZero() {
		return ErrTopicEmpty
	}

	if e.EventType == "" {
		return ErrEventTypeEmpty
	}

	if e.CorrelationID == "" {
		return ErrCorrelationIDEmpty
	}

	if e.EmittedAt.IsZero() {
		return ErrEmittedAtZero
	}

	if e.SchemaVersion <= 0 {
		return ErrSchemaVersionInvalid
	}

	if e.SchemaVersion != e.Topic.Version {
		return fmt.Errorf("%w: envelope has v%d but topic %s is v%d",
			ErrSchemaVersionInvalid, e.SchemaVersion, e.Topic, e.Topic.Version)
	}

	if len(e.Payload) == 0 {
		return ErrPayloadEmpty
	}

	return nil
}

// IdempotencyKey returns the dispatch-level idempotency key for this delivery.
// Duplicate deliveries of the same (topic, event_id) short-circuit to ack.
func (e Envelope) IdempotencyKey() string {
	return e.Topic.String() + "/" + e.EventID
}
