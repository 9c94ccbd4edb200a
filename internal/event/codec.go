package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDecodeFailed indicates an envelope could not be decoded from the wire.
// Decode failures are non-retryable (the raw message routes to the DLQ).
var ErrDecodeFailed = errors.New("envelope decode failed")

// wireEnvelope is the JSON wire representation of an Envelope.
//
// The topic travels as its canonical string form; emitted_at as RFC3339Nano.
type wireEnvelope struct {
	EventID       string          `json:"event_id"`                //nolint:tagliatelle
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`              //nolint:tagliatelle
	CorrelationID string          `json:"correlation_id"`          //nolint:tagliatelle
	EmittedAt     string          `json:"emitted_at"`              //nolint:tagliatelle
	SchemaVersion int             `json:"schema_version"`          //nolint:tagliatelle
	PartitionKey  string          `json:"partition_key,omitempty"` //nolint:tagliatelle
	Payload       json.RawMessage `json:"payload"`
}

// Encode serializes a validated envelope to its wire form.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	wire := wireEnvelope{
		EventID:       e.EventID,
		Topic:         e.Topic.String(),
		EventType:     e.EventType,
		CorrelationID: e.CorrelationID,
		EmittedAt:     e.EmittedAt.UTC().Format(time.RFC3339Nano),
		SchemaVersion: e.SchemaVersion,
		PartitionKey:  e.PartitionKey,
		Payload:       e.Payload,
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	return data, nil
}

// Decode parses the wire form back into an Envelope and validates it.
//
// Encoding an envelope and decoding it yields an equal value (round-trip law);
// EmittedAt is normalized to UTC on both sides.
func Decode(data []byte) (Envelope, error) {
	var wire wireEnvelope

	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}

	topic, err := ParseTopic(wire.Topic)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}

	emittedAt, err := time.Parse(time.RFC3339Nano, wire.EmittedAt)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: invalid emitted_at %q: %w", ErrDecodeFailed, wire.EmittedAt, err)
	}

	envelope := Envelope{
		EventID:       wire.EventID,
		Topic:         topic,
		EventType:     wire.EventType,
		CorrelationID: wire.CorrelationID,
		EmittedAt:     emittedAt.UTC(),
		SchemaVersion: wire.SchemaVersion,
		PartitionKey:  wire.PartitionKey,
		Payload:       wire.Payload,
	}

	if err := envelope.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}

	return envelope, nil
}

// DecodePayload decodes the envelope payload into a typed record.
// A schema mismatch here is a validation error and routes to the DLQ.
func DecodePayload[T any](e Envelope) (T, error) {
	var payload T

	decoder := json.NewDecoder(bytes.NewReader(e.Payload))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&payload); err != nil {
		return payload, fmt.Errorf("%w: payload does not match %s schema: %w", ErrDecodeFailed, e.EventType, err)
	}

	return payload, nil
}
