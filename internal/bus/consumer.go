package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/onex-io/substrate/internal/event"
)

type (
	// Delivery is one fetched message. Raw is kept so a delivery whose
	// payload failed to decode can still be committed after dead-lettering.
	Delivery struct {
		Envelope  event.Envelope
		Partition int
		Offset    int64
		raw       kafka.Message
	}

	// Consumer is the inbound side of the bus for one subscription.
	Consumer interface {
		// Fetch blocks until a message arrives. A decode failure returns the
		// delivery with its raw bytes alongside a wrapped ErrDecodeFailed so
		// the caller can dead-letter and commit it.
		Fetch(ctx context.Context) (Delivery, error)

		// Commit acknowledges a delivery. Uncommitted deliveries are
		// redelivered after a rebalance or restart.
		Commit(ctx context.Context, d Delivery) error

		// Close shuts down the reader.
		Close() error
	}
)

// KafkaConsumer reads one topic through a consumer group. Offsets are
// committed explicitly after handling, so at-least-once delivery holds and
// handler idempotency absorbs the duplicates.
type KafkaConsumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

var _ Consumer = (*KafkaConsumer)(nil)

// NewKafkaConsumer creates a consumer-group reader for a topic. The group ID
// is the configured prefix joined with the subscription name, so independent
// subscriptions track independent offsets.
func NewKafkaConsumer(cfg *Config, topic event.Topic, subscription string, logger *slog.Logger) (*KafkaConsumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bus configuration: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    topic.String(),
		GroupID:  cfg.GroupIDPrefix + "." + subscription,
		MinBytes: cfg.ReadMinBytes,
		MaxBytes: cfg.ReadMaxBytes,
		MaxWait:  cfg.MaxWait,
	})

	return &KafkaConsumer{reader: reader, logger: logger}, nil
}

// Fetch blocks until the next message is available.
func (c *KafkaConsumer) Fetch(ctx context.Context) (Delivery, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Delivery{}, fmt.Errorf("failed to fetch message: %w", err)
	}

	delivery := Delivery{
		Partition: msg.Partition,
		Offset:    msg.Offset,
		raw:       msg,
	}

	env, err := event.Decode(msg.Value)
	if err != nil {
		// Poison message: hand it back with the decode failure so the
		// dispatcher can dead-letter and commit it.
		return delivery, err
	}

	delivery.Envelope = env

	return delivery, nil
}

// Commit acknowledges the delivery's offset.
func (c *KafkaConsumer) Commit(ctx context.Context, d Delivery) error {
	if err := c.reader.CommitMessages(ctx, d.raw); err != nil {
		return fmt.Errorf("failed to commit offset %d: %w", d.Offset, err)
	}

	return nil
}

// Close shuts down the reader and leaves the consumer group.
func (c *KafkaConsumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}

	return nil
}

// RawValue exposes the undecoded message bytes of a delivery. Used when
// dead-lettering a payload that never decoded into an envelope.
func (d Delivery) RawValue() []byte {
	return d.raw.Value
}
