package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/onex-io/substrate/internal/event"
)

// Dead-letter message headers.
const (
	HeaderDLQReason = "dlq-reason"
	HeaderDLQCode   = "dlq-error-code"
)

// Publisher is the outbound side of the bus.
type Publisher interface {
	// Publish writes an envelope to its topic.
	Publish(ctx context.Context, env event.Envelope) error

	// PublishDeadLetter routes a poison envelope to its domain's dead-letter
	// topic, preserving the original wire bytes and attaching the failure
	// reason as headers.
	PublishDeadLetter(ctx context.Context, env event.Envelope, code, reason string) error

	// Close flushes and closes all writers.
	Close() error
}

// KafkaPublisher writes envelopes with one kafka.Writer per topic, created
// lazily. Topics that mutate a single pattern's state use a hash balancer on
// the partition key so one lineage is always handled in order; fan-out topics
// round-robin.
type KafkaPublisher struct {
	cfg      *Config
	registry *event.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	closed  bool
}

// Compile-time interface check.
var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher over the given brokers and topic
// registry.
func NewKafkaPublisher(cfg *Config, registry *event.Registry, logger *slog.Logger) (*KafkaPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bus configuration: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &KafkaPublisher{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		writers:  make(map[string]*kafka.Writer),
	}, nil
}

// Publish encodes and writes one envelope. The message key is the envelope's
// partition key on hash-partitioned topics and empty otherwise.
func (p *KafkaPublisher) Publish(ctx context.Context, env event.Envelope) error {
	data, err := event.Encode(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	partitioning := p.partitioningFor(env.Topic)

	writer, err := p.writerFor(env.Topic.String(), partitioning)
	if err != nil {
		return err
	}

	msg := kafka.Message{Value: data}
	if partitioning == event.PartitionByPatternKey {
		msg.Key = []byte(env.PartitionKey)
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to %s: %w", env.Topic.String(), err)
	}

	p.logger.DebugContext(ctx, "envelope published",
		"topic", env.Topic.String(),
		"event_id", env.EventID,
		"correlation_id", env.CorrelationID)

	return nil
}

// PublishDeadLetter writes the envelope's wire form to the domain dead-letter
// topic with the failure classification attached as headers.
func (p *KafkaPublisher) PublishDeadLetter(ctx context.Context, env event.Envelope, code, reason string) error {
	data, err := event.Encode(env)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter envelope: %w", err)
	}

	dlq := env.Topic.DeadLetter()

	writer, err := p.writerFor(dlq.String(), event.PartitionRoundRobin)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Value: data,
		Headers: []kafka.Header{
			{Key: HeaderDLQCode, Value: []byte(code)},
			{Key: HeaderDLQReason, Value: []byte(reason)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to %s: %w", dlq.String(), err)
	}

	p.logger.WarnContext(ctx, "envelope dead-lettered",
		"topic", env.Topic.String(),
		"dlq", dlq.String(),
		"event_id", env.EventID,
		"code", code,
		"reason", reason)

	return nil
}

// Close closes all writers. The publisher cannot be reused afterwards.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	var firstErr error

	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close writer for %s: %w", topic, err)
		}
	}

	p.writers = make(map[string]*kafka.Writer)

	return firstErr
}

// partitioningFor resolves a topic's partition strategy from the registry.
// Unregistered topics (dead letters, external topics) fall back to
// round-robin.
func (p *KafkaPublisher) partitioningFor(topic event.Topic) event.Partitioning {
	if p.registry == nil {
		return event.PartitionRoundRobin
	}

	spec, err := p.registry.Lookup(topic.Name)
	if err != nil {
		return event.PartitionRoundRobin
	}

	return spec.Partitioning
}

func (p *KafkaPublisher) writerFor(topic string, partitioning event.Partitioning) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("publisher is closed")
	}

	if writer, ok := p.writers[topic]; ok {
		return writer, nil
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(p.cfg.Brokers...),
		Topic:                  topic,
		Balancer:               balancerFor(partitioning),
		BatchTimeout:           p.cfg.BatchTimeout,
		WriteTimeout:           p.cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	p.writers[topic] = writer

	return writer, nil
}

// balancerFor maps a partition strategy to a kafka-go balancer.
func balancerFor(partitioning event.Partitioning) kafka.Balancer {
	if partitioning == event.PartitionByPatternKey {
		return &kafka.Hash{}
	}

	return &kafka.RoundRobin{}
}
