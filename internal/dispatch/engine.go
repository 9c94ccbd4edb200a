package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onex-io/substrate/internal/bus"
	"github.com/onex-io/substrate/internal/event"
)

// Defaults for subscription tuning.
const (
	DefaultWorkers        = 4
	DefaultHandlerTimeout = 30 * time.Second
	DefaultMaxAttempts    = 5
)

// Dead-letter error codes assigned by the engine itself.
const (
	CodeDecodeFailed     = "DECODE_FAILED"
	CodeRetriesExhausted = "RETRIES_EXHAUSTED"
)

// Engine errors.
var (
	// ErrEngineStarted indicates a registration after Start.
	ErrEngineStarted = errors.New("dispatch engine already started")

	// ErrSubscriptionInvalid indicates a subscription missing required fields.
	ErrSubscriptionInvalid = errors.New("invalid subscription")
)

type (
	// Handler processes one envelope and reports its disposition. Handlers
	// must be idempotent: at-least-once delivery means duplicates reach them
	// whenever the idempotency gate's record has expired.
	Handler interface {
		Handle(ctx context.Context, env event.Envelope) Result
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc func(ctx context.Context, env event.Envelope) Result

	// IdempotencyGate claims and releases dispatch-level idempotency keys.
	IdempotencyGate interface {
		MarkProcessed(ctx context.Context, key string) (bool, error)
		Release(ctx context.Context, key string) error
	}

	// Subscription binds one topic to one handler with its worker pool and
	// retry policy.
	Subscription struct {
		// Name identifies the subscription; it suffixes the consumer group.
		Name string

		// Topic is the subscribed topic.
		Topic event.Topic

		// Handler receives every decoded envelope.
		Handler Handler

		// Workers bounds the pool. Envelopes from one partition always run
		// on the same worker, preserving per-partition order.
		Workers int

		// HandlerTimeout is the per-envelope deadline.
		HandlerTimeout time.Duration

		// MaxAttempts bounds retryable failures before dead-lettering.
		MaxAttempts int
	}

	// ConsumerFactory opens a consumer for a subscription. Injected so tests
	// can run the engine against an in-memory bus.
	ConsumerFactory func(topic event.Topic, subscription string) (bus.Consumer, error)

	// Engine owns the fetch loops and worker pools for all subscriptions.
	Engine struct {
		consumers ConsumerFactory
		publisher bus.Publisher
		gate      IdempotencyGate
		backoff   bus.Backoff
		logger    *slog.Logger

		mu            sync.Mutex
		subscriptions []Subscription
		started       bool
		cancel        context.CancelFunc
		wg            sync.WaitGroup
		closers       []bus.Consumer
	}
)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env event.Envelope) Result {
	return f(ctx, env)
}

// NewEngine creates a dispatch engine.
func NewEngine(consumers ConsumerFactory, publisher bus.Publisher, gate IdempotencyGate, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		consumers: consumers,
		publisher: publisher,
		gate:      gate,
		backoff:   bus.DefaultBackoff(),
		logger:    logger,
	}
}

// Register adds a subscription. Must be called before Start.
func (e *Engine) Register(sub Subscription) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrEngineStarted
	}

	if sub.Name == "" || sub.Handler == nil || sub.Topic.IsZero() {
		return fmt.Errorf("%w: name, topic, and handler are required", ErrSubscriptionInvalid)
	}

	if sub.Workers <= 0 {
		sub.Workers = DefaultWorkers
	}

	if sub.HandlerTimeout <= 0 {
		sub.HandlerTimeout = DefaultHandlerTimeout
	}

	if sub.MaxAttempts <= 0 {
		sub.MaxAttempts = DefaultMaxAttempts
	}

	e.subscriptions = append(e.subscriptions, sub)

	return nil
}

// Start opens one consumer per subscription and launches its fetch loop and
// worker pool. Runs until Stop or context cancellation.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrEngineStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true

	for _, sub := range e.subscriptions {
		consumer, err := e.consumers(sub.Topic, sub.Name)
		if err != nil {
			cancel()

			return fmt.Errorf("failed to open consumer for %s: %w", sub.Name, err)
		}

		e.closers = append(e.closers, consumer)

		e.startSubscription(runCtx, sub, consumer)
	}

	e.logger.Info("dispatch engine started", "subscriptions", len(e.subscriptions))

	return nil
}

// Stop cancels all fetch loops, drains the workers, and closes the consumers.
func (e *Engine) Stop() {
	e.mu.Lock()

	if !e.started {
		e.mu.Unlock()

		return
	}

	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, consumer := range e.closers {
		_ = consumer.Close()
	}

	e.closers = nil
	e.started = false

	e.logger.Info("dispatch engine stopped")
}

// startSubscription launches the worker pool and the fetch loop for one
// subscription. The fetch loop routes each delivery to the worker owning its
// partition, so one partition's envelopes are handled serially.
func (e *Engine) startSubscription(ctx context.Context, sub Subscription, consumer bus.Consumer) {
	channels := make([]chan bus.Delivery, sub.Workers)

	for i := range channels {
		channels[i] = make(chan bus.Delivery)

		e.wg.Add(1)

		go func(ch <-chan bus.Delivery) {
			defer e.wg.Done()

			for delivery := range ch {
				e.process(ctx, sub, consumer, delivery)
			}
		}(channels[i])
	}

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer func() {
			for _, ch := range channels {
				close(ch)
			}
		}()

		for {
			delivery, err := consumer.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}

				if errors.Is(err, event.ErrDecodeFailed) {
					e.deadLetterPoison(ctx, sub, consumer, delivery, err)

					continue
				}

				e.logger.Error("fetch failed",
					"subscription", sub.Name,
					"error", err)

				select {
				case <-ctx.Done():
					return
				case <-time.After(e.backoff.Delay(0)):
				}

				continue
			}

			worker := delivery.Partition % sub.Workers
			if worker < 0 {
				worker = 0
			}

			select {
			case <-ctx.Done():
				return
			case channels[worker] <- delivery:
			}
		}
	}()
}

// process runs one delivery through the idempotency gate, the handler, and
// the retry/dead-letter policy, then commits.
func (e *Engine) process(ctx context.Context, sub Subscription, consumer bus.Consumer, delivery bus.Delivery) {
	env := delivery.Envelope
	key := env.IdempotencyKey()

	claimed, err := e.gate.MarkProcessed(ctx, key)
	if err != nil {
		// Cannot establish exactly-once state: leave uncommitted so the
		// envelope is redelivered.
		e.logger.Error("idempotency gate unavailable",
			"subscription", sub.Name,
			"event_id", env.EventID,
			"error", err)

		return
	}

	if !claimed {
		e.logger.DebugContext(ctx, "duplicate envelope acked",
			"subscription", sub.Name,
			"event_id", env.EventID)

		e.commit(ctx, sub, consumer, delivery)

		return
	}

	for attempt := 0; ; attempt++ {
		result := e.invoke(ctx, sub, env)

		switch result.Kind {
		case KindApplied, KindAlreadyApplied:
			e.commit(ctx, sub, consumer, delivery)

			return

		case KindNonRetryableFailure:
			e.deadLetter(ctx, sub, env, result.Code, result.Reason)
			e.commit(ctx, sub, consumer, delivery)

			return

		case KindRetryableFailure:
			if attempt+1 >= sub.MaxAttempts {
				e.deadLetter(ctx, sub, env, CodeRetriesExhausted, result.Reason)
				e.commit(ctx, sub, consumer, delivery)

				return
			}

			e.logger.WarnContext(ctx, "handler failed, retrying",
				"subscription", sub.Name,
				"event_id", env.EventID,
				"attempt", attempt+1,
				"reason", result.Reason)

			select {
			case <-ctx.Done():
				// Shutdown mid-retry: release the claim so the redelivered
				// envelope is not mistaken for a duplicate.
				e.release(env, key)

				return
			case <-time.After(e.backoff.Delay(attempt)):
			}
		}
	}
}

// invoke runs the handler under the subscription deadline, converting panics
// into non-retryable failures.
func (e *Engine) invoke(ctx context.Context, sub Subscription, env event.Envelope) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panicked",
				"subscription", sub.Name,
				"event_id", env.EventID,
				"panic", r)

			result = NonRetryable("HANDLER_PANIC", fmt.Sprintf("%v", r))
		}
	}()

	handleCtx, cancel := context.WithTimeout(ctx, sub.HandlerTimeout)
	defer cancel()

	return sub.Handler.Handle(handleCtx, env)
}

func (e *Engine) commit(ctx context.Context, sub Subscription, consumer bus.Consumer, delivery bus.Delivery) {
	if err := consumer.Commit(ctx, delivery); err != nil && ctx.Err() == nil {
		e.logger.Error("commit failed",
			"subscription", sub.Name,
			"offset", delivery.Offset,
			"error", err)
	}
}

func (e *Engine) deadLetter(ctx context.Context, sub Subscription, env event.Envelope, code, reason string) {
	if err := e.publisher.PublishDeadLetter(ctx, env, code, reason); err != nil && ctx.Err() == nil {
		e.logger.Error("dead-letter publish failed",
			"subscription", sub.Name,
			"event_id", env.EventID,
			"error", err)
	}
}

// deadLetterPoison handles a delivery whose bytes never decoded into an
// envelope. The raw bytes go to the subscription topic's dead-letter queue
// and the offset is committed so the poison message is not redelivered.
func (e *Engine) deadLetterPoison(ctx context.Context, sub Subscription, consumer bus.Consumer, delivery bus.Delivery, decodeErr error) {
	e.logger.WarnContext(ctx, "poison message dead-lettered",
		"subscription", sub.Name,
		"partition", delivery.Partition,
		"offset", delivery.Offset,
		"error", decodeErr)

	// Wrap the undecodable bytes in a minimal envelope so the DLQ carries
	// the evidence. The raw bytes may not be JSON, so they travel quoted.
	payload, err := json.Marshal(map[string]string{"raw": string(delivery.RawValue())})
	if err != nil {
		payload = []byte(`{"raw":""}`)
	}

	poison := event.New(sub.Topic, "PoisonMessage", "unknown", time.Now().UTC(), payload)

	e.deadLetter(ctx, sub, poison, CodeDecodeFailed, decodeErr.Error())
	e.commit(ctx, sub, consumer, delivery)
}

// release drops an idempotency claim during shutdown. Uses a fresh context
// because the engine context is already cancelled.
func (e *Engine) release(env event.Envelope, key string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.gate.Release(releaseCtx, key); err != nil {
		e.logger.Error("failed to release idempotency key",
			"event_id", env.EventID,
			"error", err)
	}
}
