package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/onex-io/substrate/internal/bus"
	"github.com/onex-io/substrate/internal/event"
)

// fakeConsumer feeds scripted deliveries to the engine and records commits.
type fakeConsumer struct {
	deliveries chan fetchItem

	mu        sync.Mutex
	committed []int64
}

type fetchItem struct {
	delivery bus.Delivery
	err      error
}

func newFakeConsumer(buffer int) *fakeConsumer {
	return &fakeConsumer{deliveries: make(chan fetchItem, buffer)}
}

func (c *fakeConsumer) Fetch(ctx context.Context) (bus.Delivery, error) {
	select {
	case <-ctx.Done():
		return bus.Delivery{}, ctx.Err()
	case item := <-c.deliveries:
		return item.delivery, item.err
	}
}

func (c *fakeConsumer) Commit(_ context.Context, d bus.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.committed = append(c.committed, d.Offset)

	return nil
}

func (c *fakeConsumer) Close() error { return nil }

func (c *fakeConsumer) committedOffsets() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]int64, len(c.committed))
	copy(out, c.committed)

	return out
}

// fakePublisher records dead-lettered envelopes.
type fakePublisher struct {
	mu          sync.Mutex
	deadLetters []deadLetter
}

type deadLetter struct {
	env    event.Envelope
	code   string
	reason string
}

func (p *fakePublisher) Publish(context.Context, event.Envelope) error { return nil }

func (p *fakePublisher) PublishDeadLetter(_ context.Context, env event.Envelope, code, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.deadLetters = append(p.deadLetters, deadLetter{env: env, code: code, reason: reason})

	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) letters() []deadLetter {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]deadLetter, len(p.deadLetters))
	copy(out, p.deadLetters)

	return out
}

// fakeGate claims keys in memory.
type fakeGate struct {
	mu     sync.Mutex
	claims map[string]bool
}

func newFakeGate() *fakeGate {
	return &fakeGate{claims: make(map[string]bool)}
}

func (g *fakeGate) MarkProcessed(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.claims[key] {
		return false, nil
	}

	g.claims[key] = true

	return true, nil
}

func (g *fakeGate) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.claims, key)

	return nil
}

func testEnvelope(eventID string) event.Envelope {
	topic := event.NewTopic("test", event.KindCommand, "pattern-store", event.TopicPatternStore, 1)
	payload := json.RawMessage(`{"signature":"retry with backoff"}`)

	env := event.New(topic, "UpsertPattern", "corr-dispatch",
		time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), payload)
	env.EventID = eventID

	return env
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not met before deadline")
}

func newTestEngine(t *testing.T, consumer *fakeConsumer, publisher *fakePublisher, gate IdempotencyGate, handler Handler, maxAttempts int) (*Engine, func()) {
	t.Helper()

	factory := func(event.Topic, string) (bus.Consumer, error) {
		return consumer, nil
	}

	engine := NewEngine(factory, publisher, gate, nil)
	engine.backoff = bus.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2.0}

	require.NoError(t, engine.Register(Subscription{
		Name:        "test-sub",
		Topic:       event.NewTopic("test", event.KindCommand, "pattern-store", event.TopicPatternStore, 1),
		Handler:     handler,
		Workers:     2,
		MaxAttempts: maxAttempts,
	}))

	require.NoError(t, engine.Start(context.Background()))

	return engine, engine.Stop
}

func TestEngine_AppliesAndCommits(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	consumer := newFakeConsumer(4)
	publisher := &fakePublisher{}

	var handled sync.Map

	handler := HandlerFunc(func(_ context.Context, env event.Envelope) Result {
		handled.Store(env.EventID, true)

		return Applied()
	})

	_, stop := newTestEngine(t, consumer, publisher, newFakeGate(), handler, 3)
	defer stop()

	consumer.deliveries <- fetchItem{delivery: bus.Delivery{Envelope: testEnvelope("evt-1"), Offset: 1}}
	consumer.deliveries <- fetchItem{delivery: bus.Delivery{Envelope: testEnvelope("evt-2"), Offset: 2}}

	waitFor(t, time.Second, func() bool { return len(consumer.committedOffsets()) == 2 })

	_, ok := handled.Load("evt-1")
	assert.True(t, ok)
	_, ok = handled.Load("evt-2")
	assert.True(t, ok)
	assert.Empty(t, publisher.letters())
}

func TestEngine_DuplicateSkipsHandler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	consumer := newFakeConsumer(4)
	publisher := &fakePublisher{}

	var calls int32

	var mu sync.Mutex

	handler := HandlerFunc(func(context.Context, event.Envelope) Result {
		mu.Lock()
		calls++
		mu.Unlock()

		return Applied()
	})

	_, stop := newTestEngine(t, consumer, publisher, newFakeGate(), handler, 3)
	defer stop()

	// Same event delivered twice on the same partition.
	consumer.deliveries <- fetchItem{delivery: bus.Delivery{Envelope: testEnvelope("evt-dup"), Offset: 1}}
	consumer.deliveries <- fetchItem{delivery: bus.Delivery{Envelope: testEnvelope("evt-dup"), Offset: 2}}

	waitFor(t, time.Second, func() bool { return len(consumer.committedOffsets()) == 2 })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), calls, "duplicate must be acked without invoking the handler")
}

func TestEngine_RetryableEventuallySucceeds(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	consumer := newFakeConsumer(4)
	publisher := &fakePublisher{}

	var mu sync.Mutex

	attempts := 0

	handler := HandlerFunc(func(context.Context, event.Envelope) Result {
		mu.Lock()
		defer mu.Unlock()

		attempts++
		if attempts < 3 {
			return Retryable("transient database error")
		}

		return Applied()
	})

	_, stop := newTestEngine(t, consumer, publisher, newFakeGate(), handler, 5)
	defer stop()

	consumer.deliveries <- fetchItem{delivery: bus.Delivery{Envelope: testEnvelope("evt-retry"), Offset: 1}}

	waitFor(t, time.Second, func() bool { return len(consumer.committedOffsets()) == 1 })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
	assert.Empty(t, publisher.letters())
}

func TestEngine_RetriesExhaustedDeadLetters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	consumer := newFakeConsumer(4)
	publisher := &fakePublisher{}

	handler := HandlerFunc(func(context.Context, event.Envelope) Result {
		return Retryable("always failing")
	})

	_, stop := newTestEngine(t, consumer, publisher, newFakeGate(), handler, 2)
	defer stop()

	consumer.deliveries <- fetchItem{delivery: bus.Delivery{Envelope: testEnvelope("evt-exhaust"), Offset: 1}}

	waitFor(t, time.Second, func() bool { return len(consumer.committedOffsets()) == 1 })

	letters := publisher.letters()
	require.Len(t, letters, 1)
	assert.Equal(t, CodeRetriesExhausted, letters[0].code)
	assert.Equal(t, "evt-exhaust", letters[0].env.EventID)
}

func TestEngine_NonRetryableDeadLettersImmediately(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	consumer := newFakeConsumer(4)
	publisher := &fakePublisher{}

	var mu sync.Mutex

	calls := 0

	handler := HandlerFunc(func(context.Context, event.Envelope) Result {
		mu.Lock()
		calls++
		mu.Unlock()

		return NonRetryable("CONSTRAINT_VIOLATION", "malformed payload")
	})

	_, stop := newTestEngine(t, consumer, publisher, newFakeGate(), handler, 5)
	defer stop()

	consumer.deliveries <- fetchItem{delivery: bus.Delivery{Envelope: testEnvelope("evt-bad"), Offset: 1}}

	waitFor(t, time.Second, func() bool { return len(consumer.committedOffsets()) == 1 })

	mu.Lock()
	assert.Equal(t, 1, calls, "non-retryable failures must not retry")
	mu.Unlock()

	letters := publisher.letters()
	require.Len(t, letters, 1)
	assert.Equal(t, "CONSTRAINT_VIOLATION", letters[0].code)
}

func TestEngine_PanicBecomesNonRetryable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	consumer := newFakeConsumer(4)
	publisher := &fakePublisher{}

	handler := HandlerFunc(func(context.Context, event.Envelope) Result {
		panic("handler bug")
	})

	_, stop := newTestEngine(t, consumer, publisher, newFakeGate(), handler, 5)
	defer stop()

	consumer.deliveries <- fetchItem{delivery: bus.Delivery{Envelope: testEnvelope("evt-panic"), Offset: 1}}

	waitFor(t, time.Second, func() bool { return len(consumer.committedOffsets()) == 1 })

	letters := publisher.letters()
	require.Len(t, letters, 1)
	assert.Equal(t, "HANDLER_PANIC", letters[0].code)
}

func TestEngine_PoisonMessageDeadLettered(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	consumer := newFakeConsumer(4)
	publisher := &fakePublisher{}

	handler := HandlerFunc(func(context.Context, event.Envelope) Result {
		return Applied()
	})

	_, stop := newTestEngine(t, consumer, publisher, newFakeGate(), handler, 3)
	defer stop()

	consumer.deliveries <- fetchItem{
		delivery: bus.Delivery{Offset: 7},
		err:      fmt.Errorf("bad bytes: %w", event.ErrDecodeFailed),
	}

	waitFor(t, time.Second, func() bool { return len(consumer.committedOffsets()) == 1 })

	letters := publisher.letters()
	require.Len(t, letters, 1)
	assert.Equal(t, CodeDecodeFailed, letters[0].code)
	assert.Equal(t, []int64{7}, consumer.committedOffsets())
}

func TestEngine_RegisterAfterStartFails(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	consumer := newFakeConsumer(1)
	publisher := &fakePublisher{}

	handler := HandlerFunc(func(context.Context, event.Envelope) Result {
		return Applied()
	})

	engine, stop := newTestEngine(t, consumer, publisher, newFakeGate(), handler, 3)
	defer stop()

	err := engine.Register(Subscription{Name: "late", Handler: handler})
	assert.ErrorIs(t, err, ErrEngineStarted)
}

func TestEngine_RegisterValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := NewEngine(nil, nil, nil, nil)

	err := engine.Register(Subscription{})
	assert.ErrorIs(t, err, ErrSubscriptionInvalid)

	err = engine.Register(Subscription{Name: "no-handler", Topic: event.NewTopic("test", event.KindCommand, "d", "n", 1)})
	assert.ErrorIs(t, err, ErrSubscriptionInvalid)
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	defer goleak.VerifyNone(t)

	consumer := newFakeConsumer(1)

	handler := HandlerFunc(func(context.Context, event.Envelope) Result {
		return Applied()
	})

	engine, stop := newTestEngine(t, consumer, &fakePublisher{}, newFakeGate(), handler, 3)

	stop()
	stop()

	_ = engine
}
