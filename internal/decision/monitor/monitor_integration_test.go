package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"golang.org/x/time/rate"

	"github.com/onex-io/substrate/internal/config"
	"github.com/onex-io/substrate/internal/decision"
	"github.com/onex-io/substrate/internal/dispatch"
	"github.com/onex-io/substrate/internal/event"
	"github.com/onex-io/substrate/internal/lifecycle"
	"github.com/onex-io/substrate/internal/pattern"
	"github.com/onex-io/substrate/internal/store"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []event.Envelope
}

func (p *capturePublisher) Publish(_ context.Context, env event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, env)

	return nil
}

func (p *capturePublisher) PublishDeadLetter(context.Context, event.Envelope, string, string) error {
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) byType(eventType string) []event.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []event.Envelope

	for _, env := range p.events {
		if env.EventType == eventType {
			out = append(out, env)
		}
	}

	return out
}

type monitorFixture struct {
	records   *store.DecisionStore
	patterns  *store.PatternStore
	alerts    *AlertRegistry
	handler   *Handler
	published *capturePublisher
	registry  *event.Registry
}

func setupMonitor(ctx context.Context, t *testing.T, limiter *rate.Limiter) *monitorFixture {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := store.NewConnectionFromDB(testDB.Connection)

	patterns, err := store.NewPatternStore(conn, pattern.DefaultThresholds(), nil)
	require.NoError(t, err)

	records, err := store.NewDecisionStore(conn, nil)
	require.NoError(t, err)

	registry := event.NewDefaultRegistry("test")
	published := &capturePublisher{}
	emitter := lifecycle.NewEmitter(published, registry)
	alerts := NewAlertRegistry(time.Hour)

	return &monitorFixture{
		records:   records,
		patterns:  patterns,
		alerts:    alerts,
		handler:   NewHandler(records, patterns, alerts, emitter, published, registry, limiter, nil),
		published: published,
		registry:  registry,
	}
}

func (f *monitorFixture) decisionCommand(t *testing.T, record decision.Record) event.Envelope {
	t.Helper()

	spec, err := f.registry.Lookup(event.TopicDecisionRecorded)
	require.NoError(t, err)

	raw, err := json.Marshal(record)
	require.NoError(t, err)

	return event.New(spec.Topic, TypeDecisionRecorded, record.CorrelationID, time.Now().UTC(), raw)
}

func patternDecision(decisionID, chosen, rationale string, candidates []decision.Candidate) decision.Record {
	return decision.Record{
		DecisionID:     decisionID,
		DecisionType:   "pattern",
		Candidates:     candidates,
		ChosenID:       chosen,
		TieBreaker:     decision.TieBreakLowestCost,
		AgentRationale: rationale,
		CorrelationID:  "corr-monitor-1",
		RecordedAt:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMonitor_ConsistentDecisionPersists(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	f := setupMonitor(ctx, t, nil)

	record := patternDecision("dec-1", "pat-a", "chose pat-a for the highest score",
		[]decision.Candidate{
			{CandidateID: "pat-a", Score: 0.9, Cost: 1.0},
			{CandidateID: "pat-b", Score: 0.4, Cost: 2.0},
		})

	result := f.handler.Handle(ctx, f.decisionCommand(t, record))
	require.Equal(t, dispatch.KindApplied, result.Kind, "result: %s", result)

	saved, err := f.records.GetRecord(ctx, "dec-1")
	require.NoError(t, err)
	assert.Equal(t, "pat-a", saved.ChosenID)

	assert.Empty(t, f.published.byType(TypeDecisionMismatchDetected))

	// A replay of the same decision ID acks without duplicating the record.
	result = f.handler.Handle(ctx, f.decisionCommand(t, record))
	assert.Equal(t, dispatch.KindAlreadyApplied, result.Kind)
}

func TestMonitor_BlockerBlacklistsPattern(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	f := setupMonitor(ctx, t, nil)

	created, err := f.patterns.UpsertPattern(ctx, store.UpsertRequest{Signature: "retry with backoff"})
	require.NoError(t, err)

	// The rationale claims cheapest while the chosen pattern is the most
	// expensive candidate: a BLOCKER mismatch.
	record := patternDecision("dec-2", created.Pattern.PatternID,
		"injected it because it was the cheapest",
		[]decision.Candidate{
			{CandidateID: created.Pattern.PatternID, Score: 0.9, Cost: 9.0},
			{CandidateID: "pat-other", Score: 0.2, Cost: 1.0},
		})

	result := f.handler.Handle(ctx, f.decisionCommand(t, record))
	require.Equal(t, dispatch.KindApplied, result.Kind, "result: %s", result)

	// Mismatch signal emitted with the offending pattern attached.
	signals := f.published.byType(TypeDecisionMismatchDetected)
	require.NotEmpty(t, signals)

	payload, err := event.DecodePayload[MismatchDetectedEvent](signals[0])
	require.NoError(t, err)
	assert.Equal(t, created.Pattern.PatternID, payload.PatternID)
	assert.Equal(t, "corr-monitor-1", signals[0].CorrelationID)

	// The anti-gaming alert is active and the pattern is blacklisted.
	active, err := f.alerts.ActiveAlert(ctx, created.Pattern.PatternID)
	require.NoError(t, err)
	assert.True(t, active)

	current, err := f.patterns.GetPattern(ctx, created.Pattern.PatternID)
	require.NoError(t, err)
	assert.Equal(t, pattern.StatusBlacklisted, current.LifecycleStatus)

	demoted := f.published.byType(lifecycle.TypePatternDemoted)
	require.Len(t, demoted, 1)
}

func TestMonitor_WarnDoesNotEscalate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	f := setupMonitor(ctx, t, nil)

	created, err := f.patterns.UpsertPattern(ctx, store.UpsertRequest{Signature: "retry with backoff"})
	require.NoError(t, err)

	// Unsupported cost claim, but the chosen pattern is neither cheapest nor
	// most expensive and it wins the replay: WARN only.
	record := patternDecision("dec-3", created.Pattern.PatternID,
		"went with it for the lower cost",
		[]decision.Candidate{
			{CandidateID: created.Pattern.PatternID, Score: 0.9, Cost: 2.0},
			{CandidateID: "pat-cheap", Score: 0.1, Cost: 1.0},
			{CandidateID: "pat-pricey", Score: 0.1, Cost: 3.0},
		})

	result := f.handler.Handle(ctx, f.decisionCommand(t, record))
	require.Equal(t, dispatch.KindApplied, result.Kind, "result: %s", result)

	require.Len(t, f.published.byType(TypeDecisionMismatchDetected), 1)

	current, err := f.patterns.GetPattern(ctx, created.Pattern.PatternID)
	require.NoError(t, err)
	assert.Equal(t, pattern.StatusCandidate, current.LifecycleStatus)

	active, err := f.alerts.ActiveAlert(ctx, created.Pattern.PatternID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestMonitor_FloodControlDropsSignals(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	// One signal allowed, the rest dropped.
	f := setupMonitor(ctx, t, rate.NewLimiter(rate.Limit(0.0001), 1))

	for i, id := range []string{"dec-10", "dec-11", "dec-12"} {
		record := patternDecision(id, "pat-a", "",
			[]decision.Candidate{{CandidateID: "pat-a", Score: 0.5, Cost: 1.0}})
		record.DecisionType = "route"

		result := f.handler.Handle(ctx, f.decisionCommand(t, record))
		require.Equal(t, dispatch.KindApplied, result.Kind, "decision %d", i)
	}

	// Each empty rationale is an INFO mismatch; flood control let one through.
	assert.Len(t, f.published.byType(TypeDecisionMismatchDetected), 1)
}

func TestMonitor_InvalidRecordDeadLetters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	f := setupMonitor(ctx, t, nil)

	record := decision.Record{
		DecisionID:    "dec-bad",
		DecisionType:  "pattern",
		Candidates:    []decision.Candidate{{CandidateID: "pat-a"}},
		ChosenID:      "pat-missing",
		CorrelationID: "corr-monitor-1",
		RecordedAt:    time.Now().UTC(),
	}

	result := f.handler.Handle(ctx, f.decisionCommand(t, record))
	assert.Equal(t, dispatch.KindNonRetryableFailure, result.Kind)
	assert.Equal(t, CodeRecordInvalid, result.Code)
}
