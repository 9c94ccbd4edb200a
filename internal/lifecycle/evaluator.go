package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onex-io/substrate/internal/event"
	"github.com/onex-io/substrate/internal/pattern"
	"github.com/onex-io/substrate/internal/store"
)

// maxStaleRetries bounds optimistic-lock retries before giving up on an
// evaluation round. The next metrics update re-evaluates anyway.
const maxStaleRetries = 3

// evaluatorActor names the automatic evaluator in audit records.
const evaluatorActor = "lifecycle-evaluator"

type (
	// AlertSource answers whether a pattern has an active anti-gaming alert.
	// The mismatch detector implements it; promotion gates consult it.
	AlertSource interface {
		ActiveAlert(ctx context.Context, patternID string) (bool, error)
	}

	// Evaluator drives automatic promotion and demotion. After every metrics
	// update it inspects the refreshed projection, and when the next FSM edge's
	// gate holds it applies the transition and emits the lifecycle events.
	Evaluator struct {
		patterns   *store.PatternStore
		alerts     AlertSource
		emitter    *Emitter
		thresholds pattern.Thresholds
		logger     *slog.Logger
	}
)

// noAlerts is the AlertSource used when no detector is wired.
type noAlerts struct{}

func (noAlerts) ActiveAlert(context.Context, string) (bool, error) { return false, nil }

// NewEvaluator creates the automatic lifecycle evaluator. alerts may be nil.
func NewEvaluator(patterns *store.PatternStore, alerts AlertSource, emitter *Emitter,
	thresholds pattern.Thresholds, logger *slog.Logger,
) *Evaluator {
	if alerts == nil {
		alerts = noAlerts{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Evaluator{
		patterns:   patterns,
		alerts:     alerts,
		emitter:    emitter,
		thresholds: thresholds,
		logger:     logger,
	}
}

// nextEdge returns the forward edge the evaluator may attempt from a status.
func nextEdge(status pattern.LifecycleStatus) (pattern.LifecycleStatus, bool) {
	switch status {
	case pattern.StatusCandidate:
		return pattern.StatusProvisional, true
	case pattern.StatusProvisional:
		return pattern.StatusValidated, true
	case pattern.StatusValidated:
		return pattern.StatusDeprecated, true
	default:
		return "", false
	}
}

// Evaluate inspects one pattern's projection and applies the next lifecycle
// edge when its gate holds. Returns the applied outcome, or nil when nothing
// was warranted. Stale optimistic locks are retried against refreshed state;
// once the refreshed status offers no passing edge the round ends quietly.
func (e *Evaluator) Evaluate(ctx context.Context, parent event.Envelope, patternID string) (*store.TransitionOutcome, error) {
	current, err := e.patterns.GetPattern(ctx, patternID)
	if err != nil {
		if errors.Is(err, store.ErrPatternNotFound) {
			// Superseded or unknown projection; nothing to evaluate.
			return nil, nil
		}

		return nil, err
	}

	for attempt := 0; attempt <= maxStaleRetries; attempt++ {
		to, ok := nextEdge(current.LifecycleStatus)
		if !ok {
			return nil, nil
		}

		snap, err := e.snapshot(ctx, current)
		if err != nil {
			return nil, err
		}

		if err := pattern.EvaluateGate(current.LifecycleStatus, to, snap,
			current.Window.HasPositiveOutcome(), e.thresholds); err != nil {
			// Gate not met: no transition this round.
			return nil, nil
		}

		outcome, err := e.patterns.ApplyTransition(ctx, store.TransitionRequest{
			PatternID:      current.PatternID,
			From:           current.LifecycleStatus,
			To:             to,
			Tier:           snap.Tier,
			Snapshot:       snap,
			IdempotencyKey: evaluationKey(parent, current.LifecycleStatus, to),
			Actor:          evaluatorActor,
			Reason:         "automatic gate evaluation",
		})
		if err != nil {
			return nil, err
		}

		switch outcome.Code {
		case store.TransitionApplied:
			e.logger.InfoContext(ctx, "lifecycle transition applied",
				"pattern_id", current.PatternID,
				"from", current.LifecycleStatus,
				"to", to)

			if err := e.emitter.Transitioned(ctx, parent, outcome.Pattern,
				current.LifecycleStatus, to, evaluatorActor, "automatic gate evaluation",
				time.Now().UTC()); err != nil {
				return outcome, fmt.Errorf("transition applied but emission failed: %w", err)
			}

			return outcome, nil

		case store.TransitionAlreadyApplied, store.TransitionGateFailed:
			return outcome, nil

		case store.TransitionStaleStatus:
			// Lost the optimistic lock; re-evaluate from the winner's state.
			refreshed := outcome.Pattern
			current = &refreshed
		}
	}

	e.logger.WarnContext(ctx, "evaluation abandoned after repeated stale locks",
		"pattern_id", patternID,
		"retries", maxStaleRetries)

	return nil, nil
}

// snapshot captures the gate inputs at decision time.
func (e *Evaluator) snapshot(ctx context.Context, p *pattern.Pattern) (pattern.GateSnapshot, error) {
	alert, err := e.alerts.ActiveAlert(ctx, p.PatternID)
	if err != nil {
		return pattern.GateSnapshot{}, fmt.Errorf("failed to check anti-gaming alerts: %w", err)
	}

	return pattern.GateSnapshot{
		Tier:            p.EvidenceTier,
		Metrics:         p.Window.Metrics(),
		InjectionCount:  p.InjectionCount,
		AntiGamingAlert: alert,
		EvaluatedAt:     time.Now().UTC(),
	}, nil
}

// evaluationKey scopes the transition's idempotency to the driving envelope
// and the specific edge, so a redelivered trigger replays as ALREADY_APPLIED
// while a different edge from the same trigger still applies.
func evaluationKey(parent event.Envelope, from, to pattern.LifecycleStatus) string {
	return parent.IdempotencyKey() + "/" + from.String() + ">" + to.String()
}
