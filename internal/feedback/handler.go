package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/onex-io/substrate/internal/bus"
	"github.com/onex-io/substrate/internal/dispatch"
	"github.com/onex-io/substrate/internal/event"
	"github.com/onex-io/substrate/internal/lifecycle"
	"github.com/onex-io/substrate/internal/pattern"
	"github.com/onex-io/substrate/internal/store"
)

// Event types on the feedback topics.
const (
	TypeSessionOutcome        = "SessionOutcome"
	TypePatternMetricsUpdated = "PatternMetricsUpdated"
)

// Intake statuses reported for one session outcome.
const (
	StatusRecorded          = "RECORDED"
	StatusNoInjectionsFound = "NO_INJECTIONS_FOUND"
	StatusAlreadyRecorded   = "ALREADY_RECORDED"
	StatusPartialSuccess    = "PARTIAL_SUCCESS"
)

// Dead-letter codes assigned by the feedback handler.
const (
	CodeUnknownEventType = "UNKNOWN_EVENT_TYPE"
	CodeOutcomeInvalid   = "OUTCOME_INVALID"
)

type (
	// SessionOutcomeCommand is the wire payload of the feedback command topic.
	SessionOutcomeCommand struct {
		SessionID string                  `json:"session_id"` //nolint:tagliatelle
		Outcome   string                  `json:"outcome"`
		RunID     string                  `json:"run_id,omitempty"` //nolint:tagliatelle
		Signals   pattern.EvidenceSignals `json:"signals"`
	}

	// MetricsUpdate is one pattern's post-credit state in the emitted event.
	MetricsUpdate struct {
		PatternID   string  `json:"pattern_id"` //nolint:tagliatelle
		Weight      float64 `json:"weight"`
		SuccessRate float64 `json:"success_rate"`  //nolint:tagliatelle
		Tier        string  `json:"evidence_tier"` //nolint:tagliatelle
	}

	// PatternMetricsUpdatedEvent reports the per-pattern results of one
	// session outcome, including the patterns whose update failed.
	PatternMetricsUpdatedEvent struct {
		SessionID string            `json:"session_id"` //nolint:tagliatelle
		Outcome   string            `json:"outcome"`
		Status    string            `json:"status"`
		Heuristic string            `json:"heuristic"`
		Updates   []MetricsUpdate   `json:"updates"`
		Errors    map[string]string `json:"errors,omitempty"`
	}

	// Handler is the effect behind the session-outcome command topic.
	Handler struct {
		patterns  *store.PatternStore
		evaluator *lifecycle.Evaluator
		publisher bus.Publisher
		registry  *event.Registry
		heuristic string
		logger    *slog.Logger
	}
)

var _ dispatch.Handler = (*Handler)(nil)

// NewHandler creates the feedback intake handler. heuristic selects the
// attribution split; empty means equal_split.
func NewHandler(patterns *store.PatternStore, evaluator *lifecycle.Evaluator,
	publisher bus.Publisher, registry *event.Registry, heuristic string, logger *slog.Logger,
) (*Handler, error) {
	if heuristic == "" {
		heuristic = HeuristicEqualSplit
	}

	switch heuristic {
	case HeuristicEqualSplit, HeuristicRecencyWeight, HeuristicFirstMatch:
	default:
		return nil, fmt.Errorf("%w: %q", ErrHeuristicUnknown, heuristic)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		patterns:  patterns,
		evaluator: evaluator,
		publisher: publisher,
		registry:  registry,
		heuristic: heuristic,
		logger:    logger,
	}, nil
}

// Handle processes one session outcome: attribution, metric updates, tier
// advancement, event emission, and lifecycle re-evaluation.
func (h *Handler) Handle(ctx context.Context, env event.Envelope) dispatch.Result {
	if env.EventType != TypeSessionOutcome {
		return dispatch.NonRetryable(CodeUnknownEventType,
			fmt.Sprintf("no handler for event type %q", env.EventType))
	}

	cmd, err := event.DecodePayload[SessionOutcomeCommand](env)
	if err != nil {
		return dispatch.NonRetryable(dispatch.CodeDecodeFailed, err.Error())
	}

	outcome := pattern.SessionOutcome{
		SessionID:     cmd.SessionID,
		Outcome:       pattern.Outcome(cmd.Outcome),
		CorrelationID: env.CorrelationID,
		RunID:         cmd.RunID,
		Signals:       cmd.Signals,
	}

	if err := outcome.Validate(); err != nil {
		return dispatch.NonRetryable(CodeOutcomeInvalid, err.Error())
	}

	injections, err := h.patterns.InjectionsForSession(ctx, outcome.SessionID)
	if err != nil {
		return h.storeFailure(ctx, env, err)
	}

	if len(injections) == 0 {
		h.logger.InfoContext(ctx, "session outcome without injections",
			"session_id", outcome.SessionID,
			"status", StatusNoInjectionsFound)

		return dispatch.Applied()
	}

	claimed, err := h.patterns.ClaimSessionOutcome(ctx, outcome)
	if err != nil {
		return h.storeFailure(ctx, env, err)
	}

	if !claimed {
		h.logger.InfoContext(ctx, "session outcome already recorded",
			"session_id", outcome.SessionID,
			"status", StatusAlreadyRecorded)

		return dispatch.AlreadyApplied()
	}

	credits, err := Attribute(h.heuristic, injections)
	if err != nil {
		return dispatch.NonRetryable(CodeOutcomeInvalid, err.Error())
	}

	updates, failures := h.applyCredits(ctx, outcome, credits)

	status := StatusRecorded
	if len(failures) > 0 {
		status = StatusPartialSuccess

		h.logger.WarnContext(ctx, "session outcome partially recorded",
			"session_id", outcome.SessionID,
			"updated", len(updates),
			"failed", len(failures))
	}

	if err := h.emitMetricsUpdated(ctx, env, outcome, status, updates, failures); err != nil {
		return dispatch.Retryable(err.Error())
	}

	return dispatch.Applied()
}

// applyCredits runs each credit in its own transaction. One pattern's failure
// never blocks the rest; failures land in the error map keyed by pattern ID.
func (h *Handler) applyCredits(ctx context.Context, outcome pattern.SessionOutcome,
	credits []store.AttributionCredit,
) ([]MetricsUpdate, map[string]string) {
	var updates []MetricsUpdate

	failures := make(map[string]string)

	for _, c := range credits {
		updated, err := h.patterns.ApplyOutcomeCredit(ctx, outcome, c)
		if err != nil {
			failures[c.PatternID] = err.Error()

			h.logger.ErrorContext(ctx, "failed to apply outcome credit",
				"session_id", outcome.SessionID,
				"pattern_id", c.PatternID,
				"error", err)

			continue
		}

		updates = append(updates, MetricsUpdate{
			PatternID:   updated.PatternID,
			Weight:      c.Weight,
			SuccessRate: updated.Window.Metrics().SuccessRate,
			Tier:        updated.EvidenceTier.String(),
		})
	}

	return updates, failures
}

// emitMetricsUpdated publishes the metrics event, then re-evaluates each
// updated pattern's lifecycle gates.
func (h *Handler) emitMetricsUpdated(ctx context.Context, env event.Envelope,
	outcome pattern.SessionOutcome, status string, updates []MetricsUpdate, failures map[string]string,
) error {
	spec, err := h.registry.Lookup(event.TopicPatternMetricsUpdated)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(PatternMetricsUpdatedEvent{
		SessionID: outcome.SessionID,
		Outcome:   outcome.Outcome.String(),
		Status:    status,
		Heuristic: h.heuristic,
		Updates:   updates,
		Errors:    failures,
	})
	if err != nil {
		return fmt.Errorf("failed to encode metrics payload: %w", err)
	}

	child := env.Derive(spec.Topic, TypePatternMetricsUpdated, time.Now().UTC(), payload)

	if err := h.publisher.Publish(ctx, child); err != nil {
		return err
	}

	for _, update := range updates {
		if _, err := h.evaluator.Evaluate(ctx, env, update.PatternID); err != nil {
			h.logger.ErrorContext(ctx, "lifecycle evaluation failed",
				"pattern_id", update.PatternID,
				"error", err)
		}
	}

	return nil
}

func (h *Handler) storeFailure(ctx context.Context, env event.Envelope, err error) dispatch.Result {
	if store.IsRetryableError(err) {
		return dispatch.Retryable(err.Error())
	}

	h.logger.ErrorContext(ctx, "store rejected session outcome",
		"event_id", env.EventID,
		"error", err)

	return dispatch.NonRetryable("STORE_REJECTED", err.Error())
}
