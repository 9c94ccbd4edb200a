package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/onex-io/substrate/internal/bus"
	"github.com/onex-io/substrate/internal/decision"
	"github.com/onex-io/substrate/internal/dispatch"
	"github.com/onex-io/substrate/internal/event"
	"github.com/onex-io/substrate/internal/lifecycle"
	"github.com/onex-io/substrate/internal/pattern"
	"github.com/onex-io/substrate/internal/store"
)

// Event types on the decision topics.
const (
	TypeDecisionRecorded         = "DecisionRecorded"
	TypeDecisionMismatchDetected = "DecisionMismatchDetected"
)

// Dead-letter codes assigned by the decision monitor.
const (
	CodeUnknownEventType = "UNKNOWN_EVENT_TYPE"
	CodeRecordInvalid    = "RECORD_INVALID"
)

// decisionTypePattern marks decisions whose candidates are pattern IDs;
// only those escalate to blacklisting.
const decisionTypePattern = "pattern"

// detectorActor names the monitor in lifecycle audit records.
const detectorActor = "mismatch-detector"

type (
	// MismatchDetectedEvent is the wire payload of a mismatch signal.
	MismatchDetectedEvent struct {
		decision.Mismatch

		DecisionType string `json:"decision_type"`        //nolint:tagliatelle
		PatternID    string `json:"pattern_id,omitempty"` //nolint:tagliatelle
	}

	// Handler consumes the decision-recorded command topic. Persisting the
	// record, emitting mismatch signals, and escalating blockers are all
	// idempotent, so a retried envelope converges to the same state.
	Handler struct {
		records   *store.DecisionStore
		patterns  *store.PatternStore
		alerts    *AlertRegistry
		emitter   *lifecycle.Emitter
		publisher bus.Publisher
		registry  *event.Registry
		limiter   *rate.Limiter
		logger    *slog.Logger
	}
)

var _ dispatch.Handler = (*Handler)(nil)

// NewHandler creates the decision monitor handler. limiter bounds mismatch
// signal emission; nil means unlimited.
func NewHandler(records *store.DecisionStore, patterns *store.PatternStore,
	alerts *AlertRegistry, emitter *lifecycle.Emitter, publisher bus.Publisher,
	registry *event.Registry, limiter *rate.Limiter, logger *slog.Logger,
) *Handler {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		records:   records,
		patterns:  patterns,
		alerts:    alerts,
		emitter:   emitter,
		publisher: publisher,
		registry:  registry,
		limiter:   limiter,
		logger:    logger,
	}
}

// Handle persists one decision record, runs the mismatch rules, and
// escalates blockers.
func (h *Handler) Handle(ctx context.Context, env event.Envelope) dispatch.Result {
	if env.EventType != TypeDecisionRecorded {
		return dispatch.NonRetryable(CodeUnknownEventType,
			fmt.Sprintf("no handler for event type %q", env.EventType))
	}

	record, err := event.DecodePayload[decision.Record](env)
	if err != nil {
		return dispatch.NonRetryable(dispatch.CodeDecodeFailed, err.Error())
	}

	if record.CorrelationID == "" {
		record.CorrelationID = env.CorrelationID
	}

	if err := record.Validate(); err != nil {
		return dispatch.NonRetryable(CodeRecordInvalid, err.Error())
	}

	created, err := h.records.SaveRecord(ctx, record)
	if err != nil {
		if store.IsRetryableError(err) {
			return dispatch.Retryable(err.Error())
		}

		return dispatch.NonRetryable("STORE_REJECTED", err.Error())
	}

	// Detection and escalation run on replays too: a retried envelope may
	// have persisted the record and then failed before escalating.
	mismatches := decision.Detect(record)

	for _, m := range mismatches {
		h.emitMismatch(ctx, env, record, m)
	}

	if decision.MaxSeverity(mismatches) == decision.SeverityBlocker && record.DecisionType == decisionTypePattern {
		if result := h.escalate(ctx, env, record); result.Kind != dispatch.KindApplied {
			return result
		}
	}

	if !created {
		return dispatch.AlreadyApplied()
	}

	return dispatch.Applied()
}

// emitMismatch publishes one mismatch signal, subject to flood control.
func (h *Handler) emitMismatch(ctx context.Context, env event.Envelope,
	record decision.Record, m decision.Mismatch,
) {
	if !h.limiter.Allow() {
		h.logger.WarnContext(ctx, "mismatch signal dropped by flood control",
			"decision_id", m.DecisionID,
			"rule", m.Rule,
			"severity", m.Severity)

		return
	}

	spec, err := h.registry.Lookup(event.TopicDecisionMismatchDetected)
	if err != nil {
		h.logger.Error("mismatch topic not registered", "error", err)

		return
	}

	payload, err := json.Marshal(MismatchDetectedEvent{
		Mismatch:     m,
		DecisionType: record.DecisionType,
		PatternID:    h.patternID(record),
	})
	if err != nil {
		h.logger.Error("failed to encode mismatch payload", "error", err)

		return
	}

	child := env.Derive(spec.Topic, TypeDecisionMismatchDetected, time.Now().UTC(), payload)

	if err := h.publisher.Publish(ctx, child); err != nil {
		// Signal loss is tolerable; the record itself is durable.
		h.logger.ErrorContext(ctx, "failed to publish mismatch signal",
			"decision_id", m.DecisionID,
			"error", err)
	}
}

// escalate raises the anti-gaming alert and blacklists the offending pattern.
func (h *Handler) escalate(ctx context.Context, env event.Envelope, record decision.Record) dispatch.Result {
	patternID := h.patternID(record)
	if patternID == "" {
		return dispatch.Applied()
	}

	h.alerts.Raise(patternID)

	current, err := h.patterns.GetPattern(ctx, patternID)
	if err != nil {
		// The chosen candidate does not resolve to a live pattern; the alert
		// alone is the escalation.
		h.logger.WarnContext(ctx, "blocker escalation found no current pattern",
			"decision_id", record.DecisionID,
			"pattern_id", patternID)

		return dispatch.Applied()
	}

	if current.LifecycleStatus == pattern.StatusBlacklisted {
		return dispatch.Applied()
	}

	outcome, err := h.patterns.ApplyTransition(ctx, store.TransitionRequest{
		PatternID: patternID,
		From:      current.LifecycleStatus,
		To:        pattern.StatusBlacklisted,
		Tier:      current.EvidenceTier,
		Snapshot: pattern.GateSnapshot{
			Tier:            current.EvidenceTier,
			Metrics:         current.Window.Metrics(),
			InjectionCount:  current.InjectionCount,
			AntiGamingAlert: true,
			EvaluatedAt:     time.Now().UTC(),
		},
		IdempotencyKey: env.IdempotencyKey() + "/blacklist",
		Actor:          detectorActor,
		Reason:         fmt.Sprintf("blocker mismatch on decision %s", record.DecisionID),
	})
	if err != nil {
		if store.IsRetryableError(err) {
			return dispatch.Retryable(err.Error())
		}

		return dispatch.NonRetryable("STORE_REJECTED", err.Error())
	}

	if outcome.Code == store.TransitionApplied {
		h.logger.WarnContext(ctx, "pattern blacklisted by mismatch detector",
			"pattern_id", patternID,
			"decision_id", record.DecisionID)

		if err := h.emitter.Transitioned(ctx, env, outcome.Pattern,
			current.LifecycleStatus, pattern.StatusBlacklisted,
			detectorActor, "blocker mismatch", time.Now().UTC()); err != nil {
			return dispatch.Retryable(err.Error())
		}
	}

	return dispatch.Applied()
}

// patternID returns the chosen candidate's ID for pattern decisions.
func (h *Handler) patternID(record decision.Record) string {
	if record.DecisionType != decisionTypePattern {
		return ""
	}

	return record.ChosenID
}
