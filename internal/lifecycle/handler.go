package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onex-io/substrate/internal/aliasing"
	"github.com/onex-io/substrate/internal/dispatch"
	"github.com/onex-io/substrate/internal/event"
	"github.com/onex-io/substrate/internal/pattern"
	"github.com/onex-io/substrate/internal/store"
)

// Dead-letter codes assigned by the pattern-store handler.
const (
	CodeUnknownEventType     = "UNKNOWN_EVENT_TYPE"
	CodeStaleStatus          = "STALE_STATUS"
	CodeGateFailed           = "GATE_FAILED"
	CodeLineageUnknown       = "LINEAGE_UNKNOWN"
	CodeOperatorUnauthorized = "OPERATOR_UNAUTHORIZED"
	CodeStoreRejected        = "STORE_REJECTED"
)

// Handler is the effect behind the pattern-store command topic. Every
// command mutates pattern state through the store in one transaction and
// emits the corresponding events with the command's correlation ID.
type Handler struct {
	patterns  *store.PatternStore
	operators *store.OperatorKeyStore
	alerts    AlertSource
	emitter   *Emitter
	aliases   *aliasing.Resolver
	logger    *slog.Logger
}

var _ dispatch.Handler = (*Handler)(nil)

// NewHandler creates the pattern-store command handler. alerts and aliases
// may be nil; a nil resolver leaves domain labels untouched.
func NewHandler(patterns *store.PatternStore, operators *store.OperatorKeyStore,
	alerts AlertSource, emitter *Emitter, aliases *aliasing.Resolver, logger *slog.Logger,
) *Handler {
	if alerts == nil {
		alerts = noAlerts{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		patterns:  patterns,
		operators: operators,
		alerts:    alerts,
		emitter:   emitter,
		aliases:   aliases,
		logger:    logger,
	}
}

// Handle routes one command envelope by its event type.
func (h *Handler) Handle(ctx context.Context, env event.Envelope) dispatch.Result {
	switch env.EventType {
	case TypeUpsertPattern:
		return h.handleUpsert(ctx, env)
	case TypeStartNewVersion:
		return h.handleStartNewVersion(ctx, env)
	case TypeApplyTransition:
		return h.handleApplyTransition(ctx, env)
	case TypeBlacklistPattern:
		return h.handleBlacklist(ctx, env)
	case TypeRecordInjection:
		return h.handleRecordInjection(ctx, env)
	default:
		return dispatch.NonRetryable(CodeUnknownEventType,
			fmt.Sprintf("no handler for event type %q", env.EventType))
	}
}

func (h *Handler) handleUpsert(ctx context.Context, env event.Envelope) dispatch.Result {
	cmd, err := event.DecodePayload[UpsertPatternCommand](env)
	if err != nil {
		return dispatch.NonRetryable(dispatch.CodeDecodeFailed, err.Error())
	}

	result, err := h.patterns.UpsertPattern(ctx, store.UpsertRequest{
		Signature:        cmd.Signature,
		DomainCandidates: h.canonicalDomains(cmd.DomainCandidates),
	})
	if err != nil {
		return h.storeFailure(ctx, env, err)
	}

	if !result.Created {
		return dispatch.AlreadyApplied()
	}

	if err := h.emitter.PatternStored(ctx, env, result.Pattern, time.Now().UTC()); err != nil {
		return dispatch.Retryable(err.Error())
	}

	return dispatch.Applied()
}

func (h *Handler) handleStartNewVersion(ctx context.Context, env event.Envelope) dispatch.Result {
	cmd, err := event.DecodePayload[StartNewVersionCommand](env)
	if err != nil {
		return dispatch.NonRetryable(dispatch.CodeDecodeFailed, err.Error())
	}

	next, err := h.patterns.StartNewVersion(ctx, cmd.SignatureHash, cmd.Signature)
	if err != nil {
		if errors.Is(err, store.ErrLineageNotFound) {
			return dispatch.NonRetryable(CodeLineageUnknown,
				fmt.Sprintf("no lineage for signature hash %s", cmd.SignatureHash))
		}

		return h.storeFailure(ctx, env, err)
	}

	if err := h.emitter.PatternStored(ctx, env, *next, time.Now().UTC()); err != nil {
		return dispatch.Retryable(err.Error())
	}

	return dispatch.Applied()
}

// handleApplyTransition applies one explicitly requested edge. On a stale
// optimistic lock it refreshes and retries while the requested target is
// still legal from the current status; otherwise the command dead-letters.
func (h *Handler) handleApplyTransition(ctx context.Context, env event.Envelope) dispatch.Result {
	cmd, err := event.DecodePayload[ApplyTransitionCommand](env)
	if err != nil {
		return dispatch.NonRetryable(dispatch.CodeDecodeFailed, err.Error())
	}

	return h.applyEdge(ctx, env, cmd.PatternID,
		pattern.LifecycleStatus(cmd.From), pattern.LifecycleStatus(cmd.To),
		"operator", cmd.Reason)
}

func (h *Handler) handleBlacklist(ctx context.Context, env event.Envelope) dispatch.Result {
	cmd, err := event.DecodePayload[BlacklistPatternCommand](env)
	if err != nil {
		return dispatch.NonRetryable(dispatch.CodeDecodeFailed, err.Error())
	}

	if err := h.operators.VerifyKey(ctx, cmd.OperatorKeyID, cmd.OperatorSecret); err != nil {
		if errors.Is(err, store.ErrOperatorKeyInvalid) {
			h.logger.WarnContext(ctx, "rejected unauthorized blacklist command",
				"pattern_id", cmd.PatternID,
				"operator_key_id", cmd.OperatorKeyID)

			return dispatch.NonRetryable(CodeOperatorUnauthorized, "operator key rejected")
		}

		return dispatch.Retryable(err.Error())
	}

	current, err := h.patterns.GetPattern(ctx, cmd.PatternID)
	if err != nil {
		if errors.Is(err, store.ErrPatternNotFound) {
			return dispatch.NonRetryable(CodeLineageUnknown,
				fmt.Sprintf("no current pattern %s", cmd.PatternID))
		}

		return h.storeFailure(ctx, env, err)
	}

	if current.LifecycleStatus == pattern.StatusBlacklisted {
		return dispatch.AlreadyApplied()
	}

	return h.applyEdge(ctx, env, cmd.PatternID,
		current.LifecycleStatus, pattern.StatusBlacklisted,
		cmd.OperatorKeyID, cmd.Reason)
}

func (h *Handler) handleRecordInjection(ctx context.Context, env event.Envelope) dispatch.Result {
	cmd, err := event.DecodePayload[RecordInjectionCommand](env)
	if err != nil {
		return dispatch.NonRetryable(dispatch.CodeDecodeFailed, err.Error())
	}

	err = h.patterns.RecordInjection(ctx, pattern.Injection{
		InjectionID:   cmd.InjectionID,
		PatternID:     cmd.PatternID,
		SessionID:     cmd.SessionID,
		CorrelationID: env.CorrelationID,
		ContextType:   pattern.ContextType(cmd.ContextType),
		Cohort:        pattern.Cohort(cmd.Cohort),
		InjectedAt:    cmd.InjectedAt,
	})
	if err != nil {
		return h.storeFailure(ctx, env, err)
	}

	return dispatch.Applied()
}

// applyEdge runs one from → to transition with stale-lock refresh.
func (h *Handler) applyEdge(ctx context.Context, env event.Envelope, patternID string,
	from, to pattern.LifecycleStatus, actor, reason string,
) dispatch.Result {
	for attempt := 0; attempt <= maxStaleRetries; attempt++ {
		current, err := h.patterns.GetPattern(ctx, patternID)
		if err != nil {
			if errors.Is(err, store.ErrPatternNotFound) {
				return dispatch.NonRetryable(CodeLineageUnknown,
					fmt.Sprintf("no current pattern %s", patternID))
			}

			return h.storeFailure(ctx, env, err)
		}

		if current.LifecycleStatus != from {
			// Lost the race before even locking. Fall through to the same
			// legality check a stale store outcome gets.
			if refreshErr := pattern.ValidateEdge(current.LifecycleStatus, to); refreshErr != nil {
				return dispatch.NonRetryable(CodeStaleStatus,
					fmt.Sprintf("pattern %s is %s, %s -> %s no longer legal",
						patternID, current.LifecycleStatus, from, to))
			}

			from = current.LifecycleStatus
		}

		alert, err := h.alerts.ActiveAlert(ctx, patternID)
		if err != nil {
			return dispatch.Retryable(err.Error())
		}

		snap := pattern.GateSnapshot{
			Tier:            current.EvidenceTier,
			Metrics:         current.Window.Metrics(),
			InjectionCount:  current.InjectionCount,
			AntiGamingAlert: alert,
			EvaluatedAt:     time.Now().UTC(),
		}

		outcome, err := h.patterns.ApplyTransition(ctx, store.TransitionRequest{
			PatternID:      patternID,
			From:           from,
			To:             to,
			Tier:           snap.Tier,
			Snapshot:       snap,
			IdempotencyKey: env.IdempotencyKey(),
			Actor:          actor,
			Reason:         reason,
		})
		if err != nil {
			return h.storeFailure(ctx, env, err)
		}

		switch outcome.Code {
		case store.TransitionApplied:
			if err := h.emitter.Transitioned(ctx, env, outcome.Pattern,
				from, to, actor, reason, time.Now().UTC()); err != nil {
				return dispatch.Retryable(err.Error())
			}

			return dispatch.Applied()

		case store.TransitionAlreadyApplied:
			return dispatch.AlreadyApplied()

		case store.TransitionGateFailed:
			return dispatch.NonRetryable(CodeGateFailed, outcome.GateError)

		case store.TransitionStaleStatus:
			refreshed := outcome.Pattern
			if refreshErr := pattern.ValidateEdge(refreshed.LifecycleStatus, to); refreshErr != nil {
				return dispatch.NonRetryable(CodeStaleStatus,
					fmt.Sprintf("pattern %s is %s, %s -> %s no longer legal",
						patternID, refreshed.LifecycleStatus, from, to))
			}

			from = refreshed.LifecycleStatus
		}
	}

	return dispatch.NonRetryable(CodeStaleStatus,
		fmt.Sprintf("pattern %s kept moving under %s -> %s", patternID, from, to))
}

// canonicalDomains rewrites raw classifier labels through the alias rules.
func (h *Handler) canonicalDomains(candidates []pattern.DomainCandidate) []pattern.DomainCandidate {
	if h.aliases == nil || h.aliases.AliasCount() == 0 {
		return candidates
	}

	out := make([]pattern.DomainCandidate, len(candidates))

	for i, c := range candidates {
		c.Domain = h.aliases.Resolve(c.Domain)
		out[i] = c
	}

	return out
}

// storeFailure maps a store error to the dispatch retry policy.
func (h *Handler) storeFailure(ctx context.Context, env event.Envelope, err error) dispatch.Result {
	if store.IsRetryableError(err) {
		return dispatch.Retryable(err.Error())
	}

	h.logger.ErrorContext(ctx, "store rejected command",
		"event_type", env.EventType,
		"event_id", env.EventID,
		"error", err)

	return dispatch.NonRetryable(CodeStoreRejected, err.Error())
}
