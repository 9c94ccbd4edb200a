package pattern

import (
	"errors"
	"fmt"
	"time"
)

// Lifecycle FSM:
//
//	CANDIDATE → PROVISIONAL → VALIDATED → DEPRECATED
//
// BLACKLISTED is absorbing and reachable from every non-terminal state.
// Transition legality is validated here; the evidence-tier and metric gates
// are evaluated against a projection snapshot captured at decision time.

// Sentinel errors for transition validation.
var (
	// ErrIllegalTransition indicates an edge the FSM does not allow.
	ErrIllegalTransition = errors.New("illegal lifecycle transition")

	// ErrTerminalState indicates a transition out of BLACKLISTED.
	ErrTerminalState = errors.New("BLACKLISTED is terminal")

	// ErrGateFailed indicates a legal edge whose guard evaluated to false.
	// Gate failures are terminal for the driving envelope, not retryable.
	ErrGateFailed = errors.New("transition gate failed")
)

// Default gate thresholds. All of them are configuration, not constants of
// the domain; the lifecycle package overlays environment and file values.
const (
	defaultPromoteMinInjections     = 5
	defaultPromoteMinSuccessRate    = 0.60
	defaultPromoteMaxConsecFailures = 3
	defaultDemoteSuccessRate        = 0.40
	defaultDemoteMaxConsecFailures  = 5
)

type (
	// Thresholds holds the lifecycle gate configuration.
	Thresholds struct {
		// PromoteMinInjections is C_min: minimum injections before
		// PROVISIONAL → VALIDATED.
		PromoteMinInjections int `yaml:"promote_min_injections"` //nolint:tagliatelle

		// PromoteMinSuccessRate is R_min over the rolling window.
		PromoteMinSuccessRate float64 `yaml:"promote_min_success_rate"` //nolint:tagliatelle

		// PromoteMaxConsecutiveFailures is F_max.
		PromoteMaxConsecutiveFailures int `yaml:"promote_max_consecutive_failures"` //nolint:tagliatelle

		// DemoteSuccessRate is R_demote: below it a VALIDATED pattern demotes.
		DemoteSuccessRate float64 `yaml:"demote_success_rate"` //nolint:tagliatelle

		// DemoteMaxConsecutiveFailures is F_max_demote: above it a VALIDATED
		// pattern demotes.
		DemoteMaxConsecutiveFailures int `yaml:"demote_max_consecutive_failures"` //nolint:tagliatelle

		// WindowSize is the rolling window bound N.
		WindowSize int `yaml:"window_size"` //nolint:tagliatelle
	}

	// GateSnapshot captures the metrics and tier a transition decision was
	// made against. It is persisted with the audit record so every applied
	// transition can be audited against the state it saw.
	GateSnapshot struct {
		Tier            EvidenceTier `json:"tier"`
		Metrics         Metrics      `json:"metrics"`
		InjectionCount  int          `json:"injection_count"`   //nolint:tagliatelle
		AntiGamingAlert bool         `json:"anti_gaming_alert"` //nolint:tagliatelle
		EvaluatedAt     time.Time    `json:"evaluated_at"`      //nolint:tagliatelle
	}
)

// DefaultThresholds returns the built-in gate defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PromoteMinInjections:          defaultPromoteMinInjections,
		PromoteMinSuccessRate:         defaultPromoteMinSuccessRate,
		PromoteMaxConsecutiveFailures: defaultPromoteMaxConsecFailures,
		DemoteSuccessRate:             defaultDemoteSuccessRate,
		DemoteMaxConsecutiveFailures:  defaultDemoteMaxConsecFailures,
		WindowSize:                    DefaultWindowSize,
	}
}

// legalEdges enumerates the forward edges of the FSM. BLACKLISTED is handled
// separately: it is reachable from any non-terminal state.
var legalEdges = map[LifecycleStatus][]LifecycleStatus{
	StatusCandidate:   {StatusProvisional},
	StatusProvisional: {StatusValidated},
	StatusValidated:   {StatusDeprecated},
	StatusDeprecated:  {},
}

// ValidateEdge checks whether from → to is a legal FSM edge, independent of
// gate evaluation.
func ValidateEdge(from, to LifecycleStatus) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: unknown source status %q", ErrIllegalTransition, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("%w: unknown target status %q", ErrIllegalTransition, to)
	}

	if from.IsTerminal() {
		return fmt.Errorf("%w: %s → %s", ErrTerminalState, from, to)
	}

	if to == StatusBlacklisted {
		return nil
	}

	for _, next := range legalEdges[from] {
		if next == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, to)
}

// EvaluateGate checks the guard for a legal edge against a projection
// snapshot. Returns nil when the transition may apply, or a wrapped
// ErrGateFailed naming the violated condition.
//
// Guards:
//
//	CANDIDATE → PROVISIONAL: tier ≥ OBSERVED and at least one positive
//	outcome in the window.
//	PROVISIONAL → VALIDATED: tier ≥ MEASURED, injection_count ≥ C_min,
//	success_rate ≥ R_min, consecutive_failures ≤ F_max, and no active
//	anti-gaming alert.
//	VALIDATED → DEPRECATED: success_rate < R_demote OR
//	consecutive_failures > F_max_demote.
//	any → BLACKLISTED: always passes; authorization is enforced upstream.
func EvaluateGate(from, to LifecycleStatus, snap GateSnapshot, hasPositive bool, th Thresholds) error {
	if err := ValidateEdge(from, to); err != nil {
		return err
	}

	if to == StatusBlacklisted {
		return nil
	}

	switch {
	case from == StatusCandidate && to == StatusProvisional:
		if !snap.Tier.AtLeast(TierObserved) {
			return fmt.Errorf("%w: evidence tier %s below OBSERVED", ErrGateFailed, snap.Tier)
		}

		if !hasPositive {
			return fmt.Errorf("%w: no positive outcome recorded in window", ErrGateFailed)
		}

	case from == StatusProvisional && to == StatusValidated:
		if !snap.Tier.AtLeast(TierMeasured) {
			return fmt.Errorf("%w: evidence tier %s below MEASURED", ErrGateFailed, snap.Tier)
		}

		if snap.InjectionCount < th.PromoteMinInjections {
			return fmt.Errorf("%w: injection_count %d < %d",
				ErrGateFailed, snap.InjectionCount, th.PromoteMinInjections)
		}

		if snap.Metrics.SuccessRate < th.PromoteMinSuccessRate {
			return fmt.Errorf("%w: success_rate %.3f < %.3f",
				ErrGateFailed, snap.Metrics.SuccessRate, th.PromoteMinSuccessRate)
		}

		if snap.Metrics.ConsecutiveFailures > th.PromoteMaxConsecutiveFailures {
			return fmt.Errorf("%w: consecutive_failures %d > %d",
				ErrGateFailed, snap.Metrics.ConsecutiveFailures, th.PromoteMaxConsecutiveFailures)
		}

		if snap.AntiGamingAlert {
			return fmt.Errorf("%w: anti-gaming alert active", ErrGateFailed)
		}

	case from == StatusValidated && to == StatusDeprecated:
		belowRate := snap.Metrics.SuccessRate < th.DemoteSuccessRate
		tooManyFailures := snap.Metrics.ConsecutiveFailures > th.DemoteMaxConsecutiveFailures

		if !belowRate && !tooManyFailures {
			return fmt.Errorf("%w: success_rate %.3f ≥ %.3f and consecutive_failures %d ≤ %d",
				ErrGateFailed, snap.Metrics.SuccessRate, th.DemoteSuccessRate,
				snap.Metrics.ConsecutiveFailures, th.DemoteMaxConsecutiveFailures)
		}
	}

	return nil
}
