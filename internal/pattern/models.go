// Package pattern provides the domain models for learned patterns: lifecycle
// states, evidence tiers, rolling outcome metrics, and the lifecycle state
// machine with its evidence-tier gates.
//
// Patterns form lineages via a stable signature hash; versions within a
// lineage are numbered linearly. All mutable state is owned by the pattern
// store; this package holds the pure domain rules so they are testable
// without infrastructure.
package pattern

import (
	"errors"
	"fmt"
	"time"
)

type (
	// LifecycleStatus is the FSM state controlling visibility and injection
	// eligibility of a pattern version.
	LifecycleStatus string

	// EvidenceTier is a monotone quality label on the observations backing a
	// pattern. It may only advance; downgrades are forbidden.
	EvidenceTier string

	// Outcome is the terminal result of an agent session.
	Outcome string

	// DomainCandidate is one (domain, confidence) classification candidate.
	DomainCandidate struct {
		Domain     string  `json:"domain"`
		Confidence float64 `json:"confidence"`
	}

	// Pattern is the central entity: one stored version of a learned pattern.
	//
	// Identity has two layers: PatternID is opaque and unique per stored
	// version; SignatureHash is shared across all versions of one lineage.
	Pattern struct {
		PatternID          string
		Signature          string
		SignatureHash      string
		Version            int
		LifecycleStatus    LifecycleStatus
		EvidenceTier       EvidenceTier
		Confidence         float64
		Window             RollingWindow
		InjectionCount     int
		DomainCandidates   []DomainCandidate
		ContentFingerprint string
		CreatedAt          time.Time
		LastTransitionedAt time.Time
	}

	// Injection records a pattern being surfaced into an agent's context.
	Injection struct {
		InjectionID   string
		PatternID     string
		SessionID     string
		CorrelationID string
		ContextType   ContextType
		Cohort        Cohort
		InjectedAt    time.Time
	}

	// ContextType enumerates where in the agent's context a pattern was injected.
	ContextType string

	// Cohort tags an injection for controlled comparison.
	Cohort string

	// EvidenceSignals carries the structured signals attached to a session
	// outcome; they drive evidence-tier inference.
	EvidenceSignals struct {
		TestResults     *TestResults `json:"test_results,omitempty"`     //nolint:tagliatelle
		StaticFindings  int          `json:"static_findings"`            //nolint:tagliatelle
		HumanAccepted   bool         `json:"human_accepted"`             //nolint:tagliatelle
		RunSucceeded    bool         `json:"run_succeeded"`              //nolint:tagliatelle
		VerifiedReplay  bool         `json:"verified_replay"`            //nolint:tagliatelle
	}

	// TestResults summarizes automated test evidence attached to an outcome.
	TestResults struct {
		Passed int `json:"passed"`
		Failed int `json:"failed"`
	}

	// SessionOutcome is a terminal event observed from an external agent.
	SessionOutcome struct {
		SessionID     string
		Outcome       Outcome
		CorrelationID string
		RunID         string // empty when no run is associated
		Signals       EvidenceSignals
	}
)

const (
	// StatusCandidate is the initial state on first observation.
	StatusCandidate LifecycleStatus = "CANDIDATE"

	// StatusProvisional marks a pattern with at least observed evidence and
	// one positive outcome.
	StatusProvisional LifecycleStatus = "PROVISIONAL"

	// StatusValidated marks a pattern that passed the auto-promotion gates.
	StatusValidated LifecycleStatus = "VALIDATED"

	// StatusDeprecated marks a previously validated pattern whose fresh
	// window degraded below the demotion thresholds.
	StatusDeprecated LifecycleStatus = "DEPRECATED"

	// StatusBlacklisted is the absorbing terminal state.
	StatusBlacklisted LifecycleStatus = "BLACKLISTED"
)

const (
	// TierUnmeasured is the initial tier before any outcome is observed.
	TierUnmeasured EvidenceTier = "UNMEASURED"

	// TierObserved indicates at least one attributed outcome without
	// automated evidence.
	TierObserved EvidenceTier = "OBSERVED"

	// TierMeasured indicates automated test results or a succeeded run
	// backing the observation.
	TierMeasured EvidenceTier = "MEASURED"

	// TierVerified indicates the evidence was independently replayed.
	TierVerified EvidenceTier = "VERIFIED"
)

const (
	// OutcomeSuccess marks a successful session.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure marks a failed session.
	OutcomeFailure Outcome = "failure"

	// OutcomeAbstain marks a session where the agent declined to act.
	OutcomeAbstain Outcome = "abstain"
)

const (
	// CohortControl tags injections withheld from treatment adjustments.
	CohortControl Cohort = "control"

	// CohortTreatment tags injections in the treatment group.
	CohortTreatment Cohort = "treatment"
)

// Domain validation errors.
var (
	// ErrStatusInvalid indicates an unknown lifecycle status value.
	ErrStatusInvalid = errors.New("invalid lifecycle status")

	// ErrTierInvalid indicates an unknown evidence tier value.
	ErrTierInvalid = errors.New("invalid evidence tier")

	// ErrTierDowngrade indicates an attempt to lower an evidence tier.
	ErrTierDowngrade = errors.New("evidence tier is monotone: downgrades are forbidden")

	// ErrOutcomeInvalid indicates an unknown outcome value.
	ErrOutcomeInvalid = errors.New("invalid outcome: must be success, failure, or abstain")

	// ErrSignatureEmpty indicates an empty pattern signature.
	ErrSignatureEmpty = errors.New("pattern signature cannot be empty")
)

// tierRank orders evidence tiers for monotonicity checks.
var tierRank = map[EvidenceTier]int{
	TierUnmeasured: 0,
	TierObserved:   1,
	TierMeasured:   2,
	TierVerified:   3,
}

// IsValid checks if the LifecycleStatus is a known state.
func (s LifecycleStatus) IsValid() bool {
	switch s {
	case StatusCandidate, StatusProvisional, StatusValidated, StatusDeprecated, StatusBlacklisted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is absorbing. Only BLACKLISTED is.
func (s LifecycleStatus) IsTerminal() bool {
	return s == StatusBlacklisted
}

// String returns the string representation of the status.
func (s LifecycleStatus) String() string {
	return string(s)
}

// IsValid checks if the EvidenceTier is a known tier.
func (t EvidenceTier) IsValid() bool {
	_, ok := tierRank[t]

	return ok
}

// Rank returns the tier's position in the monotone order.
func (t EvidenceTier) Rank() int {
	return tierRank[t]
}

// AtLeast reports whether the tier satisfies a minimum tier gate.
func (t EvidenceTier) AtLeast(minimum EvidenceTier) bool {
	return tierRank[t] >= tierRank[minimum]
}

// Advance returns the higher of the two tiers. Tiers only move forward:
// advancing MEASURED to OBSERVED yields MEASURED unchanged.
func (t EvidenceTier) Advance(to EvidenceTier) EvidenceTier {
	if tierRank[to] > tierRank[t] {
		return to
	}

	return t
}

// String returns the string representation of the tier.
func (t EvidenceTier) String() string {
	return string(t)
}

// IsValid checks if the Outcome is a known value.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeAbstain:
		return true
	default:
		return false
	}
}

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	return string(o)
}

// InferTier computes the evidence tier supported by an outcome's signals.
//
// Presence of automated test results, or a run that succeeded, supports
// MEASURED; an independently replayed verification supports VERIFIED; any
// attributed outcome supports at least OBSERVED. The caller advances the
// pattern's tier with EvidenceTier.Advance so the result never lowers it.
func (s SessionOutcome) InferTier() EvidenceTier {
	if s.Signals.VerifiedReplay {
		return TierVerified
	}

	if s.Signals.TestResults != nil {
		return TierMeasured
	}

	if s.RunID != "" && s.Signals.RunSucceeded {
		return TierMeasured
	}

	return TierObserved
}

// Validate checks the outcome's required fields.
func (s SessionOutcome) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("%w: session_id is empty", ErrOutcomeInvalid)
	}

	if !s.Outcome.IsValid() {
		return fmt.Errorf("%w: got %q", ErrOutcomeInvalid, s.Outcome)
	}

	if s.CorrelationID == "" {
		return fmt.Errorf("%w: correlation_id is empty", ErrOutcomeInvalid)
	}

	return nil
}
