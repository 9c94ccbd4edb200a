package lifecycle

import (
	"time"

	"github.com/onex-io/substrate/internal/pattern"
)

// Event types accepted on the pattern-store command topic.
const (
	TypeUpsertPattern    = "UpsertPattern"
	TypeStartNewVersion  = "StartNewVersion"
	TypeApplyTransition  = "ApplyTransition"
	TypeBlacklistPattern = "BlacklistPattern"
	TypeRecordInjection  = "RecordInjection"
)

type (
	// UpsertPatternCommand registers an observed pattern signature.
	UpsertPatternCommand struct {
		Signature        string                    `json:"signature"`
		DomainCandidates []pattern.DomainCandidate `json:"domain_candidates,omitempty"` //nolint:tagliatelle
	}

	// StartNewVersionCommand supersedes a lineage's current version with a
	// materially changed signature.
	StartNewVersionCommand struct {
		SignatureHash string `json:"signature_hash"` //nolint:tagliatelle
		Signature     string `json:"signature"`
	}

	// ApplyTransitionCommand requests one lifecycle edge. From is the status
	// the issuer observed; the store rejects the command as stale when the
	// projection has moved on.
	ApplyTransitionCommand struct {
		PatternID string `json:"pattern_id"`  //nolint:tagliatelle
		From      string `json:"from_status"` //nolint:tagliatelle
		To        string `json:"to_status"`   //nolint:tagliatelle
		Reason    string `json:"reason,omitempty"`
	}

	// BlacklistPatternCommand is the manual kill switch. It carries operator
	// credentials; unauthorized commands are dead-lettered, never retried.
	BlacklistPatternCommand struct {
		PatternID      string `json:"pattern_id"`      //nolint:tagliatelle
		OperatorKeyID  string `json:"operator_key_id"` //nolint:tagliatelle
		OperatorSecret string `json:"operator_secret"` //nolint:tagliatelle
		Reason         string `json:"reason"`
	}

	// RecordInjectionCommand records a pattern being surfaced into an agent
	// context.
	RecordInjectionCommand struct {
		InjectionID string    `json:"injection_id"`           //nolint:tagliatelle
		PatternID   string    `json:"pattern_id"`             //nolint:tagliatelle
		SessionID   string    `json:"session_id"`             //nolint:tagliatelle
		ContextType string    `json:"context_type,omitempty"` //nolint:tagliatelle
		Cohort      string    `json:"cohort,omitempty"`
		InjectedAt  time.Time `json:"injected_at"` //nolint:tagliatelle
	}
)

// Event types emitted on the pattern-store event topics.
const (
	TypePatternStored         = "PatternStored"
	TypePatternPromoted       = "PatternPromoted"
	TypePatternDemoted        = "PatternDemoted"
	TypeLifecycleTransitioned = "PatternLifecycleTransitioned"
)

type (
	// PatternStoredEvent announces a stored pattern version.
	PatternStoredEvent struct {
		PatternID     string `json:"pattern_id"`     //nolint:tagliatelle
		SignatureHash string `json:"signature_hash"` //nolint:tagliatelle
		Version       int    `json:"version"`
		Status        string `json:"status"`
	}

	// LifecycleTransitionedEvent announces one applied transition. Promotion
	// and demotion events reuse the same shape on their dedicated topics.
	LifecycleTransitionedEvent struct {
		PatternID      string    `json:"pattern_id"`     //nolint:tagliatelle
		SignatureHash  string    `json:"signature_hash"` //nolint:tagliatelle
		From           string    `json:"from_status"`    //nolint:tagliatelle
		To             string    `json:"to_status"`      //nolint:tagliatelle
		Tier           string    `json:"evidence_tier"`  //nolint:tagliatelle
		Actor          string    `json:"actor,omitempty"`
		Reason         string    `json:"reason,omitempty"`
		TransitionedAt time.Time `json:"transitioned_at"` //nolint:tagliatelle
	}
)
