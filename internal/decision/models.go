// Package decision provides decision records and mismatch detection: every
// model, route, or pattern selection emits an auditable record combining
// structured scoring provenance with the decider's narrative rationale, and
// the detector flags records whose narrative contradicts the numbers.
package decision

import (
	"errors"
	"fmt"
	"time"
)

type (
	// TieBreaker names the deterministic rule that resolves score ties.
	TieBreaker string

	// Severity grades a detected mismatch.
	Severity string

	// Candidate is one scored option of a decision, with its feature
	// breakdown preserved for replay and audit.
	Candidate struct {
		CandidateID string             `json:"candidate_id"` //nolint:tagliatelle
		Score       float64            `json:"score"`
		Cost        float64            `json:"cost"`
		Breakdown   map[string]float64 `json:"breakdown,omitempty"`
	}

	// Record is an auditable selection. Provenance is the candidates slice
	// with its scores; AgentRationale is the decider's natural-language
	// explanation. The two layers are validated against each other by the
	// mismatch detector, never merged.
	Record struct {
		DecisionID     string      `json:"decision_id"`     //nolint:tagliatelle
		DecisionType   string      `json:"decision_type"`   //nolint:tagliatelle
		Candidates     []Candidate `json:"candidates"`
		ChosenID       string      `json:"chosen_id"` //nolint:tagliatelle
		TieBreaker     TieBreaker  `json:"tie_breaker"`     //nolint:tagliatelle
		AgentRationale string      `json:"agent_rationale"` //nolint:tagliatelle
		CorrelationID  string      `json:"correlation_id"`  //nolint:tagliatelle
		RecordedAt     time.Time   `json:"recorded_at"`     //nolint:tagliatelle
	}

	// Mismatch is one detected conflict between a record's rationale and its
	// provenance.
	Mismatch struct {
		DecisionID string   `json:"decision_id"` //nolint:tagliatelle
		Rule       string   `json:"rule"`
		Severity   Severity `json:"severity"`
		Detail     string   `json:"detail"`
	}
)

// Tie-break rules. Ties on score resolve by the named rule; candidate ID
// ordering is the final deterministic fallback.
const (
	// TieBreakLowestCost prefers the cheaper candidate among score ties.
	TieBreakLowestCost TieBreaker = "lowest_cost"

	// TieBreakLexicographic prefers the lexicographically smallest candidate ID.
	TieBreakLexicographic TieBreaker = "lexicographic"
)

// Mismatch severities.
const (
	// SeverityInfo marks a cosmetic inconsistency.
	SeverityInfo Severity = "INFO"

	// SeverityWarn marks a claim unsupported by the numbers.
	SeverityWarn Severity = "WARN"

	// SeverityBlocker marks a claim the numbers contradict. A blocker may
	// trigger automatic blacklisting of the offending pattern.
	SeverityBlocker Severity = "BLOCKER"
)

// Validation errors.
var (
	// ErrRecordInvalid indicates a structurally invalid decision record.
	ErrRecordInvalid = errors.New("invalid decision record")

	// ErrChosenUnknown indicates the chosen ID names no candidate.
	ErrChosenUnknown = errors.New("chosen candidate not among candidates")
)

// Validate checks the record's structural invariants.
func (r Record) Validate() error {
	if r.DecisionID == "" {
		return fmt.Errorf("%w: decision_id is empty", ErrRecordInvalid)
	}

	if r.DecisionType == "" {
		return fmt.Errorf("%w: decision_type is empty", ErrRecordInvalid)
	}

	if r.CorrelationID == "" {
		return fmt.Errorf("%w: correlation_id is empty", ErrRecordInvalid)
	}

	if len(r.Candidates) == 0 {
		return fmt.Errorf("%w: no candidates", ErrRecordInvalid)
	}

	if r.RecordedAt.IsZero() {
		return fmt.Errorf("%w: recorded_at is zero", ErrRecordInvalid)
	}

	if _, ok := r.candidate(r.ChosenID); !ok {
		return fmt.Errorf("%w: %q", ErrChosenUnknown, r.ChosenID)
	}

	return nil
}

// candidate returns the candidate with the given ID.
func (r Record) candidate(id string) (Candidate, bool) {
	for _, c := range r.Candidates {
		if c.CandidateID == id {
			return c, true
		}
	}

	return Candidate{}, false
}

// Winner recomputes the tie-broken winner of the record's score vector.
// Highest score wins; ties resolve by the record's tie-break rule, then by
// candidate ID so the result is fully deterministic.
func (r Record) Winner() Candidate {
	var winner Candidate

	for i, c := range r.Candidates {
		if i == 0 || beats(c, winner, r.TieBreaker) {
			winner = c
		}
	}

	return winner
}

func beats(a, b Candidate, rule TieBreaker) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}

	if rule == TieBreakLowestCost && a.Cost != b.Cost {
		return a.Cost < b.Cost
	}

	return a.CandidateID < b.CandidateID
}

// Replay verifies the recorded choice is still the tie-broken winner of the
// recorded scores. A replay divergence means the record was tampered with or
// the choice was never justified by its own provenance.
func (r Record) Replay() error {
	if err := r.Validate(); err != nil {
		return err
	}

	winner := r.Winner()
	if winner.CandidateID != r.ChosenID {
		return fmt.Errorf("%w: recorded choice %q but replay selects %q",
			ErrRecordInvalid, r.ChosenID, winner.CandidateID)
	}

	return nil
}
