package decision

import (
	"fmt"
	"strings"
)

// Mismatch rule names.
const (
	RuleReplayDivergence = "replay_divergence"
	RuleCostClaim        = "cost_claim"
	RuleScoreClaim       = "score_claim"
	RuleMissingRationale = "missing_rationale"
)

// Claim phrases matched case-insensitively in the rationale. The matching is
// deliberately coarse: a missed claim costs one undetected mismatch, a false
// positive costs one INFO/WARN signal, and both are acceptable.
var (
	costClaimPhrases  = []string{"lower cost", "lowest cost", "cheaper", "cheapest", "least expensive"}
	scoreClaimPhrases = []string{"higher score", "highest score", "best score", "top score", "highest-scoring"}
)

// Detect runs every mismatch rule over one validated record and returns the
// conflicts between the rationale's claims and the provenance numbers. An
// empty result means the two layers are consistent.
func Detect(r Record) []Mismatch {
	var found []Mismatch

	if err := r.Replay(); err != nil {
		found = append(found, Mismatch{
			DecisionID: r.DecisionID,
			Rule:       RuleReplayDivergence,
			Severity:   SeverityBlocker,
			Detail:     err.Error(),
		})
	}

	rationale := strings.ToLower(r.AgentRationale)
	if strings.TrimSpace(rationale) == "" {
		found = append(found, Mismatch{
			DecisionID: r.DecisionID,
			Rule:       RuleMissingRationale,
			Severity:   SeverityInfo,
			Detail:     "decision carries no rationale",
		})

		return found
	}

	chosen, ok := r.candidate(r.ChosenID)
	if !ok {
		return found
	}

	if m, bad := checkCostClaim(r, chosen, rationale); bad {
		found = append(found, m)
	}

	if m, bad := checkScoreClaim(r, chosen, rationale); bad {
		found = append(found, m)
	}

	return found
}

// checkCostClaim verifies a "chose it because it was cheaper" claim. A chosen
// candidate that is not the cheapest is a WARN; one that is strictly the most
// expensive contradicts the claim outright and is a BLOCKER.
func checkCostClaim(r Record, chosen Candidate, rationale string) (Mismatch, bool) {
	if !containsAny(rationale, costClaimPhrases) {
		return Mismatch{}, false
	}

	minCost, maxCost := chosen.Cost, chosen.Cost

	for _, c := range r.Candidates {
		if c.Cost < minCost {
			minCost = c.Cost
		}

		if c.Cost > maxCost {
			maxCost = c.Cost
		}
	}

	if chosen.Cost <= minCost {
		return Mismatch{}, false
	}

	severity := SeverityWarn
	if chosen.Cost >= maxCost && minCost < maxCost {
		severity = SeverityBlocker
	}

	return Mismatch{
		DecisionID: r.DecisionID,
		Rule:       RuleCostClaim,
		Severity:   severity,
		Detail: fmt.Sprintf("rationale claims lower cost but %q costs %.4f against a minimum of %.4f",
			chosen.CandidateID, chosen.Cost, minCost),
	}, true
}

// checkScoreClaim verifies a "chose it for the best score" claim, mirroring
// the cost rule.
func checkScoreClaim(r Record, chosen Candidate, rationale string) (Mismatch, bool) {
	if !containsAny(rationale, scoreClaimPhrases) {
		return Mismatch{}, false
	}

	minScore, maxScore := chosen.Score, chosen.Score

	for _, c := range r.Candidates {
		if c.Score < minScore {
			minScore = c.Score
		}

		if c.Score > maxScore {
			maxScore = c.Score
		}
	}

	if chosen.Score >= maxScore {
		return Mismatch{}, false
	}

	severity := SeverityWarn
	if chosen.Score <= minScore && minScore < maxScore {
		severity = SeverityBlocker
	}

	return Mismatch{
		DecisionID: r.DecisionID,
		Rule:       RuleScoreClaim,
		Severity:   severity,
		Detail: fmt.Sprintf("rationale claims highest score but %q scores %.4f against a maximum of %.4f",
			chosen.CandidateID, chosen.Score, maxScore),
	}, true
}

func containsAny(s string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(s, phrase) {
			return true
		}
	}

	return false
}

// MaxSeverity returns the highest severity among the mismatches, or the zero
// value when there are none.
func MaxSeverity(mismatches []Mismatch) Severity {
	var maxSev Severity

	for _, m := range mismatches {
		if severityRank(m.Severity) > severityRank(maxSev) {
			maxSev = m.Severity
		}
	}

	return maxSev
}

func severityRank(s Severity) int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarn:
		return 2
	case SeverityBlocker:
		return 3
	default:
		return 0
	}
}
