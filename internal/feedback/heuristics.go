// Package feedback closes the learning loop: session outcomes arrive on the
// feedback command topic, credit is split across the session's injections by
// an attribution heuristic, and each credited pattern's rolling metrics and
// evidence tier advance in the store.
package feedback

import (
	"errors"
	"fmt"
	"sort"

	"github.com/onex-io/substrate/internal/pattern"
	"github.com/onex-io/substrate/internal/store"
)

// Heuristic names accepted in configuration and persisted on attributions.
const (
	HeuristicEqualSplit    = "equal_split"
	HeuristicRecencyWeight = "recency_weighted"
	HeuristicFirstMatch    = "first_match"
)

// Heuristic confidences, fixed per method. Downstream consumers weigh
// attributions by how discriminating the split was.
const (
	confidenceEqualSplit    = 0.5
	confidenceRecencyWeight = 0.7
	confidenceFirstMatch    = 0.9
)

// ErrHeuristicUnknown indicates an unrecognized heuristic name.
var ErrHeuristicUnknown = errors.New("unknown attribution heuristic")

// Attribute splits one unit of credit across the session's injections.
// Injections are ordered by injection time before weighting, so positional
// heuristics are deterministic regardless of query order. The returned
// weights always sum to 1.
func Attribute(heuristic string, injections []pattern.Injection) ([]store.AttributionCredit, error) {
	if len(injections) == 0 {
		return nil, nil
	}

	ordered := make([]pattern.Injection, len(injections))
	copy(ordered, injections)

	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].InjectedAt.Equal(ordered[j].InjectedAt) {
			return ordered[i].InjectedAt.Before(ordered[j].InjectedAt)
		}

		return ordered[i].InjectionID < ordered[j].InjectionID
	})

	switch heuristic {
	case HeuristicEqualSplit:
		return equalSplit(ordered), nil
	case HeuristicRecencyWeight:
		return recencyWeighted(ordered), nil
	case HeuristicFirstMatch:
		return firstMatch(ordered), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrHeuristicUnknown, heuristic)
	}
}

// equalSplit assigns 1/N to every injection.
func equalSplit(injections []pattern.Injection) []store.AttributionCredit {
	weight := 1.0 / float64(len(injections))

	credits := make([]store.AttributionCredit, 0, len(injections))
	for _, inj := range injections {
		credits = append(credits, credit(inj, weight, HeuristicEqualSplit, confidenceEqualSplit))
	}

	return credits
}

// recencyWeighted assigns a linear ramp i+1 for position i, normalized, so
// later injections carry more credit.
func recencyWeighted(injections []pattern.Injection) []store.AttributionCredit {
	n := len(injections)
	total := float64(n*(n+1)) / 2

	credits := make([]store.AttributionCredit, 0, n)
	for i, inj := range injections {
		credits = append(credits, credit(inj, float64(i+1)/total, HeuristicRecencyWeight, confidenceRecencyWeight))
	}

	return credits
}

// firstMatch assigns the full unit to the earliest injection.
func firstMatch(injections []pattern.Injection) []store.AttributionCredit {
	credits := make([]store.AttributionCredit, 0, len(injections))
	for i, inj := range injections {
		weight := 0.0
		if i == 0 {
			weight = 1.0
		}

		credits = append(credits, credit(inj, weight, HeuristicFirstMatch, confidenceFirstMatch))
	}

	return credits
}

func credit(inj pattern.Injection, weight float64, heuristic string, confidence float64) store.AttributionCredit {
	return store.AttributionCredit{
		PatternID:   inj.PatternID,
		InjectionID: inj.InjectionID,
		Weight:      weight,
		Heuristic:   heuristic,
		Confidence:  confidence,
	}
}
