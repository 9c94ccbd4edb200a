// Package api provides the read-side HTTP server for the substrate: pattern
// queries, lineage inspection, decision audit lookups, and health probes.
package api

import (
	"time"

	"github.com/onex-io/substrate/internal/pattern"
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"service_name"` //nolint:tagliatelle
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// PatternView is the wire form of one pattern version. Window internals
	// stay private; only the derived metrics are exposed.
	PatternView struct {
		PatternID          string                    `json:"pattern_id"` //nolint:tagliatelle
		Signature          string                    `json:"signature"`
		SignatureHash      string                    `json:"signature_hash"` //nolint:tagliatelle
		Version            int                       `json:"version"`
		LifecycleStatus    pattern.LifecycleStatus   `json:"lifecycle_status"` //nolint:tagliatelle
		EvidenceTier       pattern.EvidenceTier      `json:"evidence_tier"`    //nolint:tagliatelle
		Confidence         float64                   `json:"confidence"`
		Metrics            pattern.Metrics           `json:"metrics"`
		InjectionCount     int                       `json:"injection_count"`             //nolint:tagliatelle
		DomainCandidates   []pattern.DomainCandidate `json:"domain_candidates,omitempty"` //nolint:tagliatelle
		ContentFingerprint string                    `json:"content_fingerprint"`         //nolint:tagliatelle
		CreatedAt          time.Time                 `json:"created_at"`                  //nolint:tagliatelle
		LastTransitionedAt time.Time                 `json:"last_transitioned_at"`        //nolint:tagliatelle
	}

	// PatternListResponse wraps a pattern query result.
	PatternListResponse struct {
		Patterns []PatternView `json:"patterns"`
		Count    int           `json:"count"`
	}

	// LineageResponse lists all versions of one pattern lineage, newest first.
	LineageResponse struct {
		SignatureHash string        `json:"signature_hash"` //nolint:tagliatelle
		Versions      []PatternView `json:"versions"`
	}
)

// toPatternView projects a domain pattern into its wire form.
func toPatternView(p pattern.Pattern) PatternView {
	return PatternView{
		PatternID:          p.PatternID,
		Signature:          p.Signature,
		SignatureHash:      p.SignatureHash,
		Version:            p.Version,
		LifecycleStatus:    p.LifecycleStatus,
		EvidenceTier:       p.EvidenceTier,
		Confidence:         p.Confidence,
		Metrics:            p.Window.Metrics(),
		InjectionCount:     p.InjectionCount,
		DomainCandidates:   p.DomainCandidates,
		ContentFingerprint: p.ContentFingerprint,
		CreatedAt:          p.CreatedAt,
		LastTransitionedAt: p.LastTransitionedAt,
	}
}

// toPatternViews projects a slice, keeping order.
func toPatternViews(patterns []pattern.Pattern) []PatternView {
	views := make([]PatternView, 0, len(patterns))

	for _, p := range patterns {
		views = append(views, toPatternView(p))
	}

	return views
}
