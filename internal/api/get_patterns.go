// Package api provides the read-side HTTP server for the substrate: pattern
// queries, lineage inspection, decision audit lookups, and health probes.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/onex-io/substrate/internal/api/middleware"
	"github.com/onex-io/substrate/internal/pattern"
	"github.com/onex-io/substrate/internal/store"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 500
)

// handleListPatterns serves GET /api/v1/patterns.
//
// Query parameters (all optional):
//   - signature_hash: restrict to one lineage's current version
//   - status: comma-separated lifecycle statuses (e.g. "VALIDATED,PROVISIONAL")
//   - domain: restrict to patterns classified into the domain
//   - limit: page size, capped at 500 (default 100)
func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	filter, problem := parsePatternFilter(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	patterns, err := s.patterns.QueryPatterns(r.Context(), filter)
	if err != nil {
		s.logger.Error("Pattern query failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Pattern query failed"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, PatternListResponse{
		Patterns: toPatternViews(patterns),
		Count:    len(patterns),
	})
}

// handleGetPattern serves GET /api/v1/patterns/{patternID}.
func (s *Server) handleGetPattern(w http.ResponseWriter, r *http.Request) {
	patternID := r.PathValue("patternID")

	p, err := s.patterns.GetPattern(r.Context(), patternID)
	if err != nil {
		if errors.Is(err, store.ErrPatternNotFound) {
			WriteErrorResponse(w, r, s.logger,
				NotFound(fmt.Sprintf("No pattern with ID %q", patternID)))

			return
		}

		s.logger.Error("Pattern lookup failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("pattern_id", patternID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Pattern lookup failed"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, toPatternView(*p))
}

// handleLineage serves GET /api/v1/lineages/{signatureHash}: every version
// of the lineage, newest first.
func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	signatureHash := r.PathValue("signatureHash")

	versions, err := s.patterns.Lineage(r.Context(), signatureHash)
	if err != nil {
		if errors.Is(err, store.ErrLineageNotFound) {
			WriteErrorResponse(w, r, s.logger,
				NotFound(fmt.Sprintf("No lineage with signature hash %q", signatureHash)))

			return
		}

		s.logger.Error("Lineage lookup failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("signature_hash", signatureHash),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Lineage lookup failed"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, LineageResponse{
		SignatureHash: signatureHash,
		Versions:      toPatternViews(versions),
	})
}

// parsePatternFilter builds a store filter from query parameters. A non-nil
// problem means the request is malformed.
func parsePatternFilter(r *http.Request) (store.QueryFilter, *ProblemDetail) {
	query := r.URL.Query()

	filter := store.QueryFilter{
		SignatureHash: query.Get("signature_hash"),
		Domain:        query.Get("domain"),
		Limit:         defaultQueryLimit,
	}

	if raw := query.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := pattern.LifecycleStatus(strings.ToUpper(strings.TrimSpace(s)))
			if !status.IsValid() {
				return store.QueryFilter{}, BadRequest(fmt.Sprintf("Unknown lifecycle status %q", s))
			}

			filter.Statuses = append(filter.Statuses, status)
		}
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return store.QueryFilter{}, BadRequest(fmt.Sprintf("Invalid limit %q", raw))
		}

		if limit > maxQueryLimit {
			limit = maxQueryLimit
		}

		filter.Limit = limit
	}

	return filter, nil
}
