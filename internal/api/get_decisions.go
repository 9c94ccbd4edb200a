// Package api provides the read-side HTTP server for the substrate: pattern
// queries, lineage inspection, decision audit lookups, and health probes.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/onex-io/substrate/internal/api/middleware"
	"github.com/onex-io/substrate/internal/decision"
	"github.com/onex-io/substrate/internal/store"
)

type (
	// DecisionListResponse wraps decision records sharing one correlation ID.
	DecisionListResponse struct {
		CorrelationID string            `json:"correlation_id"` //nolint:tagliatelle
		Decisions     []decision.Record `json:"decisions"`
		Count         int               `json:"count"`
	}
)

// handleListDecisions serves GET /api/v1/decisions?correlation_id=...
// returning the audit trail of one correlated flow.
func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	correlationID := r.URL.Query().Get("correlation_id")
	if correlationID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("correlation_id query parameter is required"))

		return
	}

	records, err := s.decisions.RecordsByCorrelation(r.Context(), correlationID)
	if err != nil {
		s.logger.Error("Decision query failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Decision query failed"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, DecisionListResponse{
		CorrelationID: correlationID,
		Decisions:     records,
		Count:         len(records),
	})
}

// handleGetDecision serves GET /api/v1/decisions/{decisionID}.
func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	decisionID := r.PathValue("decisionID")

	record, err := s.decisions.GetRecord(r.Context(), decisionID)
	if err != nil {
		if errors.Is(err, store.ErrDecisionNotFound) {
			WriteErrorResponse(w, r, s.logger,
				NotFound(fmt.Sprintf("No decision record with ID %q", decisionID)))

			return
		}

		s.logger.Error("Decision lookup failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("decision_id", decisionID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Decision lookup failed"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, record)
}
