package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onex-io/substrate/internal/decision"
)

// DecisionStore persists decision records for audit and replay.
type DecisionStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewDecisionStore creates a decision store over an open connection.
func NewDecisionStore(conn *Connection, logger *slog.Logger) (*DecisionStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &DecisionStore{conn: conn, logger: logger}, nil
}

// SaveRecord persists a decision record. Idempotent on decision ID: a
// redelivered record returns created=false without touching the stored row.
func (s *DecisionStore) SaveRecord(ctx context.Context, rec decision.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}

	candidatesJSON, err := json.Marshal(rec.Candidates)
	if err != nil {
		return false, fmt.Errorf("failed to marshal candidates: %w", err)
	}

	const query = `
		INSERT INTO decision_records (
			decision_id, decision_type, candidates, chosen_id, tie_breaker,
			agent_rationale, correlation_id, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (decision_id) DO NOTHING`

	result, err := s.conn.ExecContext(ctx, query,
		rec.DecisionID, rec.DecisionType, candidatesJSON, rec.ChosenID,
		string(rec.TieBreaker), rec.AgentRationale, rec.CorrelationID,
		rec.RecordedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert decision record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read decision insert result: %w", err)
	}

	return rows > 0, nil
}

// GetRecord loads a decision record by ID.
func (s *DecisionStore) GetRecord(ctx context.Context, decisionID string) (*decision.Record, error) {
	const query = `
		SELECT decision_id, decision_type, candidates, chosen_id, tie_breaker,
		       agent_rationale, correlation_id, recorded_at
		FROM decision_records
		WHERE decision_id = $1`

	rec, err := scanDecision(s.conn.QueryRowContext(ctx, query, decisionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: decision_id %s", ErrDecisionNotFound, decisionID)
	}

	if err != nil {
		return nil, err
	}

	return rec, nil
}

// RecordsByCorrelation returns all decisions on a causal chain, oldest first.
func (s *DecisionStore) RecordsByCorrelation(ctx context.Context, correlationID string) ([]decision.Record, error) {
	const query = `
		SELECT decision_id, decision_type, candidates, chosen_id, tie_breaker,
		       agent_rationale, correlation_id, recorded_at
		FROM decision_records
		WHERE correlation_id = $1
		ORDER BY recorded_at ASC, decision_id ASC`

	rows, err := s.conn.QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decision records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []decision.Record

	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate decision records: %w", err)
	}

	return records, nil
}

func scanDecision(row rowScanner) (*decision.Record, error) {
	var (
		rec            decision.Record
		candidatesJSON []byte
		tieBreaker     string
	)

	err := row.Scan(&rec.DecisionID, &rec.DecisionType, &candidatesJSON,
		&rec.ChosenID, &tieBreaker, &rec.AgentRationale,
		&rec.CorrelationID, &rec.RecordedAt)
	if err != nil {
		return nil, err
	}

	rec.TieBreaker = decision.TieBreaker(tieBreaker)
	rec.RecordedAt = rec.RecordedAt.UTC()

	if err := json.Unmarshal(candidatesJSON, &rec.Candidates); err != nil {
		return nil, fmt.Errorf("failed to unmarshal candidates: %w", err)
	}

	return &rec, nil
}
