package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onex-io/substrate/internal/pattern"
)

type (
	// TransitionCode is the outcome of an ApplyTransition call.
	TransitionCode string

	// TransitionRequest carries one lifecycle transition command.
	//
	// IdempotencyKey is the driving envelope's key; replaying the same command
	// resolves to ALREADY_APPLIED without touching the projection.
	TransitionRequest struct {
		PatternID      string
		From           pattern.LifecycleStatus
		To             pattern.LifecycleStatus
		Tier           pattern.EvidenceTier
		Snapshot       pattern.GateSnapshot
		IdempotencyKey string
		Actor          string
		Reason         string
	}

	// TransitionOutcome reports how a transition request resolved. Pattern
	// carries the projection state after the call (current state on
	// STALE_STATUS, unchanged state on GATE_FAILED).
	TransitionOutcome struct {
		Code      TransitionCode
		Pattern   pattern.Pattern
		GateError string
	}

	// UpsertRequest registers a pattern observation.
	UpsertRequest struct {
		Signature        string
		DomainCandidates []pattern.DomainCandidate
	}

	// UpsertResult reports the stored version an upsert resolved to.
	UpsertResult struct {
		Pattern pattern.Pattern
		Created bool
	}

	// AttributionCredit is one pattern's share of a session outcome, as
	// assigned by an attribution heuristic.
	AttributionCredit struct {
		PatternID   string
		InjectionID string
		Weight      float64
		Heuristic   string
		Confidence  float64
	}

	// QueryFilter selects patterns for read queries. Zero-valued fields are
	// not applied.
	QueryFilter struct {
		SignatureHash string
		Statuses      []pattern.LifecycleStatus
		Domain        string
		UpdatedSince  time.Time
		Limit         int
	}

	// PatternStore is the transactional home of all pattern state. All
	// mutations run in short transactions keyed by idempotency; reads from
	// the projection are linearizable with respect to applied transitions.
	PatternStore struct {
		conn       *Connection
		logger     *slog.Logger
		thresholds pattern.Thresholds
	}
)

// Transition result codes.
const (
	// TransitionApplied indicates the projection was updated and an audit
	// record appended.
	TransitionApplied TransitionCode = "APPLIED"

	// TransitionAlreadyApplied indicates the idempotency key was seen before.
	TransitionAlreadyApplied TransitionCode = "ALREADY_APPLIED"

	// TransitionStaleStatus indicates the projection's current status did not
	// match the request's from status.
	TransitionStaleStatus TransitionCode = "STALE_STATUS"

	// TransitionGateFailed indicates a legal edge whose guard did not hold.
	TransitionGateFailed TransitionCode = "GATE_FAILED"
)

const defaultQueryLimit = 100

// NewPatternStore creates a pattern store over an open connection.
func NewPatternStore(conn *Connection, thresholds pattern.Thresholds, logger *slog.Logger) (*PatternStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PatternStore{conn: conn, logger: logger, thresholds: thresholds}, nil
}

// UpsertPattern inserts a new lineage at version 1, or returns the lineage's
// current version when the signature hash is already known. Idempotent:
// concurrent first observations of the same signature resolve to one row.
func (s *PatternStore) UpsertPattern(ctx context.Context, req UpsertRequest) (*UpsertResult, error) {
	if req.Signature == "" {
		return nil, pattern.ErrSignatureEmpty
	}

	hash := pattern.SignatureHash(req.Signature)

	existing, err := s.currentBySignatureHash(ctx, hash)
	if err == nil {
		return &UpsertResult{Pattern: *existing, Created: false}, nil
	}

	if !errors.Is(err, ErrLineageNotFound) {
		return nil, err
	}

	created, err := s.insertLineage(ctx, req, hash)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race to a concurrent upsert of the same lineage.
			existing, lookupErr := s.currentBySignatureHash(ctx, hash)
			if lookupErr != nil {
				return nil, lookupErr
			}

			return &UpsertResult{Pattern: *existing, Created: false}, nil
		}

		return nil, err
	}

	s.logger.InfoContext(ctx, "pattern lineage created",
		"pattern_id", created.PatternID,
		"signature_hash", hash,
		"version", created.Version)

	return &UpsertResult{Pattern: *created, Created: true}, nil
}

// StartNewVersion appends a new version to an existing lineage. The previous
// version row remains immutable; the projection moves to the new version and
// restarts its lifecycle as an unmeasured candidate. Fails with
// ErrLineageNotFound when the signature hash was never seen.
func (s *PatternStore) StartNewVersion(ctx context.Context, signatureHash, signature string) (*pattern.Pattern, error) {
	if signature == "" {
		return nil, pattern.ErrSignatureEmpty
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const lockQuery = `
		SELECT current_version, domain_candidates
		FROM patterns
		WHERE signature_hash = $1
		FOR UPDATE`

	var (
		currentVersion int
		domainsJSON    []byte
	)

	err = tx.QueryRowContext(ctx, lockQuery, signatureHash).Scan(&currentVersion, &domainsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: signature_hash %s", ErrLineageNotFound, signatureHash)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to lock pattern projection: %w", err)
	}

	now := time.Now().UTC()

	p := pattern.Pattern{
		PatternID:          pattern.NewPatternID(),
		Signature:          signature,
		SignatureHash:      signatureHash,
		Version:            currentVersion + 1,
		LifecycleStatus:    pattern.StatusCandidate,
		EvidenceTier:       pattern.TierUnmeasured,
		Window:             pattern.MustWindow(s.thresholds.WindowSize),
		ContentFingerprint: pattern.ContentFingerprint(signature),
		CreatedAt:          now,
		LastTransitionedAt: now,
	}

	if err := json.Unmarshal(domainsJSON, &p.DomainCandidates); err != nil {
		return nil, fmt.Errorf("failed to unmarshal domain candidates: %w", err)
	}

	if err := s.insertVersionRow(ctx, tx, &p); err != nil {
		return nil, err
	}

	windowJSON, err := json.Marshal(p.Window)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rolling window: %w", err)
	}

	const advanceQuery = `
		UPDATE patterns
		SET pattern_id = $2,
		    current_version = $3,
		    current_status = $4,
		    evidence_tier = $5,
		    confidence = 0,
		    injection_count = 0,
		    rolling_window = $6,
		    last_transitioned_at = $7,
		    updated_at = $7
		WHERE signature_hash = $1`

	if _, err := tx.ExecContext(ctx, advanceQuery,
		signatureHash, p.PatternID, p.Version, p.LifecycleStatus.String(),
		p.EvidenceTier.String(), windowJSON, now); err != nil {
		return nil, fmt.Errorf("failed to advance pattern projection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit new version: %w", err)
	}

	s.logger.InfoContext(ctx, "pattern version started",
		"pattern_id", p.PatternID,
		"signature_hash", signatureHash,
		"version", p.Version)

	return &p, nil
}

// ApplyTransition applies one lifecycle transition in a single transaction.
//
// The transaction verifies, in order: the idempotency key was not applied
// before, the projection's current status matches the request's from status
// (optimistic lock under FOR UPDATE), the edge is legal, and the gate holds
// against the request's snapshot. On success it updates the projection,
// advances the evidence tier, and appends the audit record with the snapshot.
func (s *PatternStore) ApplyTransition(ctx context.Context, req TransitionRequest) (*TransitionOutcome, error) {
	if req.PatternID == "" || req.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: pattern_id and idempotency_key are required", ErrPatternNotFound)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	applied, err := s.transitionAlreadyApplied(ctx, tx, req.PatternID, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	if applied {
		current, lookupErr := s.currentByPatternID(ctx, req.PatternID)
		if lookupErr != nil {
			return nil, lookupErr
		}

		return &TransitionOutcome{Code: TransitionAlreadyApplied, Pattern: *current}, nil
	}

	current, err := s.lockProjection(ctx, tx, req.PatternID)
	if err != nil {
		return nil, err
	}

	if current.LifecycleStatus != req.From {
		return &TransitionOutcome{Code: TransitionStaleStatus, Pattern: *current}, nil
	}

	if err := pattern.EvaluateGate(req.From, req.To, req.Snapshot, current.Window.HasPositiveOutcome(), s.thresholds); err != nil {
		if errors.Is(err, pattern.ErrGateFailed) {
			return &TransitionOutcome{Code: TransitionGateFailed, Pattern: *current, GateError: err.Error()}, nil
		}

		return nil, err
	}

	now := time.Now().UTC()
	newTier := current.EvidenceTier.Advance(req.Tier)

	const updateQuery = `
		UPDATE patterns
		SET current_status = $2,
		    evidence_tier = $3,
		    last_transitioned_at = $4,
		    updated_at = $4
		WHERE pattern_id = $1`

	if _, err := tx.ExecContext(ctx, updateQuery,
		req.PatternID, req.To.String(), newTier.String(), now); err != nil {
		return nil, fmt.Errorf("failed to update pattern projection: %w", err)
	}

	snapshotJSON, err := json.Marshal(req.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gate snapshot: %w", err)
	}

	const auditQuery = `
		INSERT INTO pattern_lifecycle_audit (
			pattern_id, idempotency_key, from_status, to_status,
			evidence_tier, gate_snapshot, actor, reason, transitioned_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	if _, err := tx.ExecContext(ctx, auditQuery,
		req.PatternID, req.IdempotencyKey, req.From.String(), req.To.String(),
		newTier.String(), snapshotJSON, req.Actor, req.Reason, now); err != nil {
		if isUniqueViolation(err) {
			// Concurrent replay of the same command committed first.
			return &TransitionOutcome{Code: TransitionAlreadyApplied, Pattern: *current}, nil
		}

		return nil, fmt.Errorf("failed to append lifecycle audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	current.LifecycleStatus = req.To
	current.EvidenceTier = newTier
	current.LastTransitionedAt = now

	s.logger.InfoContext(ctx, "lifecycle transition applied",
		"pattern_id", req.PatternID,
		"from", req.From.String(),
		"to", req.To.String(),
		"evidence_tier", newTier.String())

	return &TransitionOutcome{Code: TransitionApplied, Pattern: *current}, nil
}

// RecordInjection persists an injection and increments the projection's
// injection count in one transaction. Re-recording the same injection ID is
// a no-op.
func (s *PatternStore) RecordInjection(ctx context.Context, inj pattern.Injection) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertQuery = `
		INSERT INTO pattern_injections (
			injection_id, pattern_id, session_id, correlation_id,
			context_type, cohort, injected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (injection_id) DO NOTHING`

	result, err := tx.ExecContext(ctx, insertQuery,
		inj.InjectionID, inj.PatternID, inj.SessionID, inj.CorrelationID,
		string(inj.ContextType), string(inj.Cohort), inj.InjectedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert injection: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read injection insert result: %w", err)
	}

	if rows == 0 {
		return tx.Commit()
	}

	const countQuery = `
		UPDATE patterns
		SET injection_count = injection_count + 1, updated_at = $2
		WHERE pattern_id = $1`

	if _, err := tx.ExecContext(ctx, countQuery, inj.PatternID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to bump injection count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit injection: %w", err)
	}

	return nil
}

// InjectionsForSession returns all injections recorded for a session, oldest
// first. An empty slice means no patterns were surfaced to the session.
func (s *PatternStore) InjectionsForSession(ctx context.Context, sessionID string) ([]pattern.Injection, error) {
	const query = `
		SELECT injection_id, pattern_id, session_id, correlation_id,
		       context_type, cohort, injected_at
		FROM pattern_injections
		WHERE session_id = $1
		ORDER BY injected_at ASC, injection_id ASC`

	rows, err := s.conn.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query injections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var injections []pattern.Injection

	for rows.Next() {
		var (
			inj         pattern.Injection
			contextType string
			cohort      string
		)

		if err := rows.Scan(&inj.InjectionID, &inj.PatternID, &inj.SessionID,
			&inj.CorrelationID, &contextType, &cohort, &inj.InjectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan injection: %w", err)
		}

		inj.ContextType = pattern.ContextType(contextType)
		inj.Cohort = pattern.Cohort(cohort)
		inj.InjectedAt = inj.InjectedAt.UTC()
		injections = append(injections, inj)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate injections: %w", err)
	}

	return injections, nil
}

// ClaimSessionOutcome records a session outcome exactly once. Returns false
// when the session was already claimed, so duplicate deliveries resolve to
// ALREADY_RECORDED instead of double-counted metrics.
func (s *PatternStore) ClaimSessionOutcome(ctx context.Context, outcome pattern.SessionOutcome) (bool, error) {
	if err := outcome.Validate(); err != nil {
		return false, err
	}

	signalsJSON, err := json.Marshal(outcome.Signals)
	if err != nil {
		return false, fmt.Errorf("failed to marshal evidence signals: %w", err)
	}

	const query = `
		INSERT INTO session_outcomes (
			session_id, outcome, correlation_id, run_id, signals, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO NOTHING`

	result, err := s.conn.ExecContext(ctx, query,
		outcome.SessionID, outcome.Outcome.String(), outcome.CorrelationID,
		outcome.RunID, signalsJSON, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim session outcome: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read outcome claim result: %w", err)
	}

	return rows > 0, nil
}

// ApplyOutcomeCredit applies one pattern's attribution share of a session
// outcome: the weighted outcome enters the rolling window, the evidence tier
// advances per the outcome's signals, confidence tracks the fresh success
// rate, and the attribution row is persisted in the same transaction.
//
// Returns the refreshed pattern so the caller can evaluate lifecycle gates
// against the post-outcome metrics.
func (s *PatternStore) ApplyOutcomeCredit(ctx context.Context, outcome pattern.SessionOutcome, credit AttributionCredit) (*pattern.Pattern, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.lockProjection(ctx, tx, credit.PatternID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	window := current.Window.Record(pattern.WeightedOutcome{
		Outcome:    outcome.Outcome,
		Weight:     credit.Weight,
		RecordedAt: now,
	})

	metrics := window.Metrics()
	newTier := current.EvidenceTier.Advance(outcome.InferTier())

	confidence := current.Confidence
	if metrics.SuccessWeight+metrics.FailureWeight > 0 {
		confidence = metrics.SuccessRate
	}

	windowJSON, err := json.Marshal(window)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rolling window: %w", err)
	}

	const updateQuery = `
		UPDATE patterns
		SET rolling_window = $2,
		    evidence_tier = $3,
		    confidence = $4,
		    updated_at = $5
		WHERE pattern_id = $1`

	if _, err := tx.ExecContext(ctx, updateQuery,
		credit.PatternID, windowJSON, newTier.String(), confidence, now); err != nil {
		return nil, fmt.Errorf("failed to update pattern metrics: %w", err)
	}

	const attributionQuery = `
		INSERT INTO attributions (
			session_id, pattern_id, injection_id, outcome,
			weight, heuristic, heuristic_confidence, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if _, err := tx.ExecContext(ctx, attributionQuery,
		outcome.SessionID, credit.PatternID, credit.InjectionID,
		outcome.Outcome.String(), credit.Weight, credit.Heuristic,
		credit.Confidence, now); err != nil {
		return nil, fmt.Errorf("failed to insert attribution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit outcome credit: %w", err)
	}

	current.Window = window
	current.EvidenceTier = newTier
	current.Confidence = confidence

	return current, nil
}

// GetPattern returns the projection state for a pattern ID. The pattern must
// be the lineage's current version; superseded versions resolve via Lineage.
func (s *PatternStore) GetPattern(ctx context.Context, patternID string) (*pattern.Pattern, error) {
	return s.currentByPatternID(ctx, patternID)
}

// QueryPatterns returns current-version patterns matching the filter,
// most recently updated first.
func (s *PatternStore) QueryPatterns(ctx context.Context, filter QueryFilter) ([]pattern.Pattern, error) {
	query := `
		SELECT ` + projectionColumns + `
		FROM patterns p
		JOIN pattern_versions v ON v.pattern_id = p.pattern_id
		WHERE 1=1`

	args := make([]any, 0, 4)

	if filter.SignatureHash != "" {
		args = append(args, filter.SignatureHash)
		query += fmt.Sprintf(" AND p.signature_hash = $%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = st.String()
		}

		statusJSON, err := json.Marshal(statuses)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status filter: %w", err)
		}

		args = append(args, statusJSON)
		query += fmt.Sprintf(" AND p.current_status IN (SELECT jsonb_array_elements_text($%d::jsonb))", len(args))
	}

	if filter.Domain != "" {
		args = append(args, filter.Domain)
		query += fmt.Sprintf(" AND p.domain_candidates @> jsonb_build_array(jsonb_build_object('domain', $%d::text))", len(args))
	}

	if !filter.UpdatedSince.IsZero() {
		args = append(args, filter.UpdatedSince.UTC())
		query += fmt.Sprintf(" AND p.updated_at >= $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY p.updated_at DESC LIMIT $%d", len(args))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var patterns []pattern.Pattern

	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}

		patterns = append(patterns, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate patterns: %w", err)
	}

	return patterns, nil
}

// Lineage returns every stored version of a signature hash, newest first.
// Version rows are immutable; only the current version carries live
// projection state, so superseded versions report their recorded creation
// metadata with the lineage's current projection omitted.
func (s *PatternStore) Lineage(ctx context.Context, signatureHash string) ([]pattern.Pattern, error) {
	const query = `
		SELECT v.pattern_id, v.signature, v.signature_hash, v.version,
		       v.content_fingerprint, v.created_at
		FROM pattern_versions v
		WHERE v.signature_hash = $1
		ORDER BY v.version DESC`

	rows, err := s.conn.QueryContext(ctx, query, signatureHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query lineage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []pattern.Pattern

	for rows.Next() {
		var p pattern.Pattern

		if err := rows.Scan(&p.PatternID, &p.Signature, &p.SignatureHash,
			&p.Version, &p.ContentFingerprint, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}

		p.CreatedAt = p.CreatedAt.UTC()
		versions = append(versions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lineage: %w", err)
	}

	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: signature_hash %s", ErrLineageNotFound, signatureHash)
	}

	// Overlay live projection state onto the current version.
	current, err := s.currentBySignatureHash(ctx, signatureHash)
	if err != nil {
		return nil, err
	}

	for i := range versions {
		if versions[i].PatternID == current.PatternID {
			versions[i] = *current
		}
	}

	return versions, nil
}

// projectionColumns is the shared column list for projection reads.
const projectionColumns = `
	p.pattern_id, v.signature, p.signature_hash, p.current_version,
	p.current_status, p.evidence_tier, p.confidence, p.injection_count,
	p.rolling_window, p.domain_candidates, v.content_fingerprint,
	v.created_at, p.last_transitioned_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(row rowScanner) (*pattern.Pattern, error) {
	var (
		p           pattern.Pattern
		status      string
		tier        string
		windowJSON  []byte
		domainsJSON []byte
	)

	err := row.Scan(&p.PatternID, &p.Signature, &p.SignatureHash, &p.Version,
		&status, &tier, &p.Confidence, &p.InjectionCount,
		&windowJSON, &domainsJSON, &p.ContentFingerprint,
		&p.CreatedAt, &p.LastTransitionedAt)
	if err != nil {
		return nil, err
	}

	p.LifecycleStatus = pattern.LifecycleStatus(status)
	p.EvidenceTier = pattern.EvidenceTier(tier)
	p.CreatedAt = p.CreatedAt.UTC()
	p.LastTransitionedAt = p.LastTransitionedAt.UTC()

	if err := json.Unmarshal(windowJSON, &p.Window); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rolling window: %w", err)
	}

	if len(domainsJSON) > 0 {
		if err := json.Unmarshal(domainsJSON, &p.DomainCandidates); err != nil {
			return nil, fmt.Errorf("failed to unmarshal domain candidates: %w", err)
		}
	}

	return &p, nil
}

func (s *PatternStore) currentBySignatureHash(ctx context.Context, signatureHash string) (*pattern.Pattern, error) {
	const query = `
		SELECT ` + projectionColumns + `
		FROM patterns p
		JOIN pattern_versions v ON v.pattern_id = p.pattern_id
		WHERE p.signature_hash = $1`

	p, err := scanPattern(s.conn.QueryRowContext(ctx, query, signatureHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: signature_hash %s", ErrLineageNotFound, signatureHash)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load pattern projection: %w", err)
	}

	return p, nil
}

func (s *PatternStore) currentByPatternID(ctx context.Context, patternID string) (*pattern.Pattern, error) {
	const query = `
		SELECT ` + projectionColumns + `
		FROM patterns p
		JOIN pattern_versions v ON v.pattern_id = p.pattern_id
		WHERE p.pattern_id = $1`

	p, err := scanPattern(s.conn.QueryRowContext(ctx, query, patternID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pattern_id %s", ErrPatternNotFound, patternID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load pattern projection: %w", err)
	}

	return p, nil
}

// lockProjection loads and row-locks the projection for a pattern ID inside
// the caller's transaction.
func (s *PatternStore) lockProjection(ctx context.Context, tx *sql.Tx, patternID string) (*pattern.Pattern, error) {
	const query = `
		SELECT ` + projectionColumns + `
		FROM patterns p
		JOIN pattern_versions v ON v.pattern_id = p.pattern_id
		WHERE p.pattern_id = $1
		FOR UPDATE OF p`

	p, err := scanPattern(tx.QueryRowContext(ctx, query, patternID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pattern_id %s", ErrPatternNotFound, patternID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to lock pattern projection: %w", err)
	}

	return p, nil
}

func (s *PatternStore) transitionAlreadyApplied(ctx context.Context, tx *sql.Tx, patternID, idempotencyKey string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM pattern_lifecycle_audit
			WHERE pattern_id = $1 AND idempotency_key = $2
		)`

	var exists bool
	if err := tx.QueryRowContext(ctx, query, patternID, idempotencyKey).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check transition idempotency: %w", err)
	}

	return exists, nil
}

func (s *PatternStore) insertLineage(ctx context.Context, req UpsertRequest, hash string) (*pattern.Pattern, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	p := pattern.Pattern{
		PatternID:          pattern.NewPatternID(),
		Signature:          req.Signature,
		SignatureHash:      hash,
		Version:            1,
		LifecycleStatus:    pattern.StatusCandidate,
		EvidenceTier:       pattern.TierUnmeasured,
		Window:             pattern.MustWindow(s.thresholds.WindowSize),
		DomainCandidates:   req.DomainCandidates,
		ContentFingerprint: pattern.ContentFingerprint(req.Signature),
		CreatedAt:          now,
		LastTransitionedAt: now,
	}

	if err := s.insertVersionRow(ctx, tx, &p); err != nil {
		return nil, err
	}

	windowJSON, err := json.Marshal(p.Window)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rolling window: %w", err)
	}

	domainsJSON, err := json.Marshal(domainCandidatesOrEmpty(p.DomainCandidates))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal domain candidates: %w", err)
	}

	const projectionQuery = `
		INSERT INTO patterns (
			signature_hash, pattern_id, current_version, current_status,
			evidence_tier, confidence, injection_count, rolling_window,
			domain_candidates, last_transitioned_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $7, $8, $8)`

	if _, err := tx.ExecContext(ctx, projectionQuery,
		hash, p.PatternID, p.Version, p.LifecycleStatus.String(),
		p.EvidenceTier.String(), windowJSON, domainsJSON, now); err != nil {
		return nil, fmt.Errorf("failed to insert pattern projection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pattern lineage: %w", err)
	}

	return &p, nil
}

func (s *PatternStore) insertVersionRow(ctx context.Context, tx *sql.Tx, p *pattern.Pattern) error {
	const query = `
		INSERT INTO pattern_versions (
			pattern_id, signature_hash, version, signature,
			content_fingerprint, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := tx.ExecContext(ctx, query,
		p.PatternID, p.SignatureHash, p.Version, p.Signature,
		p.ContentFingerprint, p.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert pattern version: %w", err)
	}

	return nil
}

func domainCandidatesOrEmpty(candidates []pattern.DomainCandidate) []pattern.DomainCandidate {
	if candidates == nil {
		return []pattern.DomainCandidate{}
	}

	return candidates
}
