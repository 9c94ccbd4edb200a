package store

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"
)

// Store sentinel errors.
var (
	// ErrPatternNotFound indicates the pattern ID does not exist.
	ErrPatternNotFound = errors.New("pattern not found")

	// ErrLineageNotFound indicates no version exists for a signature hash.
	// Starting a new version of an unknown lineage is a caller bug, not a
	// race to absorb.
	ErrLineageNotFound = errors.New("pattern lineage not found")

	// ErrOutcomeAlreadyRecorded indicates the session outcome was already
	// processed. Duplicate deliveries resolve to this, never to double counting.
	ErrOutcomeAlreadyRecorded = errors.New("session outcome already recorded")

	// ErrDecisionNotFound indicates the decision record does not exist.
	ErrDecisionNotFound = errors.New("decision record not found")

	// ErrOperatorKeyInvalid indicates an unknown or mismatched operator key.
	ErrOperatorKeyInvalid = errors.New("invalid operator key")
)

// PostgreSQL error class prefixes (SQLSTATE). Class 08 covers connection
// exceptions, class 23 covers integrity constraint violations.
const (
	pqClassConnection = "08"
	pqClassConstraint = "23"
)

// IsRetryableError reports whether the database error is transient and the
// driving envelope should be redelivered. Connection-class failures and
// serialization conflicts qualify; constraint violations never do.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)

		if strings.HasPrefix(code, pqClassConnection) {
			return true
		}

		// 40001 serialization_failure, 40P01 deadlock_detected.
		if code == "40001" || code == "40P01" {
			return true
		}

		return false
	}

	// Driver-level failures without a SQLSTATE (broken pipe, timeouts) are
	// treated as transient.
	return true
}

// IsConstraintViolation reports whether the error is an integrity constraint
// violation. These indicate malformed input and route to the dead letter
// queue rather than retry.
func IsConstraintViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), pqClassConstraint)
	}

	return false
}

// isUniqueViolation reports a 23505 unique_violation specifically. Used to
// turn insert races on idempotency keys into ALREADY_APPLIED outcomes.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return false
}
