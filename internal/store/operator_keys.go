package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Manual blacklist commands require an operator key. Keys are stored as
// bcrypt hashes; the plaintext secret travels only in the authorizing
// command and is never persisted or logged.

// OperatorKeyStore verifies operator credentials for privileged lifecycle
// commands.
type OperatorKeyStore struct {
	conn   *Connection
	logger *slog.Logger
	cost   int
}

// NewOperatorKeyStore creates an operator key store using bcrypt's default
// cost.
func NewOperatorKeyStore(conn *Connection, logger *slog.Logger) (*OperatorKeyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &OperatorKeyStore{conn: conn, logger: logger, cost: bcrypt.DefaultCost}, nil
}

// AddKey provisions a new operator key. The secret is hashed before storage.
func (s *OperatorKeyStore) AddKey(ctx context.Context, keyID, secret string) error {
	if keyID == "" || secret == "" {
		return fmt.Errorf("%w: key id and secret are required", ErrOperatorKeyInvalid)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return fmt.Errorf("failed to hash operator key: %w", err)
	}

	const query = `
		INSERT INTO operator_keys (key_id, key_hash, created_at)
		VALUES ($1, $2, $3)`

	if _, err := s.conn.ExecContext(ctx, query, keyID, string(hash), time.Now().UTC()); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: key id %s already exists", ErrOperatorKeyInvalid, keyID)
		}

		return fmt.Errorf("failed to insert operator key: %w", err)
	}

	s.logger.InfoContext(ctx, "operator key provisioned", "key_id", keyID)

	return nil
}

// RevokeKey marks an operator key revoked. Revoked keys fail verification.
func (s *OperatorKeyStore) RevokeKey(ctx context.Context, keyID string) error {
	const query = `
		UPDATE operator_keys
		SET revoked_at = $2
		WHERE key_id = $1 AND revoked_at IS NULL`

	result, err := s.conn.ExecContext(ctx, query, keyID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to revoke operator key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read revoke result: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: key id %s", ErrOperatorKeyInvalid, keyID)
	}

	s.logger.InfoContext(ctx, "operator key revoked", "key_id", keyID)

	return nil
}

// VerifyKey checks a plaintext secret against the stored hash. Unknown,
// revoked, and mismatched keys all resolve to ErrOperatorKeyInvalid so the
// caller cannot distinguish which failed.
func (s *OperatorKeyStore) VerifyKey(ctx context.Context, keyID, secret string) error {
	const query = `
		SELECT key_hash, revoked_at
		FROM operator_keys
		WHERE key_id = $1`

	var (
		hash      string
		revokedAt sql.NullTime
	)

	err := s.conn.QueryRowContext(ctx, query, keyID).Scan(&hash, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOperatorKeyInvalid
	}

	if err != nil {
		return fmt.Errorf("failed to load operator key: %w", err)
	}

	if revokedAt.Valid {
		return ErrOperatorKeyInvalid
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrOperatorKeyInvalid
	}

	return nil
}
