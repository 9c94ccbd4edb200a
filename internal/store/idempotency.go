package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// cleanupBatchSize bounds each delete statement so cleanup never holds long
// locks against the dispatch hot path.
const cleanupBatchSize = 1000

// IdempotencyStore persists dispatch-level idempotency keys with a TTL.
//
// The dispatch engine marks every (topic, event_id) it has processed;
// redelivered envelopes short-circuit to AlreadyApplied. Keys expire after
// the configured TTL and a background goroutine purges them in batches.
type IdempotencyStore struct {
	conn     *Connection
	logger   *slog.Logger
	ttl      time.Duration
	interval time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewIdempotencyStore creates an idempotency store. Cleanup does not start
// until StartCleanup is called.
func NewIdempotencyStore(conn *Connection, cfg *Config, logger *slog.Logger) (*IdempotencyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &IdempotencyStore{
		conn:     conn,
		logger:   logger,
		ttl:      cfg.IdempotencyTTL,
		interval: cfg.CleanupInterval,
	}, nil
}

// MarkProcessed records a dispatch key. Returns true when this call claimed
// the key, false when the key was already present (duplicate delivery).
func (s *IdempotencyStore) MarkProcessed(ctx context.Context, key string) (bool, error) {
	const query = `
		INSERT INTO dispatch_idempotency (idempotency_key, processed_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (idempotency_key) DO NOTHING`

	now := time.Now().UTC()

	result, err := s.conn.ExecContext(ctx, query, key, now, now.Add(s.ttl))
	if err != nil {
		return false, fmt.Errorf("failed to mark idempotency key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read idempotency mark result: %w", err)
	}

	return rows > 0, nil
}

// Release drops a dispatch key so the envelope can be retried. Called when a
// handler reports a retryable failure after the key was claimed.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	const query = `DELETE FROM dispatch_idempotency WHERE idempotency_key = $1`

	if _, err := s.conn.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}

	return nil
}

// Seen reports whether a dispatch key is currently recorded.
func (s *IdempotencyStore) Seen(ctx context.Context, key string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM dispatch_idempotency WHERE idempotency_key = $1
		)`

	var exists bool
	if err := s.conn.QueryRowContext(ctx, query, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	return exists, nil
}

// StartCleanup launches the background purge goroutine. Safe to call once;
// subsequent calls are no-ops.
func (s *IdempotencyStore) StartCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}

	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.runCleanup()
}

// StopCleanup stops the purge goroutine and waits for it to exit.
func (s *IdempotencyStore) StopCleanup() {
	s.mu.Lock()

	if !s.started {
		s.mu.Unlock()

		return
	}

	s.started = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
}

func (s *IdempotencyStore) runCleanup() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			deleted, err := s.CleanupExpired(context.Background())
			if err != nil {
				s.logger.Error("idempotency cleanup failed", "error", err)

				continue
			}

			if deleted > 0 {
				s.logger.Info("expired idempotency keys purged", "deleted", deleted)
			}
		}
	}
}

// CleanupExpired deletes expired keys in bounded batches and returns the
// total number removed.
func (s *IdempotencyStore) CleanupExpired(ctx context.Context) (int64, error) {
	const query = `
		DELETE FROM dispatch_idempotency
		WHERE idempotency_key IN (
			SELECT idempotency_key FROM dispatch_idempotency
			WHERE expires_at < $1
			LIMIT $2
		)`

	var total int64

	for {
		result, err := s.conn.ExecContext(ctx, query, time.Now().UTC(), cleanupBatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to delete expired idempotency keys: %w", err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to read cleanup result: %w", err)
		}

		total += deleted

		if deleted < cleanupBatchSize {
			return total, nil
		}
	}
}
