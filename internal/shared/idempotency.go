package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ClaimLease bounds how long an unfinished claim blocks redelivery of the
// same key.
const ClaimLease = 5 * time.Minute

// IdempotencyStore persists processed keys.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: time.Now}
}

// Claim records key within scope as in progress. A key that was already
// completed returns ErrIdempotencyConflict; one still being processed returns
// ErrIdempotencyInProgress until its lease expires and it can be taken over.
func (s *IdempotencyStore) Claim(ctx context.Context, key, scope string) error {
	if s == nil || s.pool == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	if scope == "" {
		return errors.New("idempotency scope required")
	}
	now := s.now()
	tag, err := s.pool.Exec(ctx, `INSERT INTO idempotency_keys (key, scope, created_at) VALUES ($1, $2, $3)
ON CONFLICT (key, scope) DO UPDATE SET created_at = EXCLUDED.created_at
WHERE idempotency_keys.completed_at IS NULL AND idempotency_keys.created_at < $4`, key, scope, now, now.Add(-ClaimLease))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var completed bool
	err = s.pool.QueryRow(ctx, `SELECT completed_at IS NOT NULL FROM idempotency_keys WHERE key=$1 AND scope=$2`, key, scope).Scan(&completed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrIdempotencyInProgress
		}
		return err
	}
	if completed {
		return ErrIdempotencyConflict
	}
	return ErrIdempotencyInProgress
}

// Complete marks a claimed key as processed.
func (s *IdempotencyStore) Complete(ctx context.Context, key, scope string) error {
	if s == nil || s.pool == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.pool.Exec(ctx, `UPDATE idempotency_keys SET completed_at=$3 WHERE key=$1 AND scope=$2`, key, scope, s.now())
	return err
}

// Cleanup removes entries older than retention and reports how many were deleted.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, nil
	}
	cutoff := s.now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Release removes a key so a failed attempt can be retried.
func (s *IdempotencyStore) Release(ctx context.Context, key, scope string) error {
	if s == nil || s.pool == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key=$1 AND scope=$2`, key, scope)
	return err
}
