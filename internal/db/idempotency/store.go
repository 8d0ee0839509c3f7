// Package idemdb persists idempotency keys in Postgres.
package idemdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ferryman/internal/idempotency"
)

// Store implements idempotency.Store on a Postgres table. Claims are a
// single atomic upsert; completion is owner-verified.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store backed by Postgres.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	store := NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the idempotency table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_consumed BOOLEAN NOT NULL DEFAULT FALSE,
			locked_until TIMESTAMPTZ,
			locked_by TEXT
		)
	`)
	return err
}

// TryClaim inserts the key or takes over an expired lease in one
// round-trip. When neither applies, a follow-up read distinguishes a
// sealed key from a live foreign lease; that read is diagnostic only, the
// caller's sole reaction to either answer is to stop.
func (s *Store) TryClaim(ctx context.Context, key, owner string, ttl time.Duration) (idempotency.ClaimResult, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, created_at, is_consumed, locked_by, locked_until)
		VALUES ($1, NOW(), FALSE, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (key) DO UPDATE
		SET locked_by = EXCLUDED.locked_by, locked_until = EXCLUDED.locked_until
		WHERE idempotency_keys.is_consumed = FALSE
		  AND (idempotency_keys.locked_until IS NULL OR idempotency_keys.locked_until < NOW())`,
		key, owner, ttl.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("claim %s: %w", key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		return idempotency.ClaimAcquired, nil
	}

	consumed, err := s.IsConsumed(ctx, key)
	if err != nil {
		return 0, err
	}
	if consumed {
		return idempotency.ClaimAlreadyConsumed, nil
	}
	return idempotency.ClaimLockedByOther, nil
}

// Complete seals the key if the caller still owns its lease. Sealing an
// already-sealed key succeeds; anything else means the lease was lost.
func (s *Store) Complete(ctx context.Context, key, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET is_consumed = TRUE, locked_by = NULL, locked_until = NULL
		WHERE key = $1 AND locked_by = $2 AND is_consumed = FALSE`,
		key, owner,
	)
	if err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	consumed, err := s.IsConsumed(ctx, key)
	if err != nil {
		return err
	}
	if consumed {
		return nil
	}
	return fmt.Errorf("complete %s as %s: %w", key, owner, idempotency.ErrLostLease)
}

// IsConsumed reports whether the key was sealed.
func (s *Store) IsConsumed(ctx context.Context, key string) (bool, error) {
	var consumed bool
	row := s.db.QueryRowContext(ctx, `SELECT is_consumed FROM idempotency_keys WHERE key = $1`, key)
	if err := row.Scan(&consumed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return consumed, nil
}
