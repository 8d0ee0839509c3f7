// Package ledgerdb persists ledger entries in Postgres. The unique
// constraint on reference_id is the last line of defense against a
// double-applied money movement.
package ledgerdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"ferryman/internal/ledger"
	"ferryman/internal/reliability"
)

// errRaced marks a constraint-violation race inside a compensation
// attempt; the policy retries on it and nothing else.
var errRaced = errors.New("compensation raced a concurrent writer")

const compensateAttempts = 5

// Store implements ledger.Service on Postgres.
type Store struct {
	db             *sql.DB
	overdraftLimit int64
	retry          reliability.RetryPolicy
}

// NewStore constructs a Store. overdraftLimit is the lowest balance an
// account may reach, in minor units (typically negative).
func NewStore(db *sql.DB, overdraftLimit int64) *Store {
	return &Store{
		db:             db,
		overdraftLimit: overdraftLimit,
		retry: reliability.RetryPolicy{
			MaxAttempts: compensateAttempts,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    100 * time.Millisecond,
			ShouldRetry: func(err error) bool { return errors.Is(err, errRaced) },
		},
	}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB, overdraftLimit int64) (*Store, error) {
	store := NewStore(db, overdraftLimit)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the ledger table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			account_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			type INT NOT NULL,
			reference_id TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries (account_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// TryDebit withdraws amount from the account under the given key. A
// replay returns IdempotentSuccess; a tombstoned key returns Rejected and
// the debit never applies.
func (s *Store) TryDebit(ctx context.Context, accountID string, amount int64, key string) (ledger.Result, error) {
	if amount < 0 {
		amount = -amount
	}

	entry, err := s.entryByReference(ctx, key)
	if err != nil {
		return 0, err
	}
	if entry != nil {
		return classifyExisting(entry.Type, ledger.TypeDebit, true), nil
	}

	balance, err := s.Balance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if balance-amount < s.overdraftLimit {
		return ledger.Rejected, nil
	}

	err = s.insert(ctx, accountID, -amount, ledger.TypeDebit, key, "debit")
	if isUniqueViolation(err) {
		return s.reclassify(ctx, key, ledger.TypeDebit, true)
	}
	if err != nil {
		return 0, err
	}
	return ledger.Success, nil
}

// TryCredit deposits amount into the account under the given key. Unlike
// a debit, a credit under a tombstoned key is a Conflict rather than
// Rejected, and no overdraft check applies.
func (s *Store) TryCredit(ctx context.Context, accountID string, amount int64, key string) (ledger.Result, error) {
	if amount < 0 {
		amount = -amount
	}

	entry, err := s.entryByReference(ctx, key)
	if err != nil {
		return 0, err
	}
	if entry != nil {
		return classifyExisting(entry.Type, ledger.TypeCredit, false), nil
	}

	err = s.insert(ctx, accountID, amount, ledger.TypeCredit, key, "credit")
	if isUniqueViolation(err) {
		return s.reclassify(ctx, key, ledger.TypeCredit, false)
	}
	if err != nil {
		return 0, err
	}
	return ledger.Success, nil
}

// TryCompensateDebit undoes the debit written under originalKey. If the
// debit landed, a refund credit is written under the derived refund key.
// If it never landed, an abort marker occupies originalKey so a delayed
// debit can never apply. Safe against every interleaving of (debit
// arrives, compensation arrives, both retry).
func (s *Store) TryCompensateDebit(ctx context.Context, accountID string, amount int64, originalKey string) (ledger.Result, error) {
	return s.compensate(ctx, accountID, amount, originalKey, ledger.TypeDebit)
}

// TryCompensateCredit undoes the credit written under originalKey, the
// mirror image of TryCompensateDebit: the refund is a forced debit and no
// overdraft check applies.
func (s *Store) TryCompensateCredit(ctx context.Context, accountID string, amount int64, originalKey string) (ledger.Result, error) {
	return s.compensate(ctx, accountID, amount, originalKey, ledger.TypeCredit)
}

func (s *Store) compensate(ctx context.Context, accountID string, amount int64, originalKey string, original ledger.EntryType) (ledger.Result, error) {
	if amount < 0 {
		amount = -amount
	}
	refundAmount := amount
	refundType := ledger.TypeCredit
	if original == ledger.TypeCredit {
		refundAmount = -amount
		refundType = ledger.TypeDebit
	}

	result := ledger.Conflict
	op := func() error {
		entry, err := s.entryByReference(ctx, originalKey)
		if err != nil {
			return err
		}

		if entry == nil {
			// Nothing to refund yet: tombstone the key so a delayed
			// original can never apply. A constraint violation means the
			// original raced in; the next attempt refunds it instead.
			err := s.insert(ctx, accountID, 0, ledger.TypeAbortMarker, originalKey, "aborted before effect")
			if isUniqueViolation(err) {
				return errRaced
			}
			if err != nil {
				return err
			}
			result = ledger.Success
			return nil
		}

		switch entry.Type {
		case ledger.TypeAbortMarker:
			result = ledger.IdempotentSuccess
			return nil
		case original:
			refundKey := ledger.RefundKey(originalKey)
			refund, err := s.entryByReference(ctx, refundKey)
			if err != nil {
				return err
			}
			if refund != nil {
				if refund.Type == refundType {
					result = ledger.IdempotentSuccess
				} else {
					result = ledger.Conflict
				}
				return nil
			}
			err = s.insert(ctx, accountID, refundAmount, refundType, refundKey, "refund")
			if isUniqueViolation(err) {
				return errRaced
			}
			if err != nil {
				return err
			}
			result = ledger.Success
			return nil
		default:
			result = ledger.Conflict
			return nil
		}
	}

	err := s.retry.Do(ctx, op)
	if errors.Is(err, errRaced) {
		return ledger.Conflict, nil
	}
	if err != nil {
		return 0, err
	}
	return result, nil
}

// Balance sums every entry for the account. Correct but O(entries);
// a materialized balance row is the production path at scale.
func (s *Store) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1`, accountID)
	if err := row.Scan(&balance); err != nil {
		return 0, fmt.Errorf("balance %s: %w", accountID, err)
	}
	return balance, nil
}

func (s *Store) insert(ctx context.Context, accountID string, amount int64, entryType ledger.EntryType, reference, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (account_id, amount, type, reference_id, reason)
		VALUES ($1, $2, $3, $4, $5)`,
		accountID, amount, int(entryType), reference, reason,
	)
	return err
}

func (s *Store) entryByReference(ctx context.Context, reference string) (*ledger.Entry, error) {
	var entry ledger.Entry
	var entryType int
	var reason sql.NullString
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, amount, type, reference_id, created_at, reason
		FROM ledger_entries
		WHERE reference_id = $1`,
		reference,
	)
	err := row.Scan(&entry.ID, &entry.AccountID, &entry.Amount, &entryType, &entry.ReferenceID, &entry.CreatedAt, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", reference, err)
	}
	entry.Type = ledger.EntryType(entryType)
	entry.Reason = reason.String
	return &entry, nil
}

// reclassify resolves a unique-constraint violation by re-reading the
// row that won the race. A row that is still not visible is a Conflict.
func (s *Store) reclassify(ctx context.Context, key string, want ledger.EntryType, tombstoneRejects bool) (ledger.Result, error) {
	entry, err := s.entryByReference(ctx, key)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		return ledger.Conflict, nil
	}
	return classifyExisting(entry.Type, want, tombstoneRejects), nil
}

func classifyExisting(have, want ledger.EntryType, tombstoneRejects bool) ledger.Result {
	switch {
	case have == want:
		return ledger.IdempotentSuccess
	case have == ledger.TypeAbortMarker && tombstoneRejects:
		return ledger.Rejected
	default:
		return ledger.Conflict
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
