// Package ledger defines the append-only money ledger contract. Every
// operation takes an idempotency key and behaves identically on the first
// call and on any replay with the same key.
package ledger

import (
	"context"
	"time"
)

// Result classifies the outcome of a ledger operation.
type Result int

const (
	// Success means the entry was written by this call.
	Success Result = iota
	// IdempotentSuccess means an earlier call already wrote the entry.
	IdempotentSuccess
	// Conflict means the key is occupied by an incompatible entry or a
	// concurrent writer raced this call; retrying may resolve it.
	Conflict
	// Rejected means the operation must never apply (overdraft, tombstone).
	Rejected
)

func (r Result) String() string {
	switch r {
	case Success:
		return "Success"
	case IdempotentSuccess:
		return "IdempotentSuccess"
	case Conflict:
		return "Conflict"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Applied reports whether the operation's effect is in place.
func (r Result) Applied() bool {
	return r == Success || r == IdempotentSuccess
}

// EntryType tags a ledger row. An AbortMarker is a tombstone: once written
// under a reference, no other type may ever occupy that reference.
type EntryType int

const (
	TypeAbortMarker EntryType = 0
	TypeDebit       EntryType = 1
	TypeCredit      EntryType = 2
)

// Entry is one append-only ledger row. Amounts are signed minor units;
// an account's balance is the sum of its amounts.
type Entry struct {
	ID          int64
	AccountID   string
	Amount      int64
	Type        EntryType
	ReferenceID string
	CreatedAt   time.Time
	Reason      string
}

// Service performs idempotent debits, credits and their compensations.
type Service interface {
	TryDebit(ctx context.Context, accountID string, amount int64, key string) (Result, error)
	TryCredit(ctx context.Context, accountID string, amount int64, key string) (Result, error)
	TryCompensateDebit(ctx context.Context, accountID string, amount int64, originalKey string) (Result, error)
	TryCompensateCredit(ctx context.Context, accountID string, amount int64, originalKey string) (Result, error)
	Balance(ctx context.Context, accountID string) (int64, error)
}

// RefundKey derives the reference a compensation entry is written under.
func RefundKey(originalKey string) string {
	return "Refund_" + originalKey
}
