// Package idempotency provides lease-or-takeover claims on named keys.
// A key is held under a time-bounded lease and sealed exactly once by its
// owner; sealed keys are terminal.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// ClaimResult reports the outcome of TryClaim.
type ClaimResult int

const (
	// ClaimAcquired means the caller now holds the key's lease.
	ClaimAcquired ClaimResult = iota
	// ClaimAlreadyConsumed means the key was sealed; the work is done.
	ClaimAlreadyConsumed
	// ClaimLockedByOther means a live lease is held elsewhere.
	ClaimLockedByOther
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimAcquired:
		return "Acquired"
	case ClaimAlreadyConsumed:
		return "AlreadyConsumed"
	case ClaimLockedByOther:
		return "LockedByOther"
	default:
		return "Unknown"
	}
}

// ErrLostLease is returned by Complete when the caller no longer holds the
// key: another owner took it over, or, in a store that expires leases
// natively such as Redis, its TTL ran out. The Postgres store still seals
// an expired lease that nobody has taken over.
var ErrLostLease = errors.New("idempotency lease lost")

// Store is the idempotency key service. TryClaim must be a single atomic
// step against the backing store; Complete must verify ownership.
type Store interface {
	TryClaim(ctx context.Context, key, owner string, ttl time.Duration) (ClaimResult, error)
	Complete(ctx context.Context, key, owner string) error
	IsConsumed(ctx context.Context, key string) (bool, error)
}
