// Package redisidem implements the idempotency store on Redis. The lease
// is a SET NX with a TTL, so expiry is native; the consumed marker is a
// separate persistent key because sealed keys are terminal forever.
package redisidem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ferryman/internal/idempotency"
)

const (
	lockPrefix     = "idem:lock:"
	consumedPrefix = "idem:consumed:"
)

// completeScript seals the key only while the caller still owns the lock.
// Runs atomically on the server.
var completeScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('SET', KEYS[2], '1')
	redis.call('DEL', KEYS[1])
	return 1
elseif redis.call('EXISTS', KEYS[2]) == 1 then
	return 1
else
	return 0
end
`)

// Store implements idempotency.Store on Redis.
type Store struct {
	client redis.Cmdable
}

// NewStore constructs a Store on the given Redis client.
func NewStore(client redis.Cmdable) *Store {
	return &Store{client: client}
}

// TryClaim acquires or re-acquires the lease. Redis expires the lock key
// on its own, so a dead holder's lease frees itself without takeover SQL.
func (s *Store) TryClaim(ctx context.Context, key, owner string, ttl time.Duration) (idempotency.ClaimResult, error) {
	consumed, err := s.IsConsumed(ctx, key)
	if err != nil {
		return 0, err
	}
	if consumed {
		return idempotency.ClaimAlreadyConsumed, nil
	}

	lockKey := lockPrefix + key
	ok, err := s.client.SetNX(ctx, lockKey, owner, ttl).Result()
	if err != nil {
		return 0, fmt.Errorf("claim %s: %w", key, err)
	}
	if ok {
		return idempotency.ClaimAcquired, nil
	}

	holder, err := s.client.Get(ctx, lockKey).Result()
	if errors.Is(err, redis.Nil) {
		// The lease expired between SetNX and Get; the next claim wins.
		return idempotency.ClaimLockedByOther, nil
	}
	if err != nil {
		return 0, err
	}
	if holder == owner {
		if err := s.client.PExpire(ctx, lockKey, ttl).Err(); err != nil {
			return 0, err
		}
		return idempotency.ClaimAcquired, nil
	}
	return idempotency.ClaimLockedByOther, nil
}

// Complete seals the key if the caller still owns the lease.
func (s *Store) Complete(ctx context.Context, key, owner string) error {
	sealed, err := completeScript.Run(ctx, s.client,
		[]string{lockPrefix + key, consumedPrefix + key}, owner).Int()
	if err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	if sealed == 0 {
		return fmt.Errorf("complete %s as %s: %w", key, owner, idempotency.ErrLostLease)
	}
	return nil
}

// IsConsumed reports whether the key was sealed.
func (s *Store) IsConsumed(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, consumedPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
