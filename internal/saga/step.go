package saga

import (
	"context"
	"errors"
)

// ErrRetryLater signals a transient conflict (a lease held elsewhere, an
// optimistic-concurrency clash). The caller saves state and re-queues the
// work with a short delay; the attempt does not count against the budget.
var ErrRetryLater = errors.New("transient conflict, retry later")

// ErrLostLease signals that a lease expired while the holder was still
// working. The caller saves state and re-queues; re-execution is safe
// because effects are guarded by domain idempotency keys.
var ErrLostLease = errors.New("lease lost")

// Step is one unit of forward work in a saga with a matching undo.
// Execute and Compensate must both be idempotent: the same step may run
// again after a crash or an expired lease.
type Step interface {
	Name() string
	Execute(ctx context.Context, data any) error
	Compensate(ctx context.Context, data any) error
}
