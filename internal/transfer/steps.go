package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ferryman/internal/idempotency"
	"ferryman/internal/ledger"
	"ferryman/internal/saga"
)

// stepDeps is what every transfer step needs: the step-lock service, the
// ledger, an owner identity for leases and the lease length.
type stepDeps struct {
	keys  idempotency.Store
	money ledger.Service
	owner string
	lease time.Duration
}

// Steps composes the transfer step list for one worker. owner identifies
// the lease holder; lease should be at least twice the expected step
// duration.
func Steps(keys idempotency.Store, money ledger.Service, owner string, lease time.Duration) []saga.Step {
	deps := stepDeps{keys: keys, money: money, owner: owner, lease: lease}
	return []saga.Step{
		&DebitSenderStep{deps: deps},
		&CreditReceiverStep{deps: deps},
	}
}

// StepNames returns the transfer step names in declaration order.
func StepNames() []string {
	return []string{"DebitSender", "CreditReceiver"}
}

// claimStepLock runs the shared front half of every step: claim the
// technical step lock, short-circuit work that already sealed, and defer
// when someone else holds it. done=true means the step already ran.
func (d stepDeps) claimStepLock(ctx context.Context, stepName string, data *Data) (lock string, done bool, err error) {
	lock = stepLockKey(stepName, data.SagaID)
	res, err := d.keys.TryClaim(ctx, lock, d.owner, d.lease)
	if err != nil {
		return "", false, errors.Join(saga.ErrRetryLater, fmt.Errorf("claim %s: %w", lock, err))
	}
	switch res {
	case idempotency.ClaimAlreadyConsumed:
		return lock, true, nil
	case idempotency.ClaimLockedByOther:
		return "", false, fmt.Errorf("step lock %s held elsewhere: %w", lock, saga.ErrRetryLater)
	}
	return lock, false, nil
}

// seal marks the step lock consumed. The lock is never released manually
// on failure; an abandoned lease simply expires.
func (d stepDeps) seal(ctx context.Context, lock string) error {
	if err := d.keys.Complete(ctx, lock, d.owner); err != nil {
		if errors.Is(err, idempotency.ErrLostLease) {
			return fmt.Errorf("seal %s: %w", lock, saga.ErrLostLease)
		}
		return errors.Join(saga.ErrRetryLater, err)
	}
	return nil
}

// translate maps a ledger result onto the saga error taxonomy. Conflicts
// are transient; rejections are permanent and trigger compensation.
func translate(res ledger.Result, op string) error {
	switch res {
	case ledger.Success, ledger.IdempotentSuccess:
		return nil
	case ledger.Conflict:
		return fmt.Errorf("%s conflicted: %w", op, saga.ErrRetryLater)
	default:
		return fmt.Errorf("%s rejected", op)
	}
}

// DebitSenderStep withdraws the transfer amount from the sender. The
// ledger write uses its own idempotency key, so a replay after a crashed
// worker or an expired step lock never double-charges.
type DebitSenderStep struct {
	deps stepDeps
}

func (s *DebitSenderStep) Name() string { return "DebitSender" }

func (s *DebitSenderStep) Execute(ctx context.Context, data any) error {
	d, err := transferData(data)
	if err != nil {
		return err
	}

	lock, done, err := s.deps.claimStepLock(ctx, s.Name(), d)
	if err != nil || done {
		return err
	}

	res, err := s.deps.money.TryDebit(ctx, d.FromUserID, d.AmountCents, debitKey(d.SagaID))
	if err != nil {
		return errors.Join(saga.ErrRetryLater, err)
	}
	if err := translate(res, "debit "+d.FromUserID); err != nil {
		return err
	}

	return s.deps.seal(ctx, lock)
}

func (s *DebitSenderStep) Compensate(ctx context.Context, data any) error {
	d, err := transferData(data)
	if err != nil {
		return err
	}

	res, err := s.deps.money.TryCompensateDebit(ctx, d.FromUserID, d.AmountCents, debitKey(d.SagaID))
	if err != nil {
		return errors.Join(saga.ErrRetryLater, err)
	}
	return translate(res, "compensate debit "+d.FromUserID)
}

// CreditReceiverStep screens the transfer and deposits the amount into
// the receiver's account.
type CreditReceiverStep struct {
	deps stepDeps
}

func (s *CreditReceiverStep) Name() string { return "CreditReceiver" }

func (s *CreditReceiverStep) Execute(ctx context.Context, data any) error {
	d, err := transferData(data)
	if err != nil {
		return err
	}

	if d.AmountCents > maxTransferCents {
		return fmt.Errorf("transfer of %d exceeds screening limit %d", d.AmountCents, maxTransferCents)
	}

	lock, done, err := s.deps.claimStepLock(ctx, s.Name(), d)
	if err != nil || done {
		return err
	}

	res, err := s.deps.money.TryCredit(ctx, d.ToUserID, d.AmountCents, creditKey(d.SagaID))
	if err != nil {
		return errors.Join(saga.ErrRetryLater, err)
	}
	if err := translate(res, "credit "+d.ToUserID); err != nil {
		return err
	}

	return s.deps.seal(ctx, lock)
}

func (s *CreditReceiverStep) Compensate(ctx context.Context, data any) error {
	d, err := transferData(data)
	if err != nil {
		return err
	}

	res, err := s.deps.money.TryCompensateCredit(ctx, d.ToUserID, d.AmountCents, creditKey(d.SagaID))
	if err != nil {
		return errors.Join(saga.ErrRetryLater, err)
	}
	return translate(res, "compensate credit "+d.ToUserID)
}
