package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Repository persists saga snapshots. The coordinator saves after every
// cursor change and state transition.
type Repository interface {
	Save(ctx context.Context, inst *Instance) error
}

// Notifier observes saga state transitions. Implementations must not
// block; a slow observer would stall the saga.
type Notifier interface {
	SagaTransition(id uuid.UUID, state State, step string)
}

// Coordinator drives one saga instance to quiescence: forward through its
// steps, or backward through compensation when a step fails permanently.
type Coordinator struct {
	repo   Repository
	notify Notifier
	log    *logrus.Entry
}

// NewCoordinator constructs a Coordinator. notify may be nil.
func NewCoordinator(repo Repository, notify Notifier, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{repo: repo, notify: notify, log: log}
}

// Process runs the saga until it reaches a terminal state or raises a
// recoverable condition (ErrRetryLater, ErrLostLease, cancellation). On a
// recoverable condition the snapshot is saved first so another worker can
// resume from it.
func (c *Coordinator) Process(ctx context.Context, inst *Instance) error {
	log := c.log.WithField("saga_id", inst.ID())

	if inst.State().IsTerminal() {
		return nil
	}

	if inst.State() == StateCompensating || inst.State() == StateFailed {
		if inst.State() == StateFailed {
			inst.MarkCompensating()
			if err := c.save(ctx, inst); err != nil {
				return err
			}
		}
		return c.compensate(ctx, inst, log)
	}

	if inst.State() == StateCreated {
		inst.MarkRunning()
		if err := c.save(ctx, inst); err != nil {
			return err
		}
	}

	for !inst.State().IsTerminal() {
		if err := ctx.Err(); err != nil {
			return err
		}

		step := inst.CurrentStep()
		if step == nil {
			inst.MarkCompleted()
			if err := c.save(ctx, inst); err != nil {
				return err
			}
			log.Info("saga completed")
			return nil
		}

		log.WithField("step", step.Name()).Debug("executing step")
		err := step.Execute(ctx, inst.Data())
		switch {
		case err == nil:
			inst.Advance()
			if err := c.save(ctx, inst); err != nil {
				return err
			}
		case errors.Is(err, ErrRetryLater), errors.Is(err, ErrLostLease):
			if saveErr := c.save(ctx, inst); saveErr != nil {
				return saveErr
			}
			log.WithField("step", step.Name()).WithError(err).Info("step deferred")
			return err
		default:
			log.WithField("step", step.Name()).WithError(err).Warn("step failed, compensating")
			inst.Fail(fmt.Sprintf("%s: %v", step.Name(), err))
			inst.MarkCompensating()
			if saveErr := c.save(ctx, inst); saveErr != nil {
				return saveErr
			}
			return c.compensate(ctx, inst, log)
		}
	}

	log.WithField("state", inst.State()).Info("saga finished")
	return nil
}

// compensate undoes executed steps in reverse order. A recoverable
// condition aborts the pass so it can be retried whole; the reverse
// iteration is deterministic, so resumption re-examines the same steps.
// Any other compensation error is recorded and the pass continues with
// earlier steps to shed as many side effects as possible.
func (c *Coordinator) compensate(ctx context.Context, inst *Instance, log *logrus.Entry) error {
	failed := false

	for _, is := range inst.ExecutedStepsReverse() {
		if err := ctx.Err(); err != nil {
			return err
		}

		log.WithField("step", is.Step.Name()).Debug("compensating step")
		err := is.Step.Compensate(ctx, inst.Data())
		switch {
		case err == nil:
		case errors.Is(err, ErrRetryLater), errors.Is(err, ErrLostLease):
			if saveErr := c.save(ctx, inst); saveErr != nil {
				return saveErr
			}
			log.WithField("step", is.Step.Name()).WithError(err).Info("compensation deferred")
			return err
		default:
			log.WithField("step", is.Step.Name()).WithError(err).Error("compensation failed")
			inst.AppendError(fmt.Sprintf("COMPENSATION FAILED: %s: %v", is.Step.Name(), err))
			failed = true
		}
	}

	if failed {
		inst.MarkFatal("Manual review required")
	} else {
		inst.MarkCompensated()
	}
	if err := c.save(ctx, inst); err != nil {
		return err
	}
	log.WithField("state", inst.State()).Info("compensation finished")
	return nil
}

func (c *Coordinator) save(ctx context.Context, inst *Instance) error {
	if err := c.repo.Save(ctx, inst); err != nil {
		return fmt.Errorf("save saga %s: %w", inst.ID(), err)
	}
	if c.notify != nil {
		step := ""
		if s := inst.CurrentStep(); s != nil {
			step = s.Name()
		}
		c.notify.SagaTransition(inst.ID(), inst.State(), step)
	}
	return nil
}
