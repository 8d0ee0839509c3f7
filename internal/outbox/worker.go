package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ferryman/internal/reliability"
	"ferryman/internal/saga"
)

var (
	errEmptyQueue    = errors.New("no eligible outbox messages")
	errClaimRaceLost = errors.New("claim race lost")
)

// Worker is one long-lived outbox consumer. Multiple workers are safe and
// expected; the claim lease keeps them off each other's messages.
type Worker struct {
	id       string
	store    Store
	handlers map[string]Handler
	cfg      Config
	log      *logrus.Entry
	metrics  Metrics
	sleep    func(context.Context, time.Duration) error
}

// NewWorker constructs a Worker. handlers maps message types to their
// handler; unknown types are logged and finalized to prevent loops.
func NewWorker(id string, store Store, handlers map[string]Handler, cfg Config, log *logrus.Entry, metrics Metrics) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		id:       id,
		store:    store,
		handlers: handlers,
		cfg:      cfg.withDefaults(),
		log:      log.WithField("worker_id", id),
		metrics:  metrics,
		sleep:    reliability.SleepWithContext,
	}
}

// Run loops until the context is canceled. Shutdown is cooperative: no
// new message is picked up after cancellation, and the in-flight handler
// receives the same context.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("outbox worker started")
	for {
		if ctx.Err() != nil {
			w.log.Info("outbox worker stopped")
			return
		}

		err := w.runOnce(ctx)
		switch {
		case err == nil, errors.Is(err, errClaimRaceLost):
			// Claim races are expected under contention; go straight back
			// to scouting without sleeping.
		case errors.Is(err, errEmptyQueue):
			_ = w.sleep(ctx, w.cfg.EmptyQueueDelay)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		default:
			w.log.WithError(err).Error("outbox iteration failed")
			_ = w.sleep(ctx, w.cfg.LoopErrorDelay)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) error {
	candidate, err := w.store.ScoutNext(ctx)
	if err != nil {
		return err
	}
	if candidate == nil {
		return errEmptyQueue
	}

	claimed, err := w.store.Claim(ctx, candidate.ID, w.id, w.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !claimed {
		if w.metrics != nil {
			w.metrics.ClaimRaceLost()
		}
		return errClaimRaceLost
	}
	if w.metrics != nil {
		w.metrics.MessageClaimed()
	}

	msg, err := w.store.Get(ctx, candidate.ID)
	if err != nil {
		return err
	}

	log := w.log.WithField("message_id", msg.ID).WithField("type", msg.Type)

	handler, ok := w.handlers[msg.Type]
	if !ok {
		log.Warn("unknown outbox message type, finalizing")
		return w.store.MarkProcessed(ctx, msg.ID)
	}

	handleErr := handler.Handle(ctx, msg)
	if handleErr == nil {
		if err := w.store.MarkProcessed(ctx, msg.ID); err != nil {
			return err
		}
		if w.metrics != nil {
			w.metrics.MessageProcessed()
		}
		return nil
	}

	return w.dispatchFailure(ctx, msg, handleErr, log)
}

// dispatchFailure releases a claimed message according to the error kind:
// transient conflicts re-queue quickly without counting the attempt, lost
// leases and everything else count it, and repeated failures back off.
func (w *Worker) dispatchFailure(ctx context.Context, msg *Message, handleErr error, log *logrus.Entry) error {
	releaseCtx := ctx
	if ctx.Err() != nil {
		// The worker is shutting down; release the lease on a fresh
		// context so the message becomes eligible again promptly.
		var cancel context.CancelFunc
		releaseCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.store.Release(releaseCtx, msg.ID, w.cfg.TransientConflictDelay, "shutdown: "+handleErr.Error(), false)
	}

	switch {
	case errors.Is(handleErr, saga.ErrRetryLater):
		if w.metrics != nil {
			w.metrics.MessageRetried()
		}
		log.WithError(handleErr).Info("transient conflict, re-queueing")
		return w.store.Release(releaseCtx, msg.ID, w.cfg.TransientConflictDelay, handleErr.Error(), false)

	case errors.Is(handleErr, saga.ErrLostLease):
		if w.metrics != nil {
			w.metrics.MessageRetried()
		}
		log.WithError(handleErr).Warn("lease lost, re-queueing")
		return w.store.Release(releaseCtx, msg.ID, w.cfg.LostLeaseDelay, handleErr.Error(), true)

	default:
		if w.metrics != nil {
			w.metrics.MessageFailed()
		}
		attempts := msg.AttemptCount + 1
		delay := w.cfg.ErrorRetryDelay * time.Duration(attempts)
		if delay > w.cfg.MaxErrorDelay {
			delay = w.cfg.MaxErrorDelay
		}
		log.WithError(handleErr).WithField("attempt", attempts).Error("handler failed, backing off")
		if attempts >= w.cfg.MaxAttemptsBeforeDLQ {
			if w.metrics != nil {
				w.metrics.DLQCandidate()
			}
			log.WithField("attempt", attempts).Error("message exceeded retry budget, operator attention required")
		}
		return w.store.Release(releaseCtx, msg.ID, delay, handleErr.Error(), true)
	}
}

// RunPool runs the given workers concurrently and blocks until all of
// them stop.
func RunPool(ctx context.Context, workers []*Worker) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	wg.Wait()
}
