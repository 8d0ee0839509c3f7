package transfer

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ferryman/internal/outbox"
	"ferryman/internal/saga"
)

// SagaLoader rehydrates a saga snapshot with a step list attached.
type SagaLoader interface {
	Load(ctx context.Context, id uuid.UUID, steps []saga.Step, data any) (*saga.Instance, error)
}

// Processor drives a saga instance to quiescence.
type Processor interface {
	Process(ctx context.Context, inst *saga.Instance) error
}

// TerminalObserver is told when a saga reaches a terminal state.
type TerminalObserver interface {
	SagaFinished(state string)
}

// StartSagaHandler handles StartSaga outbox messages for transfer sagas:
// rehydrate, attach steps, hand off to the coordinator.
type StartSagaHandler struct {
	repo     SagaLoader
	coord    Processor
	steps    []saga.Step
	log      *logrus.Entry
	observer TerminalObserver
}

// NewStartSagaHandler constructs the handler. steps must be composed for
// the same owner identity as the worker running this handler; observer
// may be nil.
func NewStartSagaHandler(repo SagaLoader, coord Processor, steps []saga.Step, log *logrus.Entry, observer TerminalObserver) *StartSagaHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &StartSagaHandler{repo: repo, coord: coord, steps: steps, log: log, observer: observer}
}

// Handle processes one StartSaga message. A missing saga or a corrupt
// payload finalizes the message; retrying either would loop forever.
func (h *StartSagaHandler) Handle(ctx context.Context, msg *outbox.Message) error {
	var payload outbox.StartSagaPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.log.WithField("message_id", msg.ID).WithError(err).Error("undecodable StartSaga payload, finalizing")
		return nil
	}

	var data Data
	inst, err := h.repo.Load(ctx, payload.SagaID, h.steps, &data)
	if err != nil {
		return err
	}
	if inst == nil {
		h.log.WithField("saga_id", payload.SagaID).Warn("outbox message references missing saga, finalizing")
		return nil
	}

	wasTerminal := inst.State().IsTerminal()
	if err := h.coord.Process(ctx, inst); err != nil {
		return err
	}
	if h.observer != nil && !wasTerminal && inst.State().IsTerminal() {
		h.observer.SagaFinished(string(inst.State()))
	}
	return nil
}
