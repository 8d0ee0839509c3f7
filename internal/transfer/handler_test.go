package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"ferryman/internal/outbox"
	"ferryman/internal/saga"
)

type fakeLoader struct {
	inst *saga.Instance
	err  error
}

func (f *fakeLoader) Load(_ context.Context, _ uuid.UUID, _ []saga.Step, _ any) (*saga.Instance, error) {
	return f.inst, f.err
}

type fakeProcessor struct {
	err    error
	called int
	final  saga.State
}

func (f *fakeProcessor) Process(_ context.Context, inst *saga.Instance) error {
	f.called++
	if f.err != nil {
		return f.err
	}
	if f.final != "" {
		forceState(inst, f.final)
	}
	return nil
}

// forceState drives an instance into the wanted terminal state through
// its public mutators.
func forceState(inst *saga.Instance, state saga.State) {
	switch state {
	case saga.StateCompleted:
		inst.MarkRunning()
		for inst.State() == saga.StateRunning {
			inst.Advance()
		}
	case saga.StateCompensated:
		inst.MarkRunning()
		inst.Fail("forced")
		inst.MarkCompensating()
		inst.MarkCompensated()
	}
}

type fakeObserver struct {
	finished []string
}

func (f *fakeObserver) SagaFinished(state string) { f.finished = append(f.finished, state) }

func startMessage(t *testing.T, sagaID uuid.UUID) *outbox.Message {
	t.Helper()
	payload, err := json.Marshal(outbox.StartSagaPayload{SagaID: sagaID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &outbox.Message{ID: uuid.New(), Type: outbox.TypeStartSaga, Payload: payload}
}

func testInstance() *saga.Instance {
	d := testData()
	return saga.NewInstance(d.SagaID, d, DataType, Steps(&fakeKeys{}, &fakeLedger{}, "w1", time.Minute))
}

func TestStartSagaHandler_ProcessesSaga(t *testing.T) {
	inst := testInstance()
	proc := &fakeProcessor{final: saga.StateCompleted}
	observer := &fakeObserver{}
	h := NewStartSagaHandler(&fakeLoader{inst: inst}, proc, nil, nil, observer)

	if err := h.Handle(context.Background(), startMessage(t, inst.ID())); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if proc.called != 1 {
		t.Fatalf("processor calls = %d, want 1", proc.called)
	}
	if len(observer.finished) != 1 || observer.finished[0] != "Completed" {
		t.Fatalf("observer = %v", observer.finished)
	}
}

func TestStartSagaHandler_MissingSagaFinalizes(t *testing.T) {
	proc := &fakeProcessor{}
	h := NewStartSagaHandler(&fakeLoader{inst: nil}, proc, nil, nil, nil)

	if err := h.Handle(context.Background(), startMessage(t, uuid.New())); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if proc.called != 0 {
		t.Fatalf("processor ran for a missing saga")
	}
}

func TestStartSagaHandler_CorruptPayloadFinalizes(t *testing.T) {
	proc := &fakeProcessor{}
	h := NewStartSagaHandler(&fakeLoader{}, proc, nil, nil, nil)

	msg := &outbox.Message{ID: uuid.New(), Type: outbox.TypeStartSaga, Payload: []byte("{broken")}
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if proc.called != 0 {
		t.Fatalf("processor ran on corrupt payload")
	}
}

func TestStartSagaHandler_LoadErrorPropagates(t *testing.T) {
	h := NewStartSagaHandler(&fakeLoader{err: errors.New("snapshot corrupt")}, &fakeProcessor{}, nil, nil, nil)

	if err := h.Handle(context.Background(), startMessage(t, uuid.New())); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStartSagaHandler_RecoverablePropagatesWithoutObservation(t *testing.T) {
	inst := testInstance()
	proc := &fakeProcessor{err: saga.ErrRetryLater}
	observer := &fakeObserver{}
	h := NewStartSagaHandler(&fakeLoader{inst: inst}, proc, nil, nil, observer)

	err := h.Handle(context.Background(), startMessage(t, inst.ID()))
	if !errors.Is(err, saga.ErrRetryLater) {
		t.Fatalf("err = %v, want ErrRetryLater", err)
	}
	if len(observer.finished) != 0 {
		t.Fatalf("non-terminal saga observed as finished")
	}
}
