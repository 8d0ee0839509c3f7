package saga

import (
	"github.com/google/uuid"
)

// State identifies where a saga is in its lifecycle.
type State string

const (
	StateCreated      State = "Created"
	StateRunning      State = "Running"
	StateCompleted    State = "Completed"
	StateFailed       State = "Failed"
	StateCompensating State = "Compensating"
	StateCompensated  State = "Compensated"
	StateFatalError   State = "FatalError"
)

// IsTerminal reports whether the state permits no further transitions.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCompensated || s == StateFatalError
}

// IsForward reports whether the saga is still on its forward path.
func (s State) IsForward() bool {
	return s == StateCreated || s == StateRunning
}

func (s State) known() bool {
	switch s {
	case StateCreated, StateRunning, StateCompleted, StateFailed,
		StateCompensating, StateCompensated, StateFatalError:
		return true
	}
	return false
}

// Instance is the in-memory state machine for one saga. A single worker
// owns it at a time; the outbox lease guarantees that exclusivity.
type Instance struct {
	id       uuid.UUID
	state    State
	cursor   int
	data     any
	dataType string
	errorLog []string
	steps    []Step
}

// NewInstance constructs a fresh saga in the Created state.
func NewInstance(id uuid.UUID, data any, dataType string, steps []Step) *Instance {
	return &Instance{
		id:       id,
		state:    StateCreated,
		data:     data,
		dataType: dataType,
		steps:    steps,
	}
}

// Rehydrate rebuilds an instance from a persisted snapshot. An
// unrecognized state loads as Failed so compensation can still run; a
// forward saga whose cursor ran past the step list heals to Completed.
func Rehydrate(id uuid.UUID, state State, cursor int, errorLog []string, data any, dataType string, steps []Step) *Instance {
	if !state.known() {
		state = StateFailed
	}
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(steps) && state.IsForward() {
		cursor = len(steps)
		state = StateCompleted
	}
	inst := &Instance{
		id:       id,
		state:    state,
		cursor:   cursor,
		data:     data,
		dataType: dataType,
		steps:    steps,
	}
	inst.errorLog = append(inst.errorLog, errorLog...)
	return inst
}

// ID returns the saga identifier.
func (i *Instance) ID() uuid.UUID { return i.id }

// State returns the current lifecycle state.
func (i *Instance) State() State { return i.state }

// Cursor returns the index of the next step to execute.
func (i *Instance) Cursor() int { return i.cursor }

// Data returns the business payload.
func (i *Instance) Data() any { return i.data }

// DataType names the payload's type for rehydration.
func (i *Instance) DataType() string { return i.dataType }

// ErrorLog returns a copy of the accumulated error messages.
func (i *Instance) ErrorLog() []string {
	out := make([]string, len(i.errorLog))
	copy(out, i.errorLog)
	return out
}

// StepCount returns the length of the step list.
func (i *Instance) StepCount() int { return len(i.steps) }

// CurrentStep returns the step at the cursor, or nil when every step ran.
func (i *Instance) CurrentStep() Step {
	if i.cursor >= len(i.steps) {
		return nil
	}
	return i.steps[i.cursor]
}

// IndexedStep pairs a step with its position in the declared order.
type IndexedStep struct {
	Index int
	Step  Step
}

// ExecutedStepsReverse returns the already-executed steps in reverse
// declaration order, the order compensation must run in.
func (i *Instance) ExecutedStepsReverse() []IndexedStep {
	out := make([]IndexedStep, 0, i.cursor)
	for idx := i.cursor - 1; idx >= 0; idx-- {
		if idx < len(i.steps) {
			out = append(out, IndexedStep{Index: idx, Step: i.steps[idx]})
		}
	}
	return out
}

// MarkRunning moves a freshly created saga onto its forward path.
func (i *Instance) MarkRunning() {
	if i.state != StateCreated {
		return
	}
	i.state = StateRunning
}

// Advance moves the cursor past a successfully executed step. Running out
// of steps completes the saga.
func (i *Instance) Advance() {
	if i.state != StateRunning {
		return
	}
	i.cursor++
	if i.cursor >= len(i.steps) {
		i.state = StateCompleted
	}
}

// MarkCompleted completes a running saga whose cursor already sits past
// the last step.
func (i *Instance) MarkCompleted() {
	if i.state != StateRunning {
		return
	}
	i.state = StateCompleted
}

// Fail records a permanent step failure. The cursor stays put so the
// failed step is excluded from compensation.
func (i *Instance) Fail(reason string) {
	if i.state != StateRunning {
		return
	}
	i.errorLog = append(i.errorLog, reason)
	i.state = StateFailed
}

// MarkCompensating begins the reverse pass over executed steps.
func (i *Instance) MarkCompensating() {
	if i.state != StateFailed && i.state != StateRunning {
		return
	}
	i.state = StateCompensating
}

// MarkCompensated records that every executed step was undone.
func (i *Instance) MarkCompensated() {
	if i.state != StateCompensating {
		return
	}
	i.state = StateCompensated
}

// MarkFatal records that at least one compensation failed permanently.
// The saga needs operator attention.
func (i *Instance) MarkFatal(reason string) {
	if i.state != StateCompensating {
		return
	}
	i.errorLog = append(i.errorLog, reason)
	i.state = StateFatalError
}

// AppendError adds a message to the error log without a state change.
func (i *Instance) AppendError(msg string) {
	if i.state.IsTerminal() {
		return
	}
	i.errorLog = append(i.errorLog, msg)
}
