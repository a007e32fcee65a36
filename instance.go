package saga

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a saga instance.
type Status string

const (
	// StatusPending means the instance is persisted but no command was dispatched yet.
	StatusPending Status = "PENDING"
	// StatusRunning means forward steps are executing.
	StatusRunning Status = "RUNNING"
	// StatusCompensating means completed steps are being unwound in reverse order.
	StatusCompensating Status = "COMPENSATING"
	// StatusCompleted is the terminal success state.
	StatusCompleted Status = "COMPLETED"
	// StatusCompensated is the terminal state after a full rollback.
	StatusCompensated Status = "COMPENSATED"
	// StatusFailed is the terminal state when compensation itself could not finish.
	// Sagas in this state require operator intervention.
	StatusFailed Status = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// Instance is one execution of a saga definition. It is owned exclusively by
// the orchestrator and persisted after every state transition, so a crash
// mid-saga resumes from the last committed transition.
type Instance struct {
	// ID is the saga identifier (UUID string).
	ID string
	// Definition references the registered definition this instance executes.
	Definition DefinitionRef
	// Status is the current lifecycle state.
	Status Status
	// CurrentStep is the index of the step being executed while RUNNING.
	// It advances only after the step's reply is durably recorded.
	CurrentStep int
	// CompletedSteps is the stack of forward-completed step indexes, pushed on
	// success and popped during compensation. The unwind order comes from this
	// stack, not from CurrentStep, so completion order is what gets reversed.
	CompletedSteps []int
	// Payload is the business payload the saga was started with.
	Payload json.RawMessage
	// LastError holds the failure detail that triggered compensation or FAILED.
	LastError string
	// Version is the optimistic concurrency token. Every persisted update
	// checks and increments it.
	Version int64
	// CreatedAt/UpdatedAt are set by the store.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TopCompleted returns the index of the most recently completed step.
// ok is false when nothing remains to compensate.
func (in *Instance) TopCompleted() (int, bool) {
	if len(in.CompletedSteps) == 0 {
		return 0, false
	}

	return in.CompletedSteps[len(in.CompletedSteps)-1], true
}

// PushCompleted records a forward step completion on the stack.
func (in *Instance) PushCompleted(stepIndex int) {
	in.CompletedSteps = append(in.CompletedSteps, stepIndex)
}

// PopCompleted removes the most recently completed step from the stack.
func (in *Instance) PopCompleted() {
	if len(in.CompletedSteps) > 0 {
		in.CompletedSteps = in.CompletedSteps[:len(in.CompletedSteps)-1]
	}
}
