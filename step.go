package saga

import "time"

// Direction distinguishes forward execution from compensation.
type Direction string

const (
	// Forward executes a step's command.
	Forward Direction = "FORWARD"
	// Compensate executes a step's compensation command.
	Compensate Direction = "COMPENSATE"
)

// Outcome is a participant's verdict on a command.
type Outcome string

const (
	// OutcomeSuccess means the participant committed the step.
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeBusinessFailure means the participant explicitly declined
	// (e.g., insufficient funds). It triggers compensation, not a retry.
	OutcomeBusinessFailure Outcome = "BUSINESS_FAILURE"
	// OutcomeError means the participant hit an unexpected fault.
	OutcomeError Outcome = "ERROR"
	// OutcomeTimeout is synthesized by the orchestrator when no reply arrives
	// within the step deadline. Participants never send it.
	OutcomeTimeout Outcome = "TIMEOUT"
)

// StepStatus is the lifecycle state of a step execution record.
type StepStatus string

const (
	// StepDispatched means the command is staged in the outbox and a reply is awaited.
	StepDispatched StepStatus = "DISPATCHED"
	// StepAwaitingRetry means a timed-out attempt is waiting out its backoff delay.
	StepAwaitingRetry StepStatus = "AWAITING_RETRY"
	// StepSucceeded means the participant replied SUCCESS.
	StepSucceeded StepStatus = "SUCCEEDED"
	// StepFailed means the participant replied BUSINESS_FAILURE or ERROR,
	// or retries were exhausted.
	StepFailed StepStatus = "FAILED"
)

// Terminal reports whether the record will not change again.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed
}

// StepRecord tracks the execution of one step in one direction. There is at
// most one record per (saga, step, direction); retries update attempts in
// place. The orchestrator replays the latest record per step on recovery to
// know what to do next.
type StepRecord struct {
	SagaID    string
	StepIndex int
	Direction Direction
	// CommandID identifies the in-flight command attempt.
	CommandID string
	Status    StepStatus
	// Attempts counts dispatches, including the first.
	Attempts int
	LastError string
	// Deadline is when the current attempt times out (StepDispatched) or when
	// the next retry is due (StepAwaitingRetry).
	Deadline  time.Time
	UpdatedAt time.Time
}
