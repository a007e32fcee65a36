package saga

import "errors"

var (
	// ErrDefinitionNotFound is returned when a saga definition name/version is not registered.
	ErrDefinitionNotFound = errors.New("saga definition not found")
	// ErrDefinitionExists is returned when registering a definition name/version twice.
	ErrDefinitionExists = errors.New("saga definition already registered")
	// ErrDefinitionInvalid is returned when a definition has no steps or a step is incomplete.
	ErrDefinitionInvalid = errors.New("saga definition is invalid")
	// ErrInstanceNotFound is returned when a saga instance id is unknown.
	ErrInstanceNotFound = errors.New("saga instance not found")
	// ErrVersionConflict signals an optimistic concurrency failure on an instance update.
	ErrVersionConflict = errors.New("saga instance version conflict")
	// ErrSagaTerminal is returned when an operation targets a saga in a terminal state.
	ErrSagaTerminal = errors.New("saga is in a terminal state")
	// ErrStepRecordNotFound is returned when no execution record exists for a step.
	ErrStepRecordNotFound = errors.New("saga step record not found")
	// ErrNoMessages signals that the outbox has no undispatched messages.
	ErrNoMessages = errors.New("outbox has no undispatched messages")
	// ErrLeaseHeld is returned when another relay instance holds the partition lease.
	ErrLeaseHeld = errors.New("outbox lease held by another owner")
	// ErrLeaseLost is returned when a lease renewal finds the lease owned elsewhere.
	ErrLeaseLost = errors.New("outbox lease lost")
	// ErrPayloadRequired is returned when an outbox entry has no payload.
	ErrPayloadRequired = errors.New("outbox payload is required")
	// ErrInvalidPayload is returned when a payload is not valid JSON.
	ErrInvalidPayload = errors.New("payload must be valid JSON")
	// ErrPartitionRequired is returned when an outbox entry has no partition key.
	ErrPartitionRequired = errors.New("outbox partition key is required")
	// ErrIdempotencyKeyRequired is returned when a command carries no idempotency key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrWorkerPanic indicates an orchestrator or relay worker panic.
	ErrWorkerPanic = errors.New("saga worker panic")
)
