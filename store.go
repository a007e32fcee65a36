package saga

import (
	"context"
	"time"
)

// InstanceStore persists saga instances and their step execution records.
// Implementations must apply an UpdateInstance call as one transaction: the
// instance row, the step record upserts, and the outbox entries all commit or
// none do. That atomicity is what makes "decided to dispatch" and "message
// staged" inseparable.
type InstanceStore interface {
	// CreateInstance persists a new instance. The store sets CreatedAt,
	// UpdatedAt, and Version.
	CreateInstance(ctx context.Context, in *Instance) error

	// Instance loads an instance by id. Returns ErrInstanceNotFound when absent.
	Instance(ctx context.Context, id string) (*Instance, error)

	// UpdateInstance persists in together with any step record upserts and
	// outbox entries. The write fails with ErrVersionConflict unless the
	// stored version equals in.Version; on success in.Version is incremented.
	UpdateInstance(ctx context.Context, in *Instance, steps []StepRecord, entries []OutboxEntry) error

	// StepRecord loads the record for (saga, step, direction).
	// Returns ErrStepRecordNotFound when the step was never dispatched.
	StepRecord(ctx context.Context, sagaID string, stepIndex int, direction Direction) (*StepRecord, error)

	// StepHistory returns all step records of a saga ordered by update time.
	StepHistory(ctx context.Context, sagaID string) ([]StepRecord, error)

	// DueStepRecords returns records whose deadline passed: dispatched steps
	// that timed out and retry waits that elapsed.
	DueStepRecords(ctx context.Context, now time.Time, limit int) ([]StepRecord, error)

	// OpenInstances returns instances in the given non-terminal statuses,
	// for crash recovery scans.
	OpenInstances(ctx context.Context, statuses []Status, limit int) ([]*Instance, error)
}

// RelayStore is the outbox view the relay polls. Implementations must return
// undispatched messages in id order within a partition.
type RelayStore interface {
	// Partitions lists partition keys that currently have undispatched messages.
	Partitions(ctx context.Context, limit int) ([]string, error)

	// Undispatched returns up to limit undispatched messages for the
	// partition, oldest first. Returns ErrNoMessages when the partition is drained.
	Undispatched(ctx context.Context, partition string, limit int) ([]OutboxMessage, error)

	// MarkDispatched records the transport acknowledgment for the messages.
	// Only the relay ever marks rows dispatched.
	MarkDispatched(ctx context.Context, ids []int64) error

	// MarkFailed increments the attempt count and stores the publish error.
	// The message stays undispatched and is retried on the next poll.
	MarkFailed(ctx context.Context, id int64, cause error) error

	// PendingCount returns the number of undispatched messages across partitions.
	PendingCount(ctx context.Context) (int, error)
}
