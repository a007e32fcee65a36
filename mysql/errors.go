package mysql

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("saga mysql: db is required")
	// ErrExecutorRequired is returned when enqueue is called with a nil executor.
	ErrExecutorRequired = errors.New("saga mysql: executor is required")
	// ErrComputeRequired is returned when CheckOrRecordTx is called with a nil compute.
	ErrComputeRequired = errors.New("saga mysql: compute is required")
	// ErrTableNameRequired is returned when a table name is empty.
	ErrTableNameRequired = errors.New("saga mysql: table name is required")
	// ErrInvalidTableName is returned when a table name has disallowed characters.
	ErrInvalidTableName = errors.New("saga mysql: invalid table name")
	// ErrCleanupBeforeRequired is returned when a cleanup cutoff is missing.
	ErrCleanupBeforeRequired = errors.New("saga mysql: cleanup cutoff is required")
	// ErrCleanupRetentionInvalid is returned when cleanup retention is not positive.
	ErrCleanupRetentionInvalid = errors.New("saga mysql: cleanup retention must be positive")
	// ErrCleanupLimitInvalid is returned when cleanup limit is negative.
	ErrCleanupLimitInvalid = errors.New("saga mysql: cleanup limit must be non-negative")
)
