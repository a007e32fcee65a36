package mysql

import (
	"fmt"
	"strings"
)

const instancesSchema = `CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(36) NOT NULL,
	definition_name VARCHAR(128) NOT NULL,
	definition_version INT NOT NULL,
	status VARCHAR(16) NOT NULL,
	current_step INT NOT NULL DEFAULT 0,
	completed_steps JSON NOT NULL,
	payload JSON NULL,
	last_error VARCHAR(1024) NULL,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	PRIMARY KEY (id),
	INDEX idx_status_created (status, created_at)
);`

const stepsSchema = `CREATE TABLE IF NOT EXISTS %s (
	saga_id VARCHAR(36) NOT NULL,
	step_index INT NOT NULL,
	direction VARCHAR(12) NOT NULL,
	command_id VARCHAR(36) NOT NULL,
	status VARCHAR(16) NOT NULL,
	attempt_count INT NOT NULL DEFAULT 0,
	last_error VARCHAR(1024) NULL,
	deadline_at TIMESTAMP(6) NULL,
	updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	PRIMARY KEY (saga_id, step_index, direction),
	INDEX idx_status_deadline (status, deadline_at)
);`

const outboxSchema = `CREATE TABLE IF NOT EXISTS %s (
	id BIGINT NOT NULL AUTO_INCREMENT,
	partition_key VARCHAR(128) NOT NULL,
	event_type VARCHAR(128) NOT NULL,
	idempotency_key VARCHAR(191) NOT NULL,
	payload JSON NOT NULL,
	attempt_count INT NOT NULL DEFAULT 0,
	last_error VARCHAR(1024) NULL,
	created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	dispatched_at TIMESTAMP(6) NULL,
	PRIMARY KEY (id),
	INDEX idx_partition_pending (partition_key, dispatched_at, id),
	INDEX idx_dispatched (dispatched_at)
);`

const idempotencySchema = `CREATE TABLE IF NOT EXISTS %s (
	idem_key VARCHAR(191) NOT NULL,
	result JSON NULL,
	recorded_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	PRIMARY KEY (idem_key)
);`

const leasesSchema = `CREATE TABLE IF NOT EXISTS %s (
	partition_key VARCHAR(128) NOT NULL,
	owner VARCHAR(128) NOT NULL,
	expires_at TIMESTAMP(6) NOT NULL,
	PRIMARY KEY (partition_key)
);`

// Schema returns the DDL for all saga tables under the given prefix.
// Statements are separated by blank lines and are idempotent.
func Schema(prefix string) (string, error) {
	names, err := tableNames(prefix)
	if err != nil {
		return "", err
	}

	statements := []string{
		fmt.Sprintf(instancesSchema, names.instances),
		fmt.Sprintf(stepsSchema, names.steps),
		fmt.Sprintf(outboxSchema, names.outbox),
		fmt.Sprintf(idempotencySchema, names.idempotency),
		fmt.Sprintf(leasesSchema, names.leases),
	}

	return strings.Join(statements, "\n\n"), nil
}

type tables struct {
	instances   string
	steps       string
	outbox      string
	idempotency string
	leases      string
}

func tableNames(prefix string) (tables, error) {
	names := tables{
		instances:   prefix + "instances",
		steps:       prefix + "steps",
		outbox:      prefix + "outbox",
		idempotency: prefix + "idempotency",
		leases:      prefix + "leases",
	}
	for _, name := range []string{names.instances, names.steps, names.outbox, names.idempotency, names.leases} {
		if _, err := sanitizeTableName(name); err != nil {
			return tables{}, err
		}
	}

	return names, nil
}
