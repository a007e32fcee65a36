package mysql

import "fmt"

type queries struct {
	insertInstance string
	selectInstance string
	updateInstance string

	upsertStep    string
	selectStep    string
	selectHistory string
	selectDue     string

	insertOutbox       string
	selectPartitions   string
	selectUndispatched string
	markFailed         string
	countPending       string

	insertLease  string
	updateLease  string
	renewLease   string
	releaseLease string

	selectIdem string
	lookupIdem string
	insertIdem string
}

const instanceCols = "id, definition_name, definition_version, status, current_step, completed_steps, payload, last_error, version, created_at, updated_at"

const stepCols = "saga_id, step_index, direction, command_id, status, attempt_count, last_error, deadline_at, updated_at"

func newQueries(names tables) queries {
	return queries{
		insertInstance: fmt.Sprintf(
			"INSERT INTO %s (id, definition_name, definition_version, status, current_step, completed_steps, payload, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			names.instances,
		),
		selectInstance: fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", instanceCols, names.instances),
		updateInstance: fmt.Sprintf(
			"UPDATE %s SET status = ?, current_step = ?, completed_steps = ?, last_error = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?",
			names.instances,
		),

		upsertStep: fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) AS new "+
				"ON DUPLICATE KEY UPDATE command_id = new.command_id, status = new.status, "+
				"attempt_count = new.attempt_count, last_error = new.last_error, "+
				"deadline_at = new.deadline_at, updated_at = new.updated_at",
			names.steps,
			stepCols,
		),
		selectStep: fmt.Sprintf(
			"SELECT %s FROM %s WHERE saga_id = ? AND step_index = ? AND direction = ?",
			stepCols,
			names.steps,
		),
		selectHistory: fmt.Sprintf(
			"SELECT %s FROM %s WHERE saga_id = ? ORDER BY updated_at ASC, step_index ASC, direction ASC",
			stepCols,
			names.steps,
		),
		selectDue: fmt.Sprintf(
			"SELECT %s FROM %s WHERE status IN ('DISPATCHED', 'AWAITING_RETRY') AND deadline_at <= ? ORDER BY deadline_at ASC LIMIT ?",
			stepCols,
			names.steps,
		),

		insertOutbox: fmt.Sprintf(
			"INSERT INTO %s (partition_key, event_type, idempotency_key, payload) VALUES (?, ?, ?, ?)",
			names.outbox,
		),
		selectPartitions: fmt.Sprintf(
			"SELECT partition_key FROM %s WHERE dispatched_at IS NULL GROUP BY partition_key ORDER BY MIN(id) ASC LIMIT ?",
			names.outbox,
		),
		selectUndispatched: fmt.Sprintf(
			"SELECT id, partition_key, event_type, idempotency_key, payload, attempt_count, created_at FROM %s WHERE partition_key = ? AND dispatched_at IS NULL ORDER BY id ASC LIMIT ?",
			names.outbox,
		),
		markFailed: fmt.Sprintf(
			"UPDATE %s SET attempt_count = attempt_count + 1, last_error = ? WHERE id = ?",
			names.outbox,
		),
		countPending: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE dispatched_at IS NULL", names.outbox),

		insertLease: fmt.Sprintf(
			"INSERT IGNORE INTO %s (partition_key, owner, expires_at) VALUES (?, ?, ?)",
			names.leases,
		),
		updateLease: fmt.Sprintf(
			"UPDATE %s SET owner = ?, expires_at = ? WHERE partition_key = ? AND (owner = ? OR expires_at <= ?)",
			names.leases,
		),
		renewLease: fmt.Sprintf(
			"UPDATE %s SET expires_at = ? WHERE partition_key = ? AND owner = ?",
			names.leases,
		),
		releaseLease: fmt.Sprintf(
			"DELETE FROM %s WHERE partition_key = ? AND owner = ?",
			names.leases,
		),

		selectIdem: fmt.Sprintf("SELECT result FROM %s WHERE idem_key = ? FOR UPDATE", names.idempotency),
		lookupIdem: fmt.Sprintf("SELECT result FROM %s WHERE idem_key = ?", names.idempotency),
		insertIdem: fmt.Sprintf("INSERT INTO %s (idem_key, result) VALUES (?, ?)", names.idempotency),
	}
}

func buildMarkDispatched(table string, count int) string {
	return fmt.Sprintf(
		"UPDATE %s SET dispatched_at = ?, last_error = NULL WHERE id IN (%s)",
		table,
		makePlaceholders(count),
	)
}

func buildSelectOpen(table string, statusCount int) string {
	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE status IN (%s) ORDER BY created_at ASC LIMIT ?",
		instanceCols,
		table,
		makePlaceholders(statusCount),
	)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	buf := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}

	return string(buf)
}
