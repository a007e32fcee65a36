package mysql

import (
	"context"
	"fmt"
	"time"

	"github.com/velmie/saga"
)

// Enqueue implements saga.OutboxWriter using the pool directly. Business code
// staging a message with its own mutation should prefer EnqueueTx.
func (s *Store) Enqueue(ctx context.Context, entry saga.OutboxEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	_, err := s.enqueue(ctx, s.db, entry)

	return err
}

// EnqueueTx stages an entry using the provided executor, typically the *sql.Tx
// of the business mutation the message accompanies.
func (s *Store) EnqueueTx(ctx context.Context, exec Executor, entry saga.OutboxEntry) (int64, error) {
	if exec == nil {
		return 0, ErrExecutorRequired
	}
	if err := entry.Validate(); err != nil {
		return 0, err
	}

	return s.enqueue(ctx, exec, entry)
}

func (s *Store) enqueue(ctx context.Context, exec Executor, entry saga.OutboxEntry) (int64, error) {
	res, err := exec.ExecContext(
		ctx,
		s.queries.insertOutbox,
		entry.PartitionKey,
		entry.EventType,
		entry.IdempotencyKey,
		entry.Payload,
	)
	if err != nil {
		return 0, fmt.Errorf("saga mysql: outbox insert failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("saga mysql: outbox insert id failed: %w", err)
	}

	return id, nil
}

// Partitions implements saga.RelayStore.
func (s *Store) Partitions(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.selectPartitions, limit)
	if err != nil {
		return nil, fmt.Errorf("saga mysql: select partitions failed: %w", err)
	}
	defer rows.Close()

	partitions := make([]string, 0, limit)
	for rows.Next() {
		var partition string
		if err := rows.Scan(&partition); err != nil {
			return nil, fmt.Errorf("saga mysql: scan partition failed: %w", err)
		}
		partitions = append(partitions, partition)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("saga mysql: partition rows failed: %w", err)
	}

	return partitions, nil
}

// Undispatched implements saga.RelayStore. Rows come back in id order, so
// ordering within a partition follows creation order.
func (s *Store) Undispatched(ctx context.Context, partition string, limit int) ([]saga.OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.selectUndispatched, partition, limit)
	if err != nil {
		return nil, fmt.Errorf("saga mysql: select undispatched failed: %w", err)
	}
	defer rows.Close()

	msgs := make([]saga.OutboxMessage, 0, limit)
	for rows.Next() {
		var msg saga.OutboxMessage
		var payload []byte
		if err := rows.Scan(
			&msg.ID,
			&msg.PartitionKey,
			&msg.EventType,
			&msg.IdempotencyKey,
			&payload,
			&msg.Attempts,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("saga mysql: scan outbox message failed: %w", err)
		}
		msg.Payload = payload
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("saga mysql: outbox rows failed: %w", err)
	}
	if len(msgs) == 0 {
		return nil, saga.ErrNoMessages
	}

	return msgs, nil
}

// MarkDispatched implements saga.RelayStore.
func (s *Store) MarkDispatched(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := buildMarkDispatched(s.names.outbox, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, s.cfg.Clock.Now())
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("saga mysql: mark dispatched failed: %w", err)
	}

	return nil
}

// MarkFailed implements saga.RelayStore.
func (s *Store) MarkFailed(ctx context.Context, id int64, cause error) error {
	if _, err := s.db.ExecContext(ctx, s.queries.markFailed, truncateError(cause), id); err != nil {
		return fmt.Errorf("saga mysql: mark failed update failed: %w", err)
	}

	return nil
}

// PendingCount implements saga.RelayStore.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.queries.countPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("saga mysql: pending count failed: %w", err)
	}

	return count, nil
}

// Acquire implements saga.Leaser. The lease row is claimed when absent, owned
// by the caller, or expired.
func (s *Store) Acquire(ctx context.Context, partition, owner string, ttl time.Duration) error {
	now := s.cfg.Clock.Now()
	expires := now.Add(ttl)

	res, err := s.db.ExecContext(ctx, s.queries.insertLease, partition, owner, expires)
	if err != nil {
		return fmt.Errorf("saga mysql: lease insert failed: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected > 0 {
		return nil
	}

	res, err = s.db.ExecContext(ctx, s.queries.updateLease, owner, expires, partition, owner, now)
	if err != nil {
		return fmt.Errorf("saga mysql: lease update failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("saga mysql: lease update rows failed: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", saga.ErrLeaseHeld, partition)
	}

	return nil
}

// Renew implements saga.Leaser.
func (s *Store) Renew(ctx context.Context, partition, owner string, ttl time.Duration) error {
	expires := s.cfg.Clock.Now().Add(ttl)

	res, err := s.db.ExecContext(ctx, s.queries.renewLease, expires, partition, owner)
	if err != nil {
		return fmt.Errorf("saga mysql: lease renew failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("saga mysql: lease renew rows failed: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", saga.ErrLeaseLost, partition)
	}

	return nil
}

// Release implements saga.Leaser.
func (s *Store) Release(ctx context.Context, partition, owner string) error {
	if _, err := s.db.ExecContext(ctx, s.queries.releaseLease, partition, owner); err != nil {
		return fmt.Errorf("saga mysql: lease release failed: %w", err)
	}

	return nil
}
