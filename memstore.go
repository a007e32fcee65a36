package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements every store interface in memory. It is intended for
// tests and examples; nothing survives a restart.
type MemoryStore struct {
	mu        sync.Mutex
	clock     Clock
	instances map[string]*Instance
	steps     map[string]*StepRecord
	outbox    []*OutboxMessage
	nextID    int64
	leases    map[string]memoryLease
	idem      map[string]json.RawMessage
}

type memoryLease struct {
	owner   string
	expires time.Time
}

var (
	_ InstanceStore    = (*MemoryStore)(nil)
	_ RelayStore       = (*MemoryStore)(nil)
	_ Leaser           = (*MemoryStore)(nil)
	_ IdempotencyStore = (*MemoryStore)(nil)
	_ OutboxWriter     = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store. A nil clock uses SystemClock.
func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = SystemClock{}
	}

	return &MemoryStore{
		clock:     clock,
		instances: make(map[string]*Instance),
		steps:     make(map[string]*StepRecord),
		leases:    make(map[string]memoryLease),
		idem:      make(map[string]json.RawMessage),
	}
}

func stepKey(sagaID string, stepIndex int, direction Direction) string {
	return fmt.Sprintf("%s|%d|%s", sagaID, stepIndex, direction)
}

// CreateInstance implements InstanceStore.
func (m *MemoryStore) CreateInstance(_ context.Context, in *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[in.ID]; ok {
		return fmt.Errorf("saga memstore: instance %s already exists", in.ID)
	}
	now := m.clock.Now()
	in.Version = 1
	in.CreatedAt = now
	in.UpdatedAt = now
	m.instances[in.ID] = cloneInstance(in)

	return nil
}

// Instance implements InstanceStore.
func (m *MemoryStore) Instance(_ context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}

	return cloneInstance(stored), nil
}

// UpdateInstance implements InstanceStore. The instance write, step record
// upserts, and outbox entries apply atomically under one lock.
func (m *MemoryStore) UpdateInstance(_ context.Context, in *Instance, steps []StepRecord, entries []OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.instances[in.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, in.ID)
	}
	if stored.Version != in.Version {
		return fmt.Errorf("%w: %s have %d want %d", ErrVersionConflict, in.ID, stored.Version, in.Version)
	}

	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			return err
		}
	}

	in.Version++
	in.UpdatedAt = m.clock.Now()
	m.instances[in.ID] = cloneInstance(in)

	for i := range steps {
		rec := steps[i]
		m.steps[stepKey(rec.SagaID, rec.StepIndex, rec.Direction)] = &rec
	}
	for i := range entries {
		m.appendMessage(entries[i])
	}

	return nil
}

// StepRecord implements InstanceStore.
func (m *MemoryStore) StepRecord(_ context.Context, sagaID string, stepIndex int, direction Direction) (*StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.steps[stepKey(sagaID, stepIndex, direction)]
	if !ok {
		return nil, fmt.Errorf("%w: %s step %d %s", ErrStepRecordNotFound, sagaID, stepIndex, direction)
	}
	out := *rec

	return &out, nil
}

// StepHistory implements InstanceStore.
func (m *MemoryStore) StepHistory(_ context.Context, sagaID string) ([]StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := make([]StepRecord, 0)
	for _, rec := range m.steps {
		if rec.SagaID == sagaID {
			history = append(history, *rec)
		}
	}
	sort.Slice(history, func(i, j int) bool {
		if !history[i].UpdatedAt.Equal(history[j].UpdatedAt) {
			return history[i].UpdatedAt.Before(history[j].UpdatedAt)
		}
		if history[i].StepIndex != history[j].StepIndex {
			return history[i].StepIndex < history[j].StepIndex
		}

		return history[i].Direction < history[j].Direction
	})

	return history, nil
}

// DueStepRecords implements InstanceStore.
func (m *MemoryStore) DueStepRecords(_ context.Context, now time.Time, limit int) ([]StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]StepRecord, 0)
	for _, rec := range m.steps {
		if rec.Status.Terminal() {
			continue
		}
		if rec.Deadline.After(now) {
			continue
		}
		due = append(due, *rec)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].Deadline.Before(due[j].Deadline)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

// OpenInstances implements InstanceStore.
func (m *MemoryStore) OpenInstances(_ context.Context, statuses []Status, limit int) ([]*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	open := make([]*Instance, 0)
	for _, in := range m.instances {
		if wanted[in.Status] {
			open = append(open, cloneInstance(in))
		}
	}
	sort.Slice(open, func(i, j int) bool {
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})
	if limit > 0 && len(open) > limit {
		open = open[:limit]
	}

	return open, nil
}

// Enqueue implements OutboxWriter.
func (m *MemoryStore) Enqueue(_ context.Context, entry OutboxEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendMessage(entry)

	return nil
}

func (m *MemoryStore) appendMessage(entry OutboxEntry) {
	m.nextID++
	m.outbox = append(m.outbox, &OutboxMessage{
		ID:             m.nextID,
		PartitionKey:   entry.PartitionKey,
		EventType:      entry.EventType,
		IdempotencyKey: entry.IdempotencyKey,
		Payload:        append(json.RawMessage(nil), entry.Payload...),
		CreatedAt:      m.clock.Now(),
	})
}

// Partitions implements RelayStore.
func (m *MemoryStore) Partitions(_ context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	partitions := make([]string, 0)
	for _, msg := range m.outbox {
		if !msg.DispatchedAt.IsZero() || seen[msg.PartitionKey] {
			continue
		}
		seen[msg.PartitionKey] = true
		partitions = append(partitions, msg.PartitionKey)
		if limit > 0 && len(partitions) >= limit {
			break
		}
	}

	return partitions, nil
}

// Undispatched implements RelayStore.
func (m *MemoryStore) Undispatched(_ context.Context, partition string, limit int) ([]OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := make([]OutboxMessage, 0)
	for _, msg := range m.outbox {
		if msg.PartitionKey != partition || !msg.DispatchedAt.IsZero() {
			continue
		}
		msgs = append(msgs, *msg)
		if limit > 0 && len(msgs) >= limit {
			break
		}
	}
	if len(msgs) == 0 {
		return nil, ErrNoMessages
	}

	return msgs, nil
}

// MarkDispatched implements RelayStore.
func (m *MemoryStore) MarkDispatched(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, id := range ids {
		for _, msg := range m.outbox {
			if msg.ID == id {
				msg.DispatchedAt = now

				break
			}
		}
	}

	return nil
}

// MarkFailed implements RelayStore.
func (m *MemoryStore) MarkFailed(_ context.Context, id int64, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.outbox {
		if msg.ID == id {
			msg.Attempts++

			break
		}
	}

	return nil
}

// PendingCount implements RelayStore.
func (m *MemoryStore) PendingCount(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, msg := range m.outbox {
		if msg.DispatchedAt.IsZero() {
			count++
		}
	}

	return count, nil
}

// Acquire implements Leaser.
func (m *MemoryStore) Acquire(_ context.Context, partition, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	lease, ok := m.leases[partition]
	if ok && lease.owner != owner && lease.expires.After(now) {
		return fmt.Errorf("%w: %s held by %s", ErrLeaseHeld, partition, lease.owner)
	}
	m.leases[partition] = memoryLease{owner: owner, expires: now.Add(ttl)}

	return nil
}

// Renew implements Leaser.
func (m *MemoryStore) Renew(_ context.Context, partition, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[partition]
	if !ok || lease.owner != owner {
		return fmt.Errorf("%w: %s", ErrLeaseLost, partition)
	}
	m.leases[partition] = memoryLease{owner: owner, expires: m.clock.Now().Add(ttl)}

	return nil
}

// Release implements Leaser.
func (m *MemoryStore) Release(_ context.Context, partition, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lease, ok := m.leases[partition]; ok && lease.owner == owner {
		delete(m.leases, partition)
	}

	return nil
}

// CheckOrRecord implements IdempotencyStore. The first writer wins a race;
// losers return the winner's result.
func (m *MemoryStore) CheckOrRecord(ctx context.Context, key string, compute ComputeFunc) (json.RawMessage, error) {
	m.mu.Lock()
	if stored, ok := m.idem[key]; ok {
		m.mu.Unlock()

		return append(json.RawMessage(nil), stored...), nil
	}
	m.mu.Unlock()

	result, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.idem[key]; ok {
		return append(json.RawMessage(nil), stored...), nil
	}
	m.idem[key] = append(json.RawMessage(nil), result...)

	return result, nil
}

// Messages returns a snapshot of all outbox rows, for tests.
func (m *MemoryStore) Messages() []OutboxMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]OutboxMessage, 0, len(m.outbox))
	for _, msg := range m.outbox {
		out = append(out, *msg)
	}

	return out
}

func cloneInstance(in *Instance) *Instance {
	out := *in
	out.CompletedSteps = append([]int(nil), in.CompletedSteps...)
	out.Payload = append(json.RawMessage(nil), in.Payload...)

	return &out
}
