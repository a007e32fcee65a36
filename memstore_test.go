package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreVersionConflict(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	in := &Instance{ID: "saga-1", Definition: DefinitionRef{Name: "order", Version: 1}, Status: StatusPending}
	if err := store.CreateInstance(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}

	stale := *in
	in.Status = StatusRunning
	if err := store.UpdateInstance(ctx, in, nil, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if in.Version != 2 {
		t.Fatalf("expected version 2, got %d", in.Version)
	}

	stale.Status = StatusCompensating
	err := store.UpdateInstance(ctx, &stale, nil, nil)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	missing := Instance{ID: "nope", Version: 1}
	err = store.UpdateInstance(ctx, &missing, nil, nil)
	if !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestMemoryStoreUpdateIsAtomic(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	in := &Instance{ID: "saga-1", Definition: DefinitionRef{Name: "order", Version: 1}, Status: StatusPending}
	if err := store.CreateInstance(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}

	in.Status = StatusRunning
	err := store.UpdateInstance(ctx, in,
		[]StepRecord{{SagaID: in.ID, StepIndex: 0, Direction: Forward, CommandID: "c1", Status: StepDispatched}},
		[]OutboxEntry{{PartitionKey: in.ID, EventType: "x"}}, // invalid: no payload
	)
	if !errors.Is(err, ErrPayloadRequired) {
		t.Fatalf("expected ErrPayloadRequired, got %v", err)
	}

	// Nothing from the rejected update is visible.
	stored, err := store.Instance(ctx, in.ID)
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	if stored.Status != StatusPending || stored.Version != 1 {
		t.Fatalf("rejected update leaked: %s v%d", stored.Status, stored.Version)
	}
	if _, err := store.StepRecord(ctx, in.ID, 0, Forward); !errors.Is(err, ErrStepRecordNotFound) {
		t.Fatalf("expected no step record, got %v", err)
	}
}

func TestMemoryStoreDueStepRecords(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(clock)
	ctx := context.Background()
	now := clock.Now()

	in := &Instance{ID: "saga-1", Definition: DefinitionRef{Name: "order", Version: 1}, Status: StatusRunning}
	if err := store.CreateInstance(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}
	steps := []StepRecord{
		{SagaID: in.ID, StepIndex: 0, Direction: Forward, CommandID: "c0", Status: StepSucceeded, Deadline: now.Add(-time.Hour)},
		{SagaID: in.ID, StepIndex: 1, Direction: Forward, CommandID: "c1", Status: StepDispatched, Deadline: now.Add(-time.Minute)},
		{SagaID: in.ID, StepIndex: 2, Direction: Forward, CommandID: "c2", Status: StepAwaitingRetry, Deadline: now.Add(-2 * time.Minute)},
		{SagaID: in.ID, StepIndex: 3, Direction: Forward, CommandID: "c3", Status: StepDispatched, Deadline: now.Add(time.Hour)},
	}
	if err := store.UpdateInstance(ctx, in, steps, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	due, err := store.DueStepRecords(ctx, now, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	// Terminal and future records are excluded; earliest deadline first.
	if len(due) != 2 || due[0].StepIndex != 2 || due[1].StepIndex != 1 {
		t.Fatalf("unexpected due records %+v", due)
	}

	due, err = store.DueStepRecords(ctx, now, 1)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected limit applied, got %d", len(due))
	}
}

func TestMemoryStoreLeaseExpiry(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(clock)
	ctx := context.Background()

	if err := store.Acquire(ctx, "saga-a", "relay-1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := store.Acquire(ctx, "saga-a", "relay-2", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}

	// An expired lease is reclaimable.
	clock.Advance(2 * time.Minute)
	if err := store.Acquire(ctx, "saga-a", "relay-2", time.Minute); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if err := store.Renew(ctx, "saga-a", "relay-1", time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestMemoryStoreCheckOrRecord(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	calls := 0
	compute := func(_ context.Context) (json.RawMessage, error) {
		calls++

		return json.RawMessage(`{"n":1}`), nil
	}

	first, err := store.CheckOrRecord(ctx, "k", compute)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := store.CheckOrRecord(ctx, "k", compute)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one compute, got %d", calls)
	}
	if string(first) != string(second) {
		t.Fatalf("stored result changed: %s vs %s", first, second)
	}

	boom := errors.New("boom")
	_, err = store.CheckOrRecord(ctx, "k2", func(_ context.Context) (json.RawMessage, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected compute error, got %v", err)
	}
	// The failed compute recorded nothing.
	if _, err := store.CheckOrRecord(ctx, "k2", compute); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected retried compute, got %d calls", calls)
	}
}
