//go:build integration

package mysql_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/velmie/saga"
	"github.com/velmie/saga/mysql"
)

func TestStoreInstanceLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	in := &saga.Instance{
		ID:         "saga-1",
		Definition: saga.DefinitionRef{Name: "order", Version: 1},
		Status:     saga.StatusPending,
		Payload:    json.RawMessage(`{"order_id":42}`),
	}
	require.NoError(t, store.CreateInstance(ctx, in))
	require.EqualValues(t, 1, in.Version)

	in.Status = saga.StatusRunning
	rec := saga.StepRecord{
		SagaID:    in.ID,
		StepIndex: 0,
		Direction: saga.Forward,
		CommandID: "cmd-1",
		Status:    saga.StepDispatched,
		Attempts:  1,
		Deadline:  time.Now().Add(time.Minute),
		UpdatedAt: time.Now(),
	}
	entry := saga.OutboxEntry{
		PartitionKey:   in.ID,
		EventType:      "order.reserve",
		IdempotencyKey: "key-1",
		Payload:        json.RawMessage(`{"step":0}`),
	}
	require.NoError(t, store.UpdateInstance(ctx, in, []saga.StepRecord{rec}, []saga.OutboxEntry{entry}))
	require.EqualValues(t, 2, in.Version)

	stored, err := store.Instance(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, saga.StatusRunning, stored.Status)
	require.EqualValues(t, 2, stored.Version)

	storedRec, err := store.StepRecord(ctx, in.ID, 0, saga.Forward)
	require.NoError(t, err)
	require.Equal(t, "cmd-1", storedRec.CommandID)
	require.Equal(t, saga.StepDispatched, storedRec.Status)

	msgs, err := store.Undispatched(ctx, in.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "order.reserve", msgs[0].EventType)
}

func TestStoreVersionConflictIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	in := &saga.Instance{
		ID:         "saga-2",
		Definition: saga.DefinitionRef{Name: "order", Version: 1},
		Status:     saga.StatusPending,
	}
	require.NoError(t, store.CreateInstance(ctx, in))

	stale := *in
	in.Status = saga.StatusRunning
	require.NoError(t, store.UpdateInstance(ctx, in, nil, nil))

	stale.Status = saga.StatusCompensating
	err = store.UpdateInstance(ctx, &stale, nil, nil)
	require.ErrorIs(t, err, saga.ErrVersionConflict)

	missing := saga.Instance{ID: "nope", Version: 1}
	err = store.UpdateInstance(ctx, &missing, nil, nil)
	require.ErrorIs(t, err, saga.ErrInstanceNotFound)
}

func TestStoreRelayOrderingIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Enqueue(ctx, saga.OutboxEntry{
			PartitionKey:   "saga-a",
			EventType:      "order.reserve",
			IdempotencyKey: fmt.Sprintf("key-%d", i),
			Payload:        json.RawMessage(fmt.Sprintf(`{"step":%d}`, i)),
		}))
	}
	require.NoError(t, store.Enqueue(ctx, saga.OutboxEntry{
		PartitionKey:   "saga-b",
		EventType:      "order.charge",
		IdempotencyKey: "key-b",
		Payload:        json.RawMessage(`{"step":0}`),
	}))

	partitions, err := store.Partitions(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"saga-a", "saga-b"}, partitions)

	msgs, err := store.Undispatched(ctx, "saga-a", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i := 1; i < len(msgs); i++ {
		require.Greater(t, msgs[i].ID, msgs[i-1].ID)
	}

	require.NoError(t, store.MarkDispatched(ctx, []int64{msgs[0].ID, msgs[1].ID}))

	remaining, err := store.Undispatched(ctx, "saga-a", 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, msgs[2].ID, remaining[0].ID)

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.NoError(t, store.MarkFailed(ctx, remaining[0].ID, errors.New("broker down")))
	failed, err := store.Undispatched(ctx, "saga-a", 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, failed[0].Attempts)

	require.NoError(t, store.MarkDispatched(ctx, []int64{remaining[0].ID}))
	_, err = store.Undispatched(ctx, "saga-a", 10)
	require.ErrorIs(t, err, saga.ErrNoMessages)
}

func TestStoreLeaseIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	require.NoError(t, store.Acquire(ctx, "saga-a", "relay-1", time.Minute))
	err = store.Acquire(ctx, "saga-a", "relay-2", time.Minute)
	require.ErrorIs(t, err, saga.ErrLeaseHeld)

	// The holder can reacquire and renew its own lease.
	require.NoError(t, store.Acquire(ctx, "saga-a", "relay-1", time.Minute))
	require.NoError(t, store.Renew(ctx, "saga-a", "relay-1", time.Minute))
	err = store.Renew(ctx, "saga-a", "relay-2", time.Minute)
	require.ErrorIs(t, err, saga.ErrLeaseLost)

	require.NoError(t, store.Release(ctx, "saga-a", "relay-1"))
	require.NoError(t, store.Acquire(ctx, "saga-a", "relay-2", time.Minute))
}

func TestStoreIdempotencyIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	calls := 0
	compute := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(fmt.Sprintf(`{"call":%d}`, calls)), nil
	}

	first, err := store.CheckOrRecord(ctx, "key-1", compute)
	require.NoError(t, err)
	require.JSONEq(t, `{"call":1}`, string(first))

	second, err := store.CheckOrRecord(ctx, "key-1", compute)
	require.NoError(t, err)
	require.JSONEq(t, `{"call":1}`, string(second))
	require.Equal(t, 1, calls)

	_, err = store.CheckOrRecord(ctx, "key-2", func(ctx context.Context) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	// The failed compute left nothing behind, so the key is retryable.
	third, err := store.CheckOrRecord(ctx, "key-2", compute)
	require.NoError(t, err)
	require.JSONEq(t, `{"call":2}`, string(third))
}

func TestStoreCheckOrRecordTxIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	calls := 0
	compute := func(ctx context.Context, exec mysql.Executor) (json.RawMessage, error) {
		calls++
		_, err := store.EnqueueTx(ctx, exec, saga.OutboxEntry{
			PartitionKey:   "saga-tx",
			EventType:      "payment.charge",
			IdempotencyKey: "key-tx",
			Payload:        json.RawMessage(`{"amount":10}`),
		})
		if err != nil {
			return nil, err
		}
		return json.RawMessage(`{"charge":"c-1"}`), nil
	}

	first, err := store.CheckOrRecordTx(ctx, "key-tx", compute)
	require.NoError(t, err)
	require.JSONEq(t, `{"charge":"c-1"}`, string(first))

	// The duplicate delivery returns the stored result and enqueues nothing.
	second, err := store.CheckOrRecordTx(ctx, "key-tx", compute)
	require.NoError(t, err)
	require.JSONEq(t, `{"charge":"c-1"}`, string(second))
	require.Equal(t, 1, calls)

	msgs, err := store.Undispatched(ctx, "saga-tx", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// A failed compute rolls its writes back together with the key.
	_, err = store.CheckOrRecordTx(ctx, "key-tx-2", func(ctx context.Context, exec mysql.Executor) (json.RawMessage, error) {
		if _, err := store.EnqueueTx(ctx, exec, saga.OutboxEntry{
			PartitionKey:   "saga-tx-2",
			EventType:      "payment.charge",
			IdempotencyKey: "key-tx-2",
			Payload:        json.RawMessage(`{"amount":11}`),
		}); err != nil {
			return nil, err
		}
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	_, err = store.Undispatched(ctx, "saga-tx-2", 10)
	require.ErrorIs(t, err, saga.ErrNoMessages)
}

func TestStoreCleanupIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	require.NoError(t, store.Enqueue(ctx, saga.OutboxEntry{
		PartitionKey:   "saga-a",
		EventType:      "order.reserve",
		IdempotencyKey: "key-1",
		Payload:        json.RawMessage(`{"step":0}`),
	}))
	msgs, err := store.Undispatched(ctx, "saga-a", 10)
	require.NoError(t, err)
	require.NoError(t, store.MarkDispatched(ctx, []int64{msgs[0].ID}))

	in := &saga.Instance{
		ID:         "saga-a",
		Definition: saga.DefinitionRef{Name: "order", Version: 1},
		Status:     saga.StatusPending,
	}
	require.NoError(t, store.CreateInstance(ctx, in))
	in.Status = saga.StatusCompleted
	require.NoError(t, store.UpdateInstance(ctx, in, []saga.StepRecord{{
		SagaID:    in.ID,
		StepIndex: 0,
		Direction: saga.Forward,
		CommandID: "cmd-1",
		Status:    saga.StepSucceeded,
		Attempts:  1,
		UpdatedAt: time.Now(),
	}}, nil))

	res, err := store.Cleanup(ctx, mysql.CleanupOptions{
		Before:       time.Now().Add(time.Hour),
		IncludeSagas: true,
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Outbox)
	require.EqualValues(t, 1, res.Instances)
	require.EqualValues(t, 1, res.Steps)

	_, err = store.Instance(ctx, in.ID)
	require.ErrorIs(t, err, saga.ErrInstanceNotFound)
}

func startMySQLContainer(t *testing.T, ctx context.Context) (testcontainers.Container, *sql.DB) {
	t.Helper()
	port := nat.Port("3306/tcp")
	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.0.36",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "secret",
			"MYSQL_DATABASE":      "saga",
		},
		WaitingFor: wait.ForSQL(port, "mysql", func(host string, port nat.Port) string {
			return fmt.Sprintf("root:secret@tcp(%s:%s)/saga?parseTime=true&multiStatements=true", host, port.Port())
		}).WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start mysql container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve port: %v", err)
	}

	dsn := fmt.Sprintf("root:secret@tcp(%s:%s)/saga?parseTime=true&multiStatements=true", host, mappedPort.Port())
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("open db: %v", err)
	}
	return container, db
}

func setupSchema(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	schema, err := mysql.Schema("saga_")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, schema)
	require.NoError(t, err)
}
