package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func testCommand(key string) Command {
	return Command{
		CommandID:      "cmd-1",
		SagaID:         "saga-1",
		StepIndex:      0,
		Direction:      Forward,
		Type:           "inventory.reserve",
		IdempotencyKey: key,
		Payload:        json.RawMessage(`{"order_id":1}`),
	}
}

func decodeReplies(t *testing.T, store *MemoryStore) []Reply {
	t.Helper()

	msgs := store.Messages()
	replies := make([]Reply, 0, len(msgs))
	for _, msg := range msgs {
		if msg.EventType != EventTypeReply {
			continue
		}
		reply, err := DecodeReply(msg.Payload)
		if err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		replies = append(replies, reply)
	}

	return replies
}

func TestParticipantDuplicateDeliveryOneSideEffect(t *testing.T) {
	store := NewMemoryStore(nil)
	calls := 0
	handler := CommandHandlerFunc(func(_ context.Context, _ Command) (json.RawMessage, error) {
		calls++

		return json.RawMessage(`{"reservation":"r-1"}`), nil
	})
	participant := NewParticipant(store, store, handler, nil)

	cmd := testCommand("key-1")
	if err := participant.HandleCommand(context.Background(), cmd); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := participant.HandleCommand(context.Background(), cmd); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected one execution, got %d", calls)
	}

	replies := decodeReplies(t, store)
	if len(replies) != 2 {
		t.Fatalf("expected a reply per delivery, got %d", len(replies))
	}
	for _, reply := range replies {
		if reply.Outcome != OutcomeSuccess {
			t.Fatalf("expected SUCCESS, got %s", reply.Outcome)
		}
		if !bytes.Equal(reply.Result, replies[0].Result) {
			t.Fatalf("duplicate deliveries must produce identical replies")
		}
	}
}

func TestParticipantBusinessFailureIsRecorded(t *testing.T) {
	store := NewMemoryStore(nil)
	calls := 0
	handler := CommandHandlerFunc(func(_ context.Context, _ Command) (json.RawMessage, error) {
		calls++

		return nil, &BusinessError{Reason: "insufficient funds"}
	})
	participant := NewParticipant(store, store, handler, nil)

	cmd := testCommand("key-2")
	if err := participant.HandleCommand(context.Background(), cmd); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := participant.HandleCommand(context.Background(), cmd); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	// A decline is deterministic: it is recorded and never re-executed.
	if calls != 1 {
		t.Fatalf("expected one execution, got %d", calls)
	}

	replies := decodeReplies(t, store)
	if len(replies) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(replies))
	}
	for _, reply := range replies {
		if reply.Outcome != OutcomeBusinessFailure || reply.Error != "insufficient funds" {
			t.Fatalf("unexpected reply %+v", reply)
		}
	}
}

func TestParticipantSystemErrorIsRetryable(t *testing.T) {
	store := NewMemoryStore(nil)
	calls := 0
	handler := CommandHandlerFunc(func(_ context.Context, _ Command) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("db connection reset")
		}

		return json.RawMessage(`{"charge":"c-1"}`), nil
	})
	participant := NewParticipant(store, store, handler, nil)

	cmd := testCommand("key-3")
	if err := participant.HandleCommand(context.Background(), cmd); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := participant.HandleCommand(context.Background(), cmd); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	// The fault recorded nothing, so the redelivery ran the handler again.
	if calls != 2 {
		t.Fatalf("expected two executions, got %d", calls)
	}

	replies := decodeReplies(t, store)
	if len(replies) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(replies))
	}
	if replies[0].Outcome != OutcomeError {
		t.Fatalf("expected ERROR first, got %s", replies[0].Outcome)
	}
	if replies[1].Outcome != OutcomeSuccess {
		t.Fatalf("expected SUCCESS second, got %s", replies[1].Outcome)
	}
}

func TestParticipantRequiresIdempotencyKey(t *testing.T) {
	store := NewMemoryStore(nil)
	handler := CommandHandlerFunc(func(_ context.Context, _ Command) (json.RawMessage, error) {
		return nil, nil
	})
	participant := NewParticipant(store, store, handler, nil)

	err := participant.HandleCommand(context.Background(), testCommand(""))
	if !errors.Is(err, ErrIdempotencyKeyRequired) {
		t.Fatalf("expected ErrIdempotencyKeyRequired, got %v", err)
	}
}
