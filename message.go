package saga

import (
	"encoding/json"
	"fmt"
)

// EventTypeReply is the outbox event type participants use for saga replies.
const EventTypeReply = "saga.reply"

// Command is the message the orchestrator sends to a participant for one step
// attempt, forward or compensating.
type Command struct {
	CommandID string    `json:"command_id"`
	SagaID    string    `json:"saga_id"`
	StepIndex int       `json:"step_index"`
	Direction Direction `json:"direction"`
	// Type is the participant-facing command type from the step spec.
	Type string `json:"type"`
	// IdempotencyKey suppresses duplicate execution on redelivery. It is
	// stable across retries of the same logical operation.
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Reply is the participant's answer to a Command.
type Reply struct {
	CommandID string          `json:"command_id"`
	SagaID    string          `json:"saga_id"`
	StepIndex int             `json:"step_index"`
	Direction Direction       `json:"direction"`
	Outcome   Outcome         `json:"outcome"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// EncodeCommand stages a command as an outbox entry. The saga id is the
// partition key, so all messages of one saga keep their relative order.
func EncodeCommand(cmd Command) (OutboxEntry, error) {
	if cmd.IdempotencyKey == "" {
		return OutboxEntry{}, ErrIdempotencyKeyRequired
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("saga: encode command: %w", err)
	}

	return OutboxEntry{
		PartitionKey:   cmd.SagaID,
		EventType:      cmd.Type,
		IdempotencyKey: cmd.IdempotencyKey,
		Payload:        payload,
	}, nil
}

// DecodeCommand parses a command from an outbox payload.
func DecodeCommand(payload json.RawMessage) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("saga: decode command: %w", err)
	}
	if cmd.SagaID == "" || cmd.CommandID == "" {
		return Command{}, fmt.Errorf("saga: decode command: %w", ErrInvalidPayload)
	}

	return cmd, nil
}

// EncodeReply stages a reply as an outbox entry for the participant's outbox.
func EncodeReply(reply Reply) (OutboxEntry, error) {
	payload, err := json.Marshal(reply)
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("saga: encode reply: %w", err)
	}

	return OutboxEntry{
		PartitionKey:   reply.SagaID,
		EventType:      EventTypeReply,
		IdempotencyKey: replyKey(reply),
		Payload:        payload,
	}, nil
}

// DecodeReply parses a reply from an outbox payload.
func DecodeReply(payload json.RawMessage) (Reply, error) {
	var reply Reply
	if err := json.Unmarshal(payload, &reply); err != nil {
		return Reply{}, fmt.Errorf("saga: decode reply: %w", err)
	}
	if reply.SagaID == "" || reply.Outcome == "" {
		return Reply{}, fmt.Errorf("saga: decode reply: %w", ErrInvalidPayload)
	}

	return reply, nil
}

func replyKey(reply Reply) string {
	return fmt.Sprintf("reply:%s:%d:%s:%s", reply.SagaID, reply.StepIndex, reply.Direction, reply.CommandID)
}
