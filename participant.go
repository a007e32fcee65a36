package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// CommandHandler executes the business side effect of one command.
// Returning a *BusinessError signals an explicit decline (BUSINESS_FAILURE);
// any other error is an unexpected fault and is safe to retry.
type CommandHandler interface {
	Execute(ctx context.Context, cmd Command) (json.RawMessage, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd Command) (json.RawMessage, error)

// Execute implements CommandHandler.
func (fn CommandHandlerFunc) Execute(ctx context.Context, cmd Command) (json.RawMessage, error) {
	return fn(ctx, cmd)
}

// BusinessError is a participant's explicit decline of a command, e.g.
// insufficient funds. It is a deterministic outcome, not a fault: it is
// recorded under the idempotency key and triggers compensation, never a retry.
type BusinessError struct {
	Reason string
}

// Error implements error.
func (e *BusinessError) Error() string {
	return e.Reason
}

// Participant wraps a command handler with the idempotency check and publishes
// the reply through the participant's own outbox, so the reply is durable
// before it is sent. Duplicate command deliveries produce one business side
// effect and identical replies.
type Participant struct {
	idem    IdempotencyStore
	outbox  OutboxWriter
	handler CommandHandler
	logger  Logger
}

// NewParticipant constructs a participant command processor.
func NewParticipant(idem IdempotencyStore, outbox OutboxWriter, handler CommandHandler, logger Logger) *Participant {
	if idem == nil {
		panic("saga: nil IdempotencyStore")
	}
	if outbox == nil {
		panic("saga: nil OutboxWriter")
	}
	if handler == nil {
		panic("saga: nil CommandHandler")
	}
	if logger == nil {
		logger = NopLogger{}
	}

	return &Participant{idem: idem, outbox: outbox, handler: handler, logger: logger}
}

type replyEnvelope struct {
	Outcome Outcome         `json:"outcome"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// HandleCommand executes the command at most once per idempotency key and
// stages the reply. Unexpected faults reply ERROR without recording the key,
// so a redelivery runs the handler again.
func (p *Participant) HandleCommand(ctx context.Context, cmd Command) error {
	if cmd.IdempotencyKey == "" {
		return ErrIdempotencyKeyRequired
	}

	stored, err := p.idem.CheckOrRecord(ctx, cmd.IdempotencyKey, func(ctx context.Context) (json.RawMessage, error) {
		result, execErr := p.handler.Execute(ctx, cmd)

		var bizErr *BusinessError
		switch {
		case errors.As(execErr, &bizErr):
			return json.Marshal(replyEnvelope{Outcome: OutcomeBusinessFailure, Error: bizErr.Reason})
		case execErr != nil:
			return nil, execErr
		}

		return json.Marshal(replyEnvelope{Outcome: OutcomeSuccess, Result: result})
	})

	var envelope replyEnvelope
	if err != nil {
		p.logger.Warn("participant command failed",
			"saga_id", cmd.SagaID, "step", cmd.StepIndex, "type", cmd.Type, "err", err)
		envelope = replyEnvelope{Outcome: OutcomeError, Error: err.Error()}
	} else if err := json.Unmarshal(stored, &envelope); err != nil {
		return fmt.Errorf("saga: decode stored reply: %w", err)
	}

	reply := Reply{
		CommandID: cmd.CommandID,
		SagaID:    cmd.SagaID,
		StepIndex: cmd.StepIndex,
		Direction: cmd.Direction,
		Outcome:   envelope.Outcome,
		Result:    envelope.Result,
		Error:     envelope.Error,
	}
	entry, err := EncodeReply(reply)
	if err != nil {
		return err
	}

	return p.outbox.Enqueue(ctx, entry)
}
