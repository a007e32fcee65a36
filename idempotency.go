package saga

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ComputeFunc produces the result an idempotency key guards.
type ComputeFunc func(ctx context.Context) (json.RawMessage, error)

// IdempotencyStore is a durable key to result cache that suppresses duplicate
// execution of the same logical operation.
type IdempotencyStore interface {
	// CheckOrRecord returns the stored result for key without invoking compute
	// when the key exists. Otherwise it invokes compute, persists (key, result),
	// and returns the result. A stored result is returned unchanged on every
	// subsequent lookup and is never overwritten. A compute error records
	// nothing, so the next delivery runs compute again.
	CheckOrRecord(ctx context.Context, key string, compute ComputeFunc) (json.RawMessage, error)
}

// CommandKey derives the idempotency key for a step command. It is a
// deterministic function of the saga, step, direction, and the
// attempt-independent payload, so every retry of the same logical operation
// carries the same key while forward and compensation commands of one step get
// distinct keys.
func CommandKey(sagaID string, stepIndex int, direction Direction, payload json.RawMessage) string {
	sum := sha256.Sum256(payload)

	return fmt.Sprintf("%s:%d:%s:%s", sagaID, stepIndex, direction, hex.EncodeToString(sum[:]))
}
