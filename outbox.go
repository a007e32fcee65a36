package saga

import (
	"context"
	"encoding/json"
	"time"
)

// OutboxEntry describes a new message to stage in an outbox. Entries are
// written in the same local transaction as the business mutation they
// accompany; the relay performs the actual send afterward.
type OutboxEntry struct {
	// PartitionKey scopes ordering and lease ownership (typically the saga id).
	PartitionKey string
	// EventType names the message for consumers; the relay does not interpret it.
	EventType string
	// IdempotencyKey lets the receiving side suppress duplicate deliveries.
	IdempotencyKey string
	// Payload is opaque to the relay. JSON by convention.
	Payload json.RawMessage
}

// Validate checks required fields and JSON validity.
func (e OutboxEntry) Validate() error {
	if e.PartitionKey == "" {
		return ErrPartitionRequired
	}
	if len(e.Payload) == 0 {
		return ErrPayloadRequired
	}
	if !json.Valid(e.Payload) {
		return ErrInvalidPayload
	}

	return nil
}

// OutboxMessage is a stored outbox row fetched for dispatch. IDs are unique
// and monotonic within a partition; the relay publishes in id order.
type OutboxMessage struct {
	ID             int64
	PartitionKey   string
	EventType      string
	IdempotencyKey string
	Payload        json.RawMessage
	CreatedAt      time.Time
	// DispatchedAt is set by the relay once the transport acknowledged the
	// message. Zero means undispatched.
	DispatchedAt time.Time
	// Attempts counts failed publish attempts so far.
	Attempts int
}

// OutboxWriter stages entries for later dispatch. Implementations write within
// the caller's transaction where the backend supports it.
type OutboxWriter interface {
	// Enqueue validates and stages an entry.
	Enqueue(ctx context.Context, entry OutboxEntry) error
}

// Publisher is the opaque at-least-once transport the relay hands messages to.
// A Publish error leaves the message undispatched; the relay retries it on the
// next poll and never drops it.
type Publisher interface {
	// Publish sends one message and returns once the transport acknowledged it.
	Publish(ctx context.Context, msg OutboxMessage) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg OutboxMessage) error

// Publish implements Publisher.
func (fn PublisherFunc) Publish(ctx context.Context, msg OutboxMessage) error {
	return fn(ctx, msg)
}
