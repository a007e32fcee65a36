// Package webhook publishes outbox messages to an HTTP endpoint. It exists
// for deployments that bridge the relay to a broker through an HTTP ingest
// (or straight to a participant), without a broker client in this repository.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/velmie/saga"
)

const defaultTimeout = 10 * time.Second

// HeaderEventType carries the outbox event type on published requests.
const HeaderEventType = "X-Saga-Event-Type"

// HeaderIdempotencyKey carries the message idempotency key.
const HeaderIdempotencyKey = "X-Saga-Idempotency-Key"

// Publisher POSTs each outbox message payload to a fixed URL. Any non-2xx
// response is an error, so the relay keeps the message undispatched and
// retries it.
type Publisher struct {
	url    string
	client *http.Client
}

var _ saga.Publisher = (*Publisher)(nil)

// NewPublisher creates a webhook publisher. A nil client uses a default with
// a bounded timeout.
func NewPublisher(url string, client *http.Client) *Publisher {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	return &Publisher{url: url, client: client}
}

// Publish implements saga.Publisher.
func (p *Publisher) Publish(ctx context.Context, msg saga.OutboxMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventType, msg.EventType)
	req.Header.Set(HeaderIdempotencyKey, msg.IdempotencyKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook: endpoint returned %s", resp.Status)
	}

	return nil
}
