package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/velmie/saga"
)

func TestPublisherPostsPayloadWithHeaders(t *testing.T) {
	var gotBody []byte
	var gotEventType, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotEventType = r.Header.Get(HeaderEventType)
		gotKey = r.Header.Get(HeaderIdempotencyKey)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	pub := NewPublisher(srv.URL, nil)
	msg := saga.OutboxMessage{
		ID:             1,
		PartitionKey:   "saga-1",
		EventType:      "payment.charge",
		IdempotencyKey: "key-1",
		Payload:        json.RawMessage(`{"order_id":1}`),
	}
	if err := pub.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if string(gotBody) != `{"order_id":1}` {
		t.Fatalf("unexpected body %q", gotBody)
	}
	if gotEventType != "payment.charge" || gotKey != "key-1" {
		t.Fatalf("unexpected headers %q %q", gotEventType, gotKey)
	}
}

func TestPublisherNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	pub := NewPublisher(srv.URL, nil)
	err := pub.Publish(context.Background(), saga.OutboxMessage{Payload: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatalf("expected error on 503")
	}
}
