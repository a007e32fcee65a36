package saga

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestTimeoutSchedulesRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.start(t, `{"order_id":10}`)

	first, err := env.store.StepRecord(ctx, id, 0, Forward)
	if err != nil {
		t.Fatalf("step record: %v", err)
	}

	env.clock.Advance(defaultStepTimeout + time.Second)
	if err := env.orc.scanDeadlines(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	rec, err := env.store.StepRecord(ctx, id, 0, Forward)
	if err != nil {
		t.Fatalf("step record: %v", err)
	}
	if rec.Status != StepAwaitingRetry {
		t.Fatalf("expected AWAITING_RETRY, got %s", rec.Status)
	}

	env.clock.Advance(defaultBackoffBase + time.Millisecond)
	if err := env.orc.scanDeadlines(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	rec, err = env.store.StepRecord(ctx, id, 0, Forward)
	if err != nil {
		t.Fatalf("step record: %v", err)
	}
	if rec.Status != StepDispatched || rec.Attempts != 2 {
		t.Fatalf("expected second dispatch, got %s attempts %d", rec.Status, rec.Attempts)
	}
	if rec.CommandID == first.CommandID {
		t.Fatalf("retry must carry a fresh command id")
	}

	msgs := env.store.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 staged commands, got %d", len(msgs))
	}
	if msgs[0].IdempotencyKey != msgs[1].IdempotencyKey {
		t.Fatalf("retries must reuse the idempotency key")
	}
}

func TestRetriesExhaustedTriggerCompensation(t *testing.T) {
	env := newTestEnv(t, WithMaxAttempts(1))
	ctx := context.Background()
	id := env.start(t, `{"order_id":11}`)
	env.reply(t, id, 0, Forward, OutcomeSuccess)

	env.clock.Advance(defaultStepTimeout + time.Second)
	if err := env.orc.scanDeadlines(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	in := env.instance(t, id)
	if in.Status != StatusCompensating {
		t.Fatalf("expected COMPENSATING, got %s", in.Status)
	}

	rec, err := env.store.StepRecord(ctx, id, 1, Forward)
	if err != nil {
		t.Fatalf("step record: %v", err)
	}
	if rec.Status != StepFailed || !strings.Contains(rec.LastError, "retries exhausted") {
		t.Fatalf("expected exhausted failure, got %s %q", rec.Status, rec.LastError)
	}

	want := []string{"inventory.reserve", "payment.charge", "inventory.release"}
	if got := env.eventTypes(); !equalStrings(got, want) {
		t.Fatalf("unexpected command sequence %v", got)
	}
}

func TestCompensationRetriesThenFails(t *testing.T) {
	env := newTestEnv(t, WithMaxAttempts(2))
	ctx := context.Background()
	id := env.start(t, `{"order_id":12}`)
	env.reply(t, id, 0, Forward, OutcomeSuccess)
	env.reply(t, id, 1, Forward, OutcomeBusinessFailure)

	// First compensation attempt faults; a retry is scheduled.
	env.reply(t, id, 0, Compensate, OutcomeError)
	rec, err := env.store.StepRecord(ctx, id, 0, Compensate)
	if err != nil {
		t.Fatalf("step record: %v", err)
	}
	if rec.Status != StepAwaitingRetry {
		t.Fatalf("expected AWAITING_RETRY, got %s", rec.Status)
	}

	env.clock.Advance(time.Minute)
	if err := env.orc.scanDeadlines(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	rec, err = env.store.StepRecord(ctx, id, 0, Compensate)
	if err != nil {
		t.Fatalf("step record: %v", err)
	}
	if rec.Status != StepDispatched || rec.Attempts != 2 {
		t.Fatalf("expected second compensation dispatch, got %s attempts %d", rec.Status, rec.Attempts)
	}

	// The second attempt times out; the unwind cannot finish.
	env.clock.Advance(defaultStepTimeout + time.Second)
	if err := env.orc.scanDeadlines(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	in := env.instance(t, id)
	if in.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", in.Status)
	}
	if !strings.Contains(in.LastError, "retries exhausted") {
		t.Fatalf("unexpected failure detail %q", in.LastError)
	}
}

func TestCancelWhileAwaitingRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.start(t, `{"order_id":13}`)
	env.reply(t, id, 0, Forward, OutcomeSuccess)

	// Step 1 times out and waits for its retry.
	env.clock.Advance(defaultStepTimeout + time.Second)
	if err := env.orc.scanDeadlines(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := env.orc.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// The due retry routes into the unwind instead of redispatching.
	env.clock.Advance(time.Minute)
	if err := env.orc.scanDeadlines(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	rec, err := env.store.StepRecord(ctx, id, 1, Forward)
	if err != nil {
		t.Fatalf("step record: %v", err)
	}
	if rec.Status != StepFailed {
		t.Fatalf("expected FAILED forward record, got %s", rec.Status)
	}

	env.reply(t, id, 0, Compensate, OutcomeSuccess)
	in := env.instance(t, id)
	if in.Status != StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", in.Status)
	}
}

func TestBackoffFor(t *testing.T) {
	env := newTestEnv(t, WithBackoff(100*time.Millisecond, 2, time.Second))

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}
	for _, tc := range cases {
		if got := env.orc.backoffFor(tc.attempts); got != tc.want {
			t.Fatalf("backoffFor(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}
