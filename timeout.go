package saga

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// The deadline watchdog tracks step deadlines as wall-clock times persisted on
// the step record. On expiry the orchestrator synthesizes a TIMEOUT outcome
// without waiting further for the participant.

func (o *Orchestrator) runWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.scanDeadlines(ctx); err != nil {
				o.cfg.Logger.Warn("saga deadline scan failed", "err", err)
			}
		}
	}
}

// scanDeadlines synthesizes TIMEOUT outcomes for overdue dispatches,
// redispatches retries whose backoff elapsed, and resumes open sagas whose
// expected dispatch never committed, so a dispatch transaction lost to a
// transient store error heals on the next pass instead of waiting for a
// process restart.
func (o *Orchestrator) scanDeadlines(ctx context.Context) error {
	now := o.cfg.Clock.Now()
	due, err := o.store.DueStepRecords(ctx, now, o.cfg.ScanBatch)
	if err != nil {
		return err
	}

	for i := range due {
		rec := due[i]
		var err error
		switch rec.Status {
		case StepDispatched:
			err = o.HandleReply(ctx, Reply{
				CommandID: rec.CommandID,
				SagaID:    rec.SagaID,
				StepIndex: rec.StepIndex,
				Direction: rec.Direction,
				Outcome:   OutcomeTimeout,
				Error:     fmt.Sprintf("no reply within deadline (attempt %d)", rec.Attempts),
			})
		case StepAwaitingRetry:
			err = o.retryConflict(func() error {
				return o.redispatch(ctx, rec)
			})
		default:
		}
		if err != nil {
			o.cfg.Logger.Warn("saga deadline handling failed",
				"saga_id", rec.SagaID, "step", rec.StepIndex, "err", err)
		}
	}

	return o.Recover(ctx)
}

// redispatch re-reads the saga and re-sends a step whose retry delay elapsed.
func (o *Orchestrator) redispatch(ctx context.Context, due StepRecord) error {
	in, err := o.store.Instance(ctx, due.SagaID)
	if err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			return nil
		}

		return err
	}
	if in.Status.Terminal() {
		return nil
	}

	def, err := o.registry.Lookup(in.Definition)
	if err != nil {
		return err
	}

	rec, err := o.store.StepRecord(ctx, due.SagaID, due.StepIndex, due.Direction)
	if err != nil {
		if errors.Is(err, ErrStepRecordNotFound) {
			return nil
		}

		return err
	}
	if rec.Status != StepAwaitingRetry || rec.Deadline.After(o.cfg.Clock.Now()) {
		return nil
	}

	if due.Direction == Forward && in.Status == StatusCompensating {
		// Canceled while waiting to retry. The step never completed, so the
		// unwind proceeds without it.
		rec.Status = StepFailed
		rec.LastError = "canceled before retry"
		rec.UpdatedAt = o.cfg.Clock.Now()

		return o.continueUnwind(ctx, in, def, []StepRecord{*rec})
	}

	return o.dispatchStep(ctx, in, def, due.StepIndex, due.Direction)
}

// retryOrEscalate handles TIMEOUT and ERROR outcomes: schedule a backed-off
// retry while attempts remain, otherwise escalate. Exhausted forward steps are
// treated as a business failure and trigger compensation; an exhausted
// compensation means the unwind could not finish and the saga is FAILED.
func (o *Orchestrator) retryOrEscalate(ctx context.Context, in *Instance, def Definition, rec *StepRecord, reply Reply) error {
	now := o.cfg.Clock.Now()

	if rec.Attempts >= o.cfg.MaxAttempts {
		rec.Status = StepFailed
		rec.LastError = fmt.Sprintf("retries exhausted after %d attempts: %s", rec.Attempts, failureDetail(reply))
		rec.UpdatedAt = now
		in.LastError = rec.LastError

		if rec.Direction == Compensate {
			return o.failSaga(ctx, in, []StepRecord{*rec}, rec.LastError)
		}
		o.cfg.Logger.Info("saga step retries exhausted, compensating",
			"saga_id", in.ID, "step", rec.StepIndex)

		return o.beginUnwind(ctx, in, def, []StepRecord{*rec})
	}

	rec.Status = StepAwaitingRetry
	rec.LastError = failureDetail(reply)
	rec.Deadline = now.Add(o.backoffFor(rec.Attempts))
	rec.UpdatedAt = now
	o.cfg.Logger.Debug("saga step retry scheduled",
		"saga_id", in.ID, "step", rec.StepIndex, "direction", rec.Direction,
		"attempt", rec.Attempts, "retry_at", rec.Deadline)

	return o.store.UpdateInstance(ctx, in, []StepRecord{*rec}, nil)
}

// backoffFor returns the delay before attempt attempts+1:
// base * multiplier^(attempts-1), capped at the configured maximum.
func (o *Orchestrator) backoffFor(attempts int) time.Duration {
	delay := float64(o.cfg.BackoffBase)
	for i := 1; i < attempts; i++ {
		delay *= o.cfg.BackoffMultiplier
		if delay >= float64(o.cfg.BackoffMax) {
			return o.cfg.BackoffMax
		}
	}
	if delay > float64(o.cfg.BackoffMax) {
		return o.cfg.BackoffMax
	}

	return time.Duration(delay)
}
