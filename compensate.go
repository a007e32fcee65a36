package saga

import "context"

// Compensation unwinds completed steps strictly in reverse completion order,
// one at a time: the next undo command is dispatched only after the previous
// compensation reply is durably recorded, because downstream compensations may
// depend on upstream resources still being reserved. The order comes from the
// instance's CompletedSteps stack, not from CurrentStep.

// beginUnwind transitions the saga into compensation and dispatches the undo
// of the most recently completed step. recs are step record updates that must
// commit together with the transition.
func (o *Orchestrator) beginUnwind(ctx context.Context, in *Instance, def Definition, recs []StepRecord) error {
	in.Status = StatusCompensating

	return o.continueUnwind(ctx, in, def, recs)
}

// continueUnwind dispatches the compensation of the current stack top, or
// finishes the saga as COMPENSATED when the stack is drained.
func (o *Orchestrator) continueUnwind(ctx context.Context, in *Instance, def Definition, recs []StepRecord) error {
	top, ok := in.TopCompleted()
	if !ok {
		in.Status = StatusCompensated
		if err := o.store.UpdateInstance(ctx, in, recs, nil); err != nil {
			return err
		}
		o.cfg.Metrics.AddCompensated(1)
		o.cfg.Logger.Info("saga compensated", "saga_id", in.ID)

		return nil
	}

	if err := o.store.UpdateInstance(ctx, in, recs, nil); err != nil {
		return err
	}

	return o.dispatchStep(ctx, in, def, top, Compensate)
}

func (o *Orchestrator) applyCompensation(ctx context.Context, in *Instance, def Definition, rec *StepRecord, reply Reply) error {
	if in.Status != StatusCompensating {
		o.cfg.Logger.Warn("compensation reply outside COMPENSATING dropped",
			"saga_id", in.ID, "step", rec.StepIndex, "status", in.Status)

		return nil
	}

	now := o.cfg.Clock.Now()
	switch reply.Outcome {
	case OutcomeSuccess:
		rec.Status = StepSucceeded
		rec.LastError = ""
		rec.UpdatedAt = now
		in.PopCompleted()

		return o.continueUnwind(ctx, in, def, []StepRecord{*rec})
	case OutcomeBusinessFailure:
		// Compensations are expected to always eventually succeed; an explicit
		// decline halts the unwind for manual remediation.
		rec.Status = StepFailed
		rec.LastError = failureDetail(reply)
		rec.UpdatedAt = now

		return o.failSaga(ctx, in, []StepRecord{*rec}, rec.LastError)
	case OutcomeTimeout, OutcomeError:
		return o.retryOrEscalate(ctx, in, def, rec, reply)
	default:
		o.cfg.Logger.Warn("compensation reply with unknown outcome dropped",
			"saga_id", in.ID, "outcome", reply.Outcome)

		return nil
	}
}

// failSaga marks the saga FAILED and surfaces it for operator intervention.
func (o *Orchestrator) failSaga(ctx context.Context, in *Instance, recs []StepRecord, detail string) error {
	in.Status = StatusFailed
	in.LastError = detail
	if err := o.store.UpdateInstance(ctx, in, recs, nil); err != nil {
		return err
	}
	o.cfg.Metrics.AddFailed(1)
	o.cfg.Logger.Error("saga failed, manual remediation required", "saga_id", in.ID, "err", detail)

	return nil
}
