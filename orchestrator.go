package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Orchestrator drives saga instances through their state machine. Multiple
// orchestrator processes may run against the same store; optimistic version
// checks on instance updates keep each saga under a single logical owner per
// transition.
type Orchestrator struct {
	registry *Registry
	store    InstanceStore
	cfg      OrchestratorConfig
	replies  chan Reply
}

// NewOrchestrator constructs an orchestrator with defaults and optional settings.
func NewOrchestrator(registry *Registry, store InstanceStore, opts ...OrchestratorOption) *Orchestrator {
	if registry == nil {
		panic("saga: nil Registry")
	}
	if store == nil {
		panic("saga: nil InstanceStore")
	}

	var cfg OrchestratorConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Orchestrator{
		registry: registry,
		store:    store,
		cfg:      cfg,
		replies:  make(chan Reply, cfg.QueueSize),
	}
}

// StartSaga validates the definition, persists a new PENDING instance, and
// dispatches step 0. The saga id is returned immediately; execution is
// asynchronous and failure modes surface only through Status.
func (o *Orchestrator) StartSaga(ctx context.Context, ref DefinitionRef, payload json.RawMessage) (string, error) {
	def, err := o.registry.Lookup(ref)
	if err != nil {
		return "", err
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", ErrInvalidPayload
	}

	in := &Instance{
		ID:         uuid.NewString(),
		Definition: ref,
		Status:     StatusPending,
		Payload:    payload,
	}
	if err := o.store.CreateInstance(ctx, in); err != nil {
		return "", err
	}
	o.cfg.Metrics.AddStarted(1)
	o.cfg.Logger.Info("saga started", "saga_id", in.ID, "definition", ref.String())

	// A dispatch failure leaves the instance PENDING; the next recovery
	// pass retries it.
	if err := o.dispatchStep(ctx, in, def, 0, Forward); err != nil {
		o.cfg.Logger.Warn("saga initial dispatch deferred", "saga_id", in.ID, "err", err)
	}

	return in.ID, nil
}

// HandleReply processes a participant reply (or a synthesized timeout).
// It is idempotent: a reply for a step whose record is already terminal is a
// no-op, so duplicate deliveries cause one state transition, not two.
func (o *Orchestrator) HandleReply(ctx context.Context, reply Reply) error {
	return o.retryConflict(func() error {
		return o.applyReply(ctx, reply)
	})
}

// Submit queues a reply for asynchronous processing by the Run worker pool.
func (o *Orchestrator) Submit(ctx context.Context, reply Reply) error {
	select {
	case o.replies <- reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel routes a RUNNING saga into compensation. It is not immediate: an
// in-flight step command is not revoked, but its reply (or timeout) is
// processed as part of the unwind rather than forward progress.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID string) error {
	return o.retryConflict(func() error {
		return o.cancel(ctx, sagaID)
	})
}

func (o *Orchestrator) cancel(ctx context.Context, sagaID string) error {
	in, err := o.store.Instance(ctx, sagaID)
	if err != nil {
		return err
	}

	switch in.Status {
	case StatusCompensating:
		return nil
	case StatusPending:
		// Nothing was dispatched yet.
		in.Status = StatusCompensated
		if err := o.store.UpdateInstance(ctx, in, nil, nil); err != nil {
			return err
		}
		o.cfg.Metrics.AddCompensated(1)

		return nil
	case StatusRunning:
	default:
		return fmt.Errorf("%w: %s is %s", ErrSagaTerminal, sagaID, in.Status)
	}

	def, err := o.registry.Lookup(in.Definition)
	if err != nil {
		return err
	}
	in.LastError = "canceled"

	rec, err := o.store.StepRecord(ctx, sagaID, in.CurrentStep, Forward)
	switch {
	case errors.Is(err, ErrStepRecordNotFound):
		return o.beginUnwind(ctx, in, def, nil)
	case err != nil:
		return err
	}
	if rec.Status.Terminal() {
		return o.beginUnwind(ctx, in, def, nil)
	}

	// A command is in flight. Persist the transition; the step's reply or
	// timeout routes into compensation.
	in.Status = StatusCompensating

	return o.store.UpdateInstance(ctx, in, nil, nil)
}

// SagaStatus is the observable state of a saga.
type SagaStatus struct {
	SagaID      string        `json:"saga_id"`
	Definition  DefinitionRef `json:"definition"`
	Status      Status        `json:"status"`
	CurrentStep int           `json:"current_step"`
	LastError   string        `json:"last_error,omitempty"`
	History     []StepRecord  `json:"history"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Status returns the current state and step history of a saga.
func (o *Orchestrator) Status(ctx context.Context, sagaID string) (*SagaStatus, error) {
	in, err := o.store.Instance(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	history, err := o.store.StepHistory(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	return &SagaStatus{
		SagaID:      in.ID,
		Definition:  in.Definition,
		Status:      in.Status,
		CurrentStep: in.CurrentStep,
		LastError:   in.LastError,
		History:     history,
		CreatedAt:   in.CreatedAt,
		UpdatedAt:   in.UpdatedAt,
	}, nil
}

// Run starts the reply worker pool and the deadline watchdog, after a recovery
// scan for sagas left in flight by a previous process.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := o.Recover(ctx); err != nil {
		o.cfg.Logger.Warn("saga recovery scan failed", "err", err)
	}

	errCh := make(chan error, o.cfg.Workers+1)
	var wg sync.WaitGroup

	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		workerID := i
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					err := fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
					o.cfg.Logger.Error("saga worker panic", "worker", workerID, "panic", rec)
					errCh <- err
					cancel()
				}
			}()

			if err := o.runWorker(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.cfg.Logger.Error("saga worker error", "worker", workerID, "err", err)
				errCh <- err
				cancel()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := o.runWatchdog(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
			cancel()
		}
	}()

	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return err
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (o *Orchestrator) runWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reply := <-o.replies:
			if err := o.HandleReply(ctx, reply); err != nil {
				o.cfg.Logger.Warn("saga reply handling failed",
					"saga_id", reply.SagaID, "step", reply.StepIndex, "err", err)
			}
		}
	}
}

// Recover resumes sagas whose last committed transition expects a dispatch
// that is not on record: PENDING instances, and RUNNING or COMPENSATING
// instances whose dispatch transaction never committed, whether lost to a
// crash or to a transient store error. It runs at startup and on every
// watchdog pass. The step record written atomically with the outbox entry
// makes the resume dispatch happen at most once.
func (o *Orchestrator) Recover(ctx context.Context) error {
	statuses := []Status{StatusPending, StatusRunning, StatusCompensating}
	open, err := o.store.OpenInstances(ctx, statuses, o.cfg.ScanBatch)
	if err != nil {
		return err
	}

	for _, in := range open {
		if err := o.resume(ctx, in); err != nil {
			// A version conflict means another orchestrator took the saga.
			if !errors.Is(err, ErrVersionConflict) {
				o.cfg.Logger.Warn("saga resume failed", "saga_id", in.ID, "err", err)
			}
		}
	}

	return nil
}

func (o *Orchestrator) resume(ctx context.Context, in *Instance) error {
	def, err := o.registry.Lookup(in.Definition)
	if err != nil {
		return err
	}

	switch in.Status {
	case StatusPending:
		return o.dispatchStep(ctx, in, def, 0, Forward)
	case StatusRunning:
		_, err := o.store.StepRecord(ctx, in.ID, in.CurrentStep, Forward)
		if errors.Is(err, ErrStepRecordNotFound) {
			return o.dispatchStep(ctx, in, def, in.CurrentStep, Forward)
		}

		return err
	case StatusCompensating:
		top, ok := in.TopCompleted()
		if !ok {
			return o.continueUnwind(ctx, in, def, nil)
		}
		_, err := o.store.StepRecord(ctx, in.ID, top, Compensate)
		if errors.Is(err, ErrStepRecordNotFound) {
			return o.dispatchStep(ctx, in, def, top, Compensate)
		}

		return err
	default:
		return nil
	}
}

func (o *Orchestrator) applyReply(ctx context.Context, reply Reply) error {
	in, err := o.store.Instance(ctx, reply.SagaID)
	if err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			o.cfg.Logger.Warn("reply for unknown saga dropped", "saga_id", reply.SagaID)

			return nil
		}

		return err
	}
	if in.Status.Terminal() {
		return nil
	}

	rec, err := o.store.StepRecord(ctx, reply.SagaID, reply.StepIndex, reply.Direction)
	if err != nil {
		if errors.Is(err, ErrStepRecordNotFound) {
			o.cfg.Logger.Warn("reply for undispatched step dropped",
				"saga_id", reply.SagaID, "step", reply.StepIndex, "direction", reply.Direction)

			return nil
		}

		return err
	}
	if rec.Status.Terminal() {
		// Duplicate delivery; the transition already happened.
		return nil
	}

	def, err := o.registry.Lookup(in.Definition)
	if err != nil {
		return err
	}

	switch reply.Direction {
	case Forward:
		return o.applyForward(ctx, in, def, rec, reply)
	case Compensate:
		return o.applyCompensation(ctx, in, def, rec, reply)
	default:
		o.cfg.Logger.Warn("reply with unknown direction dropped",
			"saga_id", reply.SagaID, "direction", reply.Direction)

		return nil
	}
}

func (o *Orchestrator) applyForward(ctx context.Context, in *Instance, def Definition, rec *StepRecord, reply Reply) error {
	now := o.cfg.Clock.Now()

	switch reply.Outcome {
	case OutcomeSuccess:
		rec.Status = StepSucceeded
		rec.LastError = ""
		rec.UpdatedAt = now
		in.PushCompleted(rec.StepIndex)

		if in.Status == StatusCompensating {
			// Cancellation raced the reply. The step committed on the
			// participant side, so it joins the unwind.
			return o.continueUnwind(ctx, in, def, []StepRecord{*rec})
		}

		if rec.StepIndex >= len(def.Steps)-1 {
			in.Status = StatusCompleted
			if err := o.store.UpdateInstance(ctx, in, []StepRecord{*rec}, nil); err != nil {
				return err
			}
			o.cfg.Metrics.AddCompleted(1)
			o.cfg.Logger.Info("saga completed", "saga_id", in.ID)

			return nil
		}

		in.CurrentStep = rec.StepIndex + 1
		if err := o.store.UpdateInstance(ctx, in, []StepRecord{*rec}, nil); err != nil {
			return err
		}

		return o.dispatchStep(ctx, in, def, in.CurrentStep, Forward)
	case OutcomeBusinessFailure:
		rec.Status = StepFailed
		rec.LastError = failureDetail(reply)
		rec.UpdatedAt = now
		in.LastError = rec.LastError
		o.cfg.Logger.Info("saga step declined, compensating",
			"saga_id", in.ID, "step", rec.StepIndex, "err", rec.LastError)

		return o.beginUnwind(ctx, in, def, []StepRecord{*rec})
	case OutcomeTimeout, OutcomeError:
		return o.retryOrEscalate(ctx, in, def, rec, reply)
	default:
		o.cfg.Logger.Warn("reply with unknown outcome dropped",
			"saga_id", in.ID, "outcome", reply.Outcome)

		return nil
	}
}

// dispatchStep stages the command for one step attempt. The step record and
// the outbox entry commit in the same transaction as the instance update, so
// the decision to dispatch and the staged message are inseparable.
func (o *Orchestrator) dispatchStep(ctx context.Context, in *Instance, def Definition, stepIndex int, direction Direction) error {
	if stepIndex < 0 || stepIndex >= len(def.Steps) {
		return fmt.Errorf("%w: step %d out of range for %s", ErrDefinitionInvalid, stepIndex, def.Ref())
	}
	spec := def.Steps[stepIndex]

	attempts := 1
	prev, err := o.store.StepRecord(ctx, in.ID, stepIndex, direction)
	switch {
	case err == nil:
		attempts = prev.Attempts + 1
	case !errors.Is(err, ErrStepRecordNotFound):
		return err
	}

	cmdType := spec.CommandType
	if direction == Compensate {
		cmdType = spec.CompensationType
	}

	cmd := Command{
		CommandID:      uuid.NewString(),
		SagaID:         in.ID,
		StepIndex:      stepIndex,
		Direction:      direction,
		Type:           cmdType,
		IdempotencyKey: CommandKey(in.ID, stepIndex, direction, in.Payload),
		Payload:        in.Payload,
	}
	entry, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = o.cfg.StepTimeout
	}
	now := o.cfg.Clock.Now()
	rec := StepRecord{
		SagaID:    in.ID,
		StepIndex: stepIndex,
		Direction: direction,
		CommandID: cmd.CommandID,
		Status:    StepDispatched,
		Attempts:  attempts,
		Deadline:  now.Add(timeout),
		UpdatedAt: now,
	}

	if in.Status == StatusPending {
		in.Status = StatusRunning
	}
	if err := o.store.UpdateInstance(ctx, in, []StepRecord{rec}, []OutboxEntry{entry}); err != nil {
		return err
	}

	o.cfg.Metrics.AddDispatched(1)
	if attempts > 1 {
		o.cfg.Metrics.AddRetries(1)
	}
	o.cfg.Logger.Debug("saga command dispatched",
		"saga_id", in.ID, "step", stepIndex, "direction", direction, "attempt", attempts)

	return nil
}

// retryConflict re-applies fn after optimistic version conflicts, up to the
// configured bound. fn must re-read the instance on every call.
func (o *Orchestrator) retryConflict(fn func() error) error {
	var err error
	for attempt := 0; attempt < o.cfg.ConflictRetries; attempt++ {
		err = fn()
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}

	return err
}

func failureDetail(reply Reply) string {
	if reply.Error != "" {
		return reply.Error
	}

	return fmt.Sprintf("step %d replied %s", reply.StepIndex, reply.Outcome)
}
