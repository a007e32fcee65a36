package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Relay polls a RelayStore and publishes undispatched outbox messages to a
// Publisher. It is stateless and horizontally replicable: a time-bounded
// lease per partition keeps concurrent relay instances from dispatching the
// same partition at the same time. Delivery is at-least-once; a crash between
// publish and MarkDispatched republishes the message on the next poll, and a
// message is never dropped.
type Relay struct {
	store     RelayStore
	leaser    Leaser
	publisher Publisher
	cfg       RelayConfig

	pendingMu sync.Mutex
	pendingAt time.Time
}

// NewRelay constructs a Relay with defaults and optional settings.
func NewRelay(store RelayStore, leaser Leaser, publisher Publisher, opts ...RelayOption) *Relay {
	if store == nil {
		panic("saga: nil RelayStore")
	}
	if leaser == nil {
		panic("saga: nil Leaser")
	}
	if publisher == nil {
		panic("saga: nil Publisher")
	}

	var cfg RelayConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Relay{
		store:     store,
		leaser:    leaser,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Run starts the polling loop with the configured number of workers. Each
// worker claims partitions under its own lease owner id.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, r.cfg.Workers)
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		workerID := i
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					err := fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
					r.cfg.Logger.Error("relay worker panic", "worker", workerID, "panic", rec)
					errCh <- err
					cancel()
				}
			}()

			if err := r.runWorker(ctx, r.workerOwner(workerID)); err != nil && !errors.Is(err, context.Canceled) {
				r.cfg.Logger.Error("relay worker error", "worker", workerID, "err", err)
				errCh <- err
				cancel()
			}
		}()
	}

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

// ProcessOnce performs a single poll pass over all claimable partitions.
// It reports whether any message was published.
func (r *Relay) ProcessOnce(ctx context.Context) (bool, error) {
	return r.processPartitions(ctx, r.cfg.Owner)
}

func (r *Relay) workerOwner(workerID int) string {
	if r.cfg.Workers == 1 {
		return r.cfg.Owner
	}

	return fmt.Sprintf("%s/%d", r.cfg.Owner, workerID)
}

func (r *Relay) runWorker(ctx context.Context, owner string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		published, err := r.processPartitions(ctx, owner)
		if err != nil {
			return err
		}
		if !published {
			r.maybeRecordPending(ctx)
			if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
				return err
			}
		}
	}
}

func (r *Relay) processPartitions(ctx context.Context, owner string) (bool, error) {
	partitions, err := r.store.Partitions(ctx, r.cfg.PartitionScan)
	if err != nil {
		return false, fmt.Errorf("relay partition scan failed: %w", err)
	}

	published := false
	for _, partition := range partitions {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}

		err := r.leaser.Acquire(ctx, partition, owner, r.cfg.LeaseTTL)
		if errors.Is(err, ErrLeaseHeld) {
			continue
		}
		if err != nil {
			return published, fmt.Errorf("relay lease acquire failed: %w", err)
		}

		n, err := r.drainPartition(ctx, partition, owner)
		if releaseErr := r.leaser.Release(ctx, partition, owner); releaseErr != nil {
			r.cfg.Logger.Warn("relay lease release failed", "partition", partition, "err", releaseErr)
		}
		if err != nil {
			return published, err
		}
		if n > 0 {
			published = true
		}
	}

	return published, nil
}

// drainPartition publishes undispatched messages of one partition in id order
// until the partition is empty or a publish fails. A failed publish stops the
// partition pass so later messages never overtake an earlier one.
func (r *Relay) drainPartition(ctx context.Context, partition, owner string) (int, error) {
	total := 0
	lastRenew := r.cfg.Clock.Now()

	for {
		msgs, err := r.store.Undispatched(ctx, partition, r.cfg.BatchSize)
		if errors.Is(err, ErrNoMessages) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("relay fetch failed: %w", err)
		}

		start := time.Now()
		dispatched := make([]int64, 0, len(msgs))
		var publishErr error

		for _, msg := range msgs {
			if ctx.Err() != nil {
				publishErr = ctx.Err()

				break
			}

			now := r.cfg.Clock.Now()
			if now.Sub(lastRenew) > r.cfg.LeaseTTL/2 {
				if err := r.leaser.Renew(ctx, partition, owner, r.cfg.LeaseTTL); err != nil {
					r.cfg.Logger.Warn("relay lease renewal failed", "partition", partition, "err", err)
					publishErr = err

					break
				}
				lastRenew = now
			}

			if err := r.publisher.Publish(ctx, msg); err != nil {
				r.cfg.Metrics.AddPublishErrors(1)
				r.cfg.Logger.Warn("relay publish failed",
					"partition", partition, "message_id", msg.ID, "attempt", msg.Attempts+1, "err", err)
				if failErr := r.store.MarkFailed(ctx, msg.ID, err); failErr != nil {
					return total, fmt.Errorf("relay failure update failed: %w", failErr)
				}
				publishErr = err

				break
			}
			dispatched = append(dispatched, msg.ID)
		}

		if len(dispatched) > 0 {
			if err := r.store.MarkDispatched(ctx, dispatched); err != nil {
				return total, fmt.Errorf("relay dispatch update failed: %w", err)
			}
			total += len(dispatched)
			r.cfg.Metrics.AddPublished(len(dispatched))
		}
		r.cfg.Metrics.ObserveBatchDuration(time.Since(start))

		if publishErr != nil {
			// Publish errors are transient by contract; the message stays
			// undispatched and the next poll retries it.
			return total, nil
		}
		if len(msgs) < r.cfg.BatchSize {
			return total, nil
		}
	}
}

func (r *Relay) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Relay) maybeRecordPending(ctx context.Context) {
	if r.cfg.PendingInterval <= 0 {
		return
	}
	if ctx.Err() != nil {
		return
	}

	now := r.cfg.Clock.Now()
	r.pendingMu.Lock()
	nextAllowed := r.pendingAt.Add(r.cfg.PendingInterval)
	if !r.pendingAt.IsZero() && now.Before(nextAllowed) {
		r.pendingMu.Unlock()

		return
	}
	r.pendingAt = now
	r.pendingMu.Unlock()

	count, err := r.store.PendingCount(ctx)
	if err != nil {
		r.cfg.Logger.Warn("relay pending count failed", "err", err)

		return
	}

	r.cfg.Metrics.SetPending(count)
}
