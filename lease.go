package saga

import (
	"context"
	"time"
)

// Leaser grants time-bounded exclusive dispatch rights over an outbox
// partition. At most one owner holds a partition at a time; an expired lease
// is reclaimable by any owner, so a crashed relay cannot stall dispatch
// permanently. The lease bounds duplicate sends without distributed consensus:
// it does not make dispatch exactly-once, only non-concurrent.
type Leaser interface {
	// Acquire claims the partition for owner until now+ttl.
	// Returns ErrLeaseHeld when a live lease belongs to a different owner.
	Acquire(ctx context.Context, partition, owner string, ttl time.Duration) error
	// Renew extends the lease. Returns ErrLeaseLost when the lease is no
	// longer owned by owner.
	Renew(ctx context.Context, partition, owner string, ttl time.Duration) error
	// Release gives up the lease early. Releasing a lease owned elsewhere is a no-op.
	Release(ctx context.Context, partition, owner string) error
}
