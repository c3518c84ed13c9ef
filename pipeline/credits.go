package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/Sanzentyo/video-hw/media"
)

// Credits bounds concurrent outstanding work per session. A permit is
// acquired before submit and released on reap; a submit blocked on credit
// either waits or fails with ErrTemporaryBackpressure, at the caller's
// choice.
type Credits struct {
	sem      *semaphore.Weighted
	capacity int64
	used     atomic.Int64
}

// NewCredits creates a pool with the given number of permits (minimum 1).
func NewCredits(maxInFlight int) *Credits {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Credits{
		sem:      semaphore.NewWeighted(int64(maxInFlight)),
		capacity: int64(maxInFlight),
	}
}

// Acquire blocks until a permit is available or ctx ends.
func (c *Credits) Acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: credit wait interrupted", media.ErrTemporaryBackpressure)
	}
	c.used.Add(1)
	return nil
}

// TryAcquire takes a permit without blocking. Exhaustion fails with
// ErrTemporaryBackpressure.
func (c *Credits) TryAcquire() error {
	if !c.sem.TryAcquire(1) {
		return fmt.Errorf("%w: %d of %d in-flight credits in use", media.ErrTemporaryBackpressure, c.used.Load(), c.capacity)
	}
	c.used.Add(1)
	return nil
}

// Release returns a permit. Releasing more than was acquired is a
// programming error and panics, matching semaphore semantics.
func (c *Credits) Release() {
	c.used.Add(-1)
	c.sem.Release(1)
}

// Snapshot returns permits in use and total capacity.
func (c *Credits) Snapshot() (used, capacity int) {
	return int(c.used.Load()), int(c.capacity)
}

// Idle reports whether no permits are held.
func (c *Credits) Idle() bool {
	return c.used.Load() == 0
}
