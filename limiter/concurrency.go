package limiter

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyLimiter caps the number of in-flight executions. Acquire and
// Release must pair on every path, including failure and abort.
type ConcurrencyLimiter struct {
	sem      *semaphore.Weighted
	capacity int64
}

// NewConcurrencyLimiter creates a limiter with the given capacity. A
// capacity below one is treated as one.
func NewConcurrencyLimiter(capacity int) *ConcurrencyLimiter {
	if capacity < 1 {
		capacity = 1
	}
	return &ConcurrencyLimiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire blocks until a slot is free or the context is cancelled.
func (l *ConcurrencyLimiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("limiter: acquire: %w", err)
	}
	return nil
}

// TryAcquire grabs a slot without blocking.
func (l *ConcurrencyLimiter) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

// Release frees one slot.
func (l *ConcurrencyLimiter) Release() {
	l.sem.Release(1)
}

// Capacity returns the configured slot count.
func (l *ConcurrencyLimiter) Capacity() int {
	return int(l.capacity)
}
