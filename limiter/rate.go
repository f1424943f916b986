// Package limiter provides admission control for the job queue: a
// storage-backed sliding-window rate limiter, a process-local token-bucket
// variant, and a semaphore-based concurrency limiter.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/smallnest/workflowgo/store"
)

// Decision is the result of an admission check.
type Decision struct {
	// Allowed reports whether the caller may proceed.
	Allowed bool

	// RetryAfter is how long to wait before rechecking when denied.
	RetryAfter time.Duration
}

// AdmissionLimiter is the admission contract shared by the storage-backed
// and local rate limiters.
type AdmissionLimiter interface {
	// Check decides whether one more execution is admissible on the queue.
	Check(ctx context.Context, queue string) (Decision, error)

	// RecordExecution accounts one admitted execution.
	RecordExecution(ctx context.Context, queue string) error
}

// RateLimiter admits at most MaxExecutions per sliding Window per queue,
// counting execution records in the store. Under concurrent admissions the
// count may overshoot by up to workers-1; size MaxExecutions accordingly
// when a strict cap is required.
type RateLimiter struct {
	store         store.RateStore
	window        time.Duration
	maxExecutions int
	now           func() time.Time
}

var _ AdmissionLimiter = (*RateLimiter)(nil)

// RateOptions configures a RateLimiter.
type RateOptions struct {
	// Window is the sliding window length. Default 1 minute.
	Window time.Duration

	// MaxExecutions is the cap within the window. Default 60.
	MaxExecutions int
}

// NewRateLimiter creates a sliding-window limiter over the given store.
func NewRateLimiter(rs store.RateStore, opts RateOptions) *RateLimiter {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.MaxExecutions <= 0 {
		opts.MaxExecutions = 60
	}
	return &RateLimiter{
		store:         rs,
		window:        opts.Window,
		maxExecutions: opts.MaxExecutions,
		now:           time.Now,
	}
}

// Check counts executions in (now-window, now] and admits when under the
// cap. On denial it computes the retry delay from the oldest record in the
// window and caches it as the queue's next-available bound.
func (l *RateLimiter) Check(ctx context.Context, queue string) (Decision, error) {
	now := l.now()

	// Fast path: a cached next-available bound in the future short-circuits
	// the window count.
	if next, ok, err := l.store.NextAvailable(ctx, queue); err != nil {
		return Decision{}, fmt.Errorf("limiter: next available: %w", err)
	} else if ok && next.After(now) {
		return Decision{Allowed: false, RetryAfter: next.Sub(now)}, nil
	}

	since := now.Add(-l.window)
	count, err := l.store.CountExecutionsSince(ctx, queue, since)
	if err != nil {
		return Decision{}, fmt.Errorf("limiter: count: %w", err)
	}
	if count < l.maxExecutions {
		return Decision{Allowed: true}, nil
	}

	oldest, ok, err := l.store.OldestExecutionSince(ctx, queue, since)
	if err != nil {
		return Decision{}, fmt.Errorf("limiter: oldest: %w", err)
	}
	retryAfter := l.window
	if ok {
		retryAfter = oldest.Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}
	if err := l.store.SetNextAvailable(ctx, queue, now.Add(retryAfter)); err != nil {
		return Decision{}, fmt.Errorf("limiter: set next available: %w", err)
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}

// RecordExecution appends an execution record and prunes records older than
// two windows.
func (l *RateLimiter) RecordExecution(ctx context.Context, queue string) error {
	now := l.now()
	if err := l.store.RecordExecution(ctx, queue, now); err != nil {
		return fmt.Errorf("limiter: record: %w", err)
	}
	// Old records only inflate the table; drop anything two windows back.
	if err := l.store.PruneExecutionsBefore(ctx, queue, now.Add(-2*l.window)); err != nil {
		return fmt.Errorf("limiter: prune: %w", err)
	}
	return nil
}

// LocalRateLimiter is a non-durable per-queue token bucket built on
// x/time/rate. It shares the AdmissionLimiter contract with RateLimiter so
// single-process deployments can skip the storage round-trips.
type LocalRateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

var _ AdmissionLimiter = (*LocalRateLimiter)(nil)

// NewLocalRateLimiter admits maxExecutions per window per queue.
func NewLocalRateLimiter(window time.Duration, maxExecutions int) *LocalRateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if maxExecutions <= 0 {
		maxExecutions = 60
	}
	return &LocalRateLimiter{
		limit:   rate.Every(window / time.Duration(maxExecutions)),
		burst:   maxExecutions,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *LocalRateLimiter) bucket(queue string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[queue]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[queue] = b
	}
	return b
}

// Check reserves a token when one is available.
func (l *LocalRateLimiter) Check(_ context.Context, queue string) (Decision, error) {
	b := l.bucket(queue)
	res := b.ReserveN(time.Now(), 1)
	if !res.OK() {
		return Decision{Allowed: false, RetryAfter: time.Second}, nil
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}

// RecordExecution is a no-op: Check already consumed the token.
func (l *LocalRateLimiter) RecordExecution(context.Context, string) error {
	return nil
}
