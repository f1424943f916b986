package store

import (
	"context"
	"time"
)

// ExecutionRecord marks one admitted execution for rate accounting.
type ExecutionRecord struct {
	Queue      string    `json:"queue_name"`
	ExecutedAt time.Time `json:"executed_at"`
}

// RateStore persists the sliding-window execution log and the per-queue
// next-available cache used by the rate limiter. Prefix columns, when a
// backend is configured with them, scope every operation to the configured
// partition.
type RateStore interface {
	// RecordExecution appends an execution record.
	RecordExecution(ctx context.Context, queue string, at time.Time) error

	// CountExecutionsSince counts executions in (since, now].
	CountExecutionsSince(ctx context.Context, queue string, since time.Time) (int, error)

	// OldestExecutionSince returns the oldest execution newer than since;
	// ok is false when the window is empty.
	OldestExecutionSince(ctx context.Context, queue string, since time.Time) (at time.Time, ok bool, err error)

	// SetNextAvailable stores the queue's earliest next admission time.
	SetNextAvailable(ctx context.Context, queue string, at time.Time) error

	// NextAvailable reads the cached next admission time; ok is false
	// when no bound is recorded.
	NextAvailable(ctx context.Context, queue string) (at time.Time, ok bool, err error)

	// PruneExecutionsBefore drops records older than cutoff.
	PruneExecutionsBefore(ctx context.Context, queue string, cutoff time.Time) error
}
