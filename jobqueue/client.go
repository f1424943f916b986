package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/smallnest/workflowgo/ident"
	"github.com/smallnest/workflowgo/store"
)

// Client enqueues jobs and observes their outcome.
type Client struct {
	store        store.JobStore
	pollInterval time.Duration
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// Store is the durable job store shared with the server. Required.
	Store store.JobStore

	// PollInterval is the WaitFor polling cadence when the store cannot
	// push changes. Default 50ms.
	PollInterval time.Duration
}

// NewClient creates a client over the store.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Store == nil {
		return nil, errors.New("jobqueue: store is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	return &Client{store: opts.Store, pollInterval: opts.PollInterval}, nil
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	// JobID overrides the generated id.
	JobID string

	// MaxAttempts caps executions. Default 3.
	MaxAttempts int

	// ScheduledAt defers the first execution. Zero means now.
	ScheduledAt time.Time
}

// Enqueue serializes input and inserts a PENDING job, returning its id.
func (c *Client) Enqueue(ctx context.Context, queue string, input any, opts ...EnqueueOptions) (string, error) {
	var opt EnqueueOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	if opt.JobID == "" {
		opt.JobID = ident.NewJobID()
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 3
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("jobqueue: marshal input: %w", err)
	}

	rec := &store.JobRecord{
		ID:          opt.JobID,
		Queue:       queue,
		Input:       payload,
		MaxAttempts: opt.MaxAttempts,
		ScheduledAt: opt.ScheduledAt,
	}
	if err := c.store.Enqueue(ctx, rec); err != nil {
		return "", fmt.Errorf("jobqueue: enqueue: %w", err)
	}
	return opt.JobID, nil
}

// Get returns the job record.
func (c *Client) Get(ctx context.Context, jobID string) (*store.JobRecord, error) {
	return c.store.Get(ctx, jobID)
}

// WaitFor blocks until the job reaches a terminal state or ctx is done.
// It prefers store change subscriptions and falls back to polling.
func (c *Client) WaitFor(ctx context.Context, jobID string) (*store.JobRecord, error) {
	rec, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}

	done := make(chan struct{}, 1)
	notify := func(changed *store.JobRecord) {
		if changed.ID == jobID {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	}
	for _, event := range []store.JobEvent{store.JobEventCompleted, store.JobEventFailed} {
		if unsub := c.store.Subscribe(rec.Queue, event, notify); unsub != nil {
			defer unsub()
		}
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		rec, err := c.store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		select {
		case <-done:
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Abort requests the job to stop. A running job observes the request
// through its context; a job that was never claimed fails immediately
// without executing.
func (c *Client) Abort(ctx context.Context, jobID string) error {
	if err := c.store.Abort(ctx, jobID); err != nil {
		return err
	}
	rec, err := c.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	// StartedAt is only ever set by a claim, so a nil StartedAt on an
	// ABORTING record means no worker holds the job and nobody else will
	// finalize it.
	if rec.Status == store.JobAborting && rec.StartedAt == nil {
		return c.store.Fail(ctx, jobID, ErrAborted.Error(), nil)
	}
	return nil
}

// Size returns the number of non-terminal jobs on the queue.
func (c *Client) Size(ctx context.Context, queue string) (int, error) {
	return c.store.Size(ctx, queue)
}

// Delete removes a job record.
func (c *Client) Delete(ctx context.Context, jobID string) error {
	return c.store.Delete(ctx, jobID)
}
