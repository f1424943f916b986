package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/workflowgo/limiter"
	"github.com/smallnest/workflowgo/log"
	"github.com/smallnest/workflowgo/store"
	"github.com/smallnest/workflowgo/store/memory"
)

func newPair(t *testing.T, opts ServerOptions) (*Server, *Client) {
	t.Helper()
	if opts.Store == nil {
		opts.Store = memory.New()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = log.NopLogger{}
	}
	srv, err := NewServer(opts)
	require.NoError(t, err)
	cli, err := NewClient(ClientOptions{Store: opts.Store, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(srv.Stop)
	return srv, cli
}

func TestServer_CompletesJob(t *testing.T) {
	t.Parallel()

	srv, cli := newPair(t, ServerOptions{})
	srv.Register("echo", HandlerFunc(func(_ context.Context, exec *Execution) (json.RawMessage, error) {
		var in map[string]any
		require.NoError(t, exec.Bind(&in))
		exec.UpdateProgress(50, "working")
		out, _ := json.Marshal(in)
		return out, nil
	}))
	require.NoError(t, srv.Start(context.Background()))

	id, err := cli.Enqueue(context.Background(), "echo", map[string]any{"x": 1.0})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := cli.WaitFor(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, store.JobCompleted, rec.Status)
	assert.JSONEq(t, `{"x":1}`, string(rec.Output))
	assert.Equal(t, 100, rec.Progress)
}

func TestServer_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	srv, cli := newPair(t, ServerOptions{
		Retry: RetryPolicy{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	})

	var attempts atomic.Int32
	srv.Register("flaky", HandlerFunc(func(context.Context, *Execution) (json.RawMessage, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`"ok"`), nil
	}))
	require.NoError(t, srv.Start(context.Background()))

	id, err := cli.Enqueue(context.Background(), "flaky", nil, EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := cli.WaitFor(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, store.JobCompleted, rec.Status)
	assert.GreaterOrEqual(t, rec.Attempts, 1)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestServer_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	srv, cli := newPair(t, ServerOptions{
		Retry: RetryPolicy{MaxAttempts: 2, InitialDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})

	var attempts atomic.Int32
	srv.Register("broken", HandlerFunc(func(context.Context, *Execution) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, errors.New("always fails")
	}))
	require.NoError(t, srv.Start(context.Background()))

	id, err := cli.Enqueue(context.Background(), "broken", nil, EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := cli.WaitFor(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, store.JobFailed, rec.Status)
	assert.Equal(t, "always fails", rec.LastError)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestServer_PanicBecomesFailure(t *testing.T) {
	t.Parallel()

	srv, cli := newPair(t, ServerOptions{Retry: RetryPolicy{MaxAttempts: 1}})
	srv.Register("panicky", HandlerFunc(func(context.Context, *Execution) (json.RawMessage, error) {
		panic("kaboom")
	}))
	require.NoError(t, srv.Start(context.Background()))

	id, err := cli.Enqueue(context.Background(), "panicky", nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := cli.WaitFor(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, store.JobFailed, rec.Status)
	assert.Contains(t, rec.LastError, "kaboom")
}

func TestServer_RateLimitedBatch(t *testing.T) {
	t.Parallel()

	st := memory.New()
	rate := limiter.NewRateLimiter(st, limiter.RateOptions{Window: time.Second, MaxExecutions: 2})
	srv, cli := newPair(t, ServerOptions{Store: st, Rate: rate, Concurrency: 4})

	var flakyOnce atomic.Bool
	srv.Register("batch", HandlerFunc(func(_ context.Context, exec *Execution) (json.RawMessage, error) {
		if exec.ID == "job_fail_once" && flakyOnce.CompareAndSwap(false, true) {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`"done"`), nil
	}))
	require.NoError(t, srv.Start(context.Background()))

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := cli.Enqueue(context.Background(), "batch", i, EnqueueOptions{MaxAttempts: 3})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	id, err := cli.Enqueue(context.Background(), "batch", 99, EnqueueOptions{JobID: "job_fail_once", MaxAttempts: 3})
	require.NoError(t, err)
	ids = append(ids, id)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, id := range ids {
		rec, err := cli.WaitFor(ctx, id)
		require.NoError(t, err, "job %s", id)
		assert.Equal(t, store.JobCompleted, rec.Status, "job %s", id)
	}

	rec, err := cli.Get(context.Background(), "job_fail_once")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.Attempts, 1)

	// The sliding window bounds admissions: 5 successes + 1 retry in >= ~2s
	// with 2 per second. We can't assert wall time tightly here, only that
	// every job finished and the limiter recorded the executions.
	n, err := st.CountExecutionsSince(context.Background(), "batch", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 6)
}

func TestServer_AbortRunningJob(t *testing.T) {
	t.Parallel()

	srv, cli := newPair(t, ServerOptions{Retry: RetryPolicy{MaxAttempts: 1}})

	started := make(chan struct{})
	srv.Register("slow", HandlerFunc(func(ctx context.Context, _ *Execution) (json.RawMessage, error) {
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return json.RawMessage(`"too late"`), nil
		}
	}))
	require.NoError(t, srv.Start(context.Background()))

	id, err := cli.Enqueue(context.Background(), "slow", nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	require.NoError(t, cli.Abort(context.Background(), id))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := cli.WaitFor(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, store.JobFailed, rec.Status)
	assert.Contains(t, rec.LastError, "aborted")
}

func TestClient_AbortPendingJob(t *testing.T) {
	t.Parallel()

	st := memory.New()
	cli, err := NewClient(ClientOptions{Store: st})
	require.NoError(t, err)

	id, err := cli.Enqueue(context.Background(), "idle", nil)
	require.NoError(t, err)

	require.NoError(t, cli.Abort(context.Background(), id))

	rec, err := cli.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, rec.Status)
	assert.Contains(t, rec.LastError, "aborted")
}

func TestServer_ConcurrencyCap(t *testing.T) {
	t.Parallel()

	srv, cli := newPair(t, ServerOptions{Concurrency: 2})

	var inFlight, peak atomic.Int32
	var mu sync.Mutex
	srv.Register("work", HandlerFunc(func(context.Context, *Execution) (json.RawMessage, error) {
		n := inFlight.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return json.RawMessage(`"ok"`), nil
	}))
	require.NoError(t, srv.Start(context.Background()))

	var ids []string
	for i := 0; i < 6; i++ {
		id, err := cli.Enqueue(context.Background(), "work", i)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range ids {
		_, err := cli.WaitFor(ctx, id)
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestServer_MetricsCount(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	srv, cli := newPair(t, ServerOptions{Metrics: NewMetrics(reg), Retry: RetryPolicy{MaxAttempts: 1}})
	srv.Register("m", HandlerFunc(func(context.Context, *Execution) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	}))
	require.NoError(t, srv.Start(context.Background()))

	id, err := cli.Enqueue(context.Background(), "m", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = cli.WaitFor(ctx, id)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["workflow_jobqueue_jobs_started_total"])
	assert.True(t, names["workflow_jobqueue_jobs_finished_total"])
}

func TestRetryPolicy_NextDelay(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
		Jitter:        0, // deterministic for the test
	}

	assert.Equal(t, 100*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 200*time.Millisecond, p.NextDelay(2))
	assert.Equal(t, 400*time.Millisecond, p.NextDelay(3))
	assert.Equal(t, time.Second, p.NextDelay(5), "delay must cap at MaxDelay")
}

func TestRetryPolicy_JitterBounds(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	for i := 0; i < 100; i++ {
		d := p.NextDelay(2)
		assert.GreaterOrEqual(t, d, time.Duration(float64(time.Second)*0.75))
		assert.LessOrEqual(t, d, time.Duration(float64(time.Second)*1.25))
	}
}
