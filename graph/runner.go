package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smallnest/workflowgo/cache"
	"github.com/smallnest/workflowgo/log"
	"github.com/smallnest/workflowgo/schema"
)

// DispatchFunc routes a task execution through an external executor, such
// as the durable job queue. The runner uses it for tasks configured with a
// queue name.
type DispatchFunc func(ctx context.Context, t *Task, input Values) (Values, error)

// RunnerOptions configures a graph run.
type RunnerOptions struct {
	// Concurrency caps parallel task execution. Zero means unlimited.
	Concurrency int

	// ContinueOnError keeps independent peers running after a failure;
	// the first error is still returned.
	ContinueOnError bool

	// Cache short-circuits cacheable tasks by input fingerprint.
	Cache *cache.OutputCache

	// Dispatch executes queue-routed tasks. Optional.
	Dispatch DispatchFunc

	// Timeout bounds the whole run. Zero means no bound.
	Timeout time.Duration

	// GracePeriod bounds how long cancelled tasks may take to stop
	// before they are forcibly failed. Default 30s.
	GracePeriod time.Duration

	// StreamBuffer is the capacity of pass-through stream channels.
	// Default 64.
	StreamBuffer int

	// Logger defaults to the package-level logger.
	Logger log.Logger
}

// Runner executes a TaskGraph: dependency-gated scheduling, bounded
// parallelism, stream propagation, cancellation and cleanup.
type Runner struct {
	opts RunnerOptions
}

// NewRunner creates a runner.
func NewRunner(opts RunnerOptions) *Runner {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Second
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Runner{opts: opts}
}

// IsRetryable reports whether an error may be retried: configuration,
// validation and cancellation errors are not.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrConfig),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrAborted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// cleanupRegistry is the run-scoped cleanup set: callbacks deduplicated by
// key, each invoked exactly once when the run ends.
type cleanupRegistry struct {
	mu    sync.Mutex
	fns   map[string]func()
	order []string
	done  bool
}

func newCleanupRegistry() *cleanupRegistry {
	return &cleanupRegistry{fns: make(map[string]func())}
}

func (c *cleanupRegistry) register(key string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	if _, exists := c.fns[key]; exists {
		return
	}
	c.fns[key] = fn
	c.order = append(c.order, key)
}

func (c *cleanupRegistry) run() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	order := c.order
	fns := c.fns
	c.mu.Unlock()

	for _, key := range order {
		fns[key]()
	}
}

// Run executes the graph to completion and returns the first task error,
// or nil when every runnable task completed.
func (r *Runner) Run(ctx context.Context, g *TaskGraph) error {
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	g.ResetRun()
	cleanup := newCleanupRegistry()
	defer cleanup.run()

	return r.runGraph(ctx, g, cleanup)
}

type taskResult struct {
	task *Task
	err  error
}

func (r *Runner) runGraph(ctx context.Context, g *TaskGraph, cleanup *cleanupRegistry) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	completions := make(chan taskResult, g.Len()+1)
	wake := make(chan struct{}, 1)
	started := make(map[string]bool, g.Len())
	inflight := 0
	var firstErr error

	start := func(t *Task) {
		started[t.ID()] = true
		inflight++
		go func() {
			completions <- taskResult{task: t, err: r.executeTask(runCtx, g, t, cleanup, wake)}
		}()
	}

	for {
		if runCtx.Err() == nil && (firstErr == nil || r.opts.ContinueOnError) {
			for _, t := range r.nextReady(g, started) {
				if r.opts.Concurrency > 0 && inflight >= r.opts.Concurrency {
					break
				}
				start(t)
			}
		}

		if inflight == 0 {
			break
		}

		select {
		case res := <-completions:
			inflight--
			if res.err != nil && firstErr == nil {
				firstErr = res.err
			}
			if res.err != nil && !r.opts.ContinueOnError {
				cancelRun()
			}

		case <-wake:
			// A streaming task unblocked a pass-through consumer.

		case <-runCtx.Done():
			if firstErr == nil {
				firstErr = runCtx.Err()
			}
			r.drain(g, started, inflight, completions)
			return firstErr
		}
	}

	if firstErr == nil && ctx.Err() != nil {
		firstErr = ctx.Err()
	}
	return firstErr
}

// drain waits out in-flight tasks after cancellation, bounded by the grace
// period, then forcibly fails stragglers and never-started tasks.
func (r *Runner) drain(g *TaskGraph, started map[string]bool, inflight int, completions <-chan taskResult) {
	timer := time.NewTimer(r.opts.GracePeriod)
	defer timer.Stop()

	for inflight > 0 {
		select {
		case <-completions:
			inflight--
		case <-timer.C:
			for _, t := range g.Tasks() {
				if started[t.ID()] && !t.Status().Terminal() {
					r.opts.Logger.Warn("task ignored cancellation, forcing FAILED",
						log.Task(t.ID()), log.F("grace", r.opts.GracePeriod))
					t.setError(fmt.Errorf("%w: did not stop within grace period", ErrAborted))
				}
			}
			inflight = 0
		}
	}

	// Purge the ready queue: tasks that never started fail with the
	// cancellation cause instead of dangling in PENDING.
	for _, t := range g.Tasks() {
		if !started[t.ID()] && t.Status() == StatusPending {
			t.setError(ErrAborted)
		}
	}
}

// nextReady returns unstarted tasks whose every inbound edge has delivered
// a value (a live Stream counts for pass-through edges), in insertion order.
func (r *Runner) nextReady(g *TaskGraph, started map[string]bool) []*Task {
	var out []*Task
	for _, t := range g.Tasks() {
		if started[t.ID()] || t.Status() != StatusPending {
			continue
		}
		ready := true
		for _, f := range g.InboundDataflows(t.ID()) {
			if _, ok := f.Value(); !ok {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t)
		}
	}
	return out
}

// executeTask runs one task end to end and returns its failure, if any.
func (r *Runner) executeTask(ctx context.Context, g *TaskGraph, t *Task, cleanup *cleanupRegistry, wake chan<- struct{}) error {
	input := r.resolveInput(g, t)
	t.setInput(input)

	if err := r.validateInput(t, input); err != nil {
		t.setError(err)
		return r.taskError(t, err)
	}

	if err := t.setStatus(StatusProcessing); err != nil {
		return r.taskError(t, err)
	}

	rc := &RunContext{progress: t.setProgress, cleanup: cleanup.register}

	var out Values
	var err error
	switch {
	case arrayInputs(t, input) != nil:
		out, err = r.runArrayMode(ctx, t, input, cleanup)
	case r.isStreaming(t):
		out, err = r.runStreaming(ctx, g, t, input, rc, wake)
	default:
		out, err = r.runPlain(ctx, t, input, rc)
	}

	if err != nil {
		if isCancellation(ctx, err) {
			// PROCESSING -> ABORTING -> FAILED with a distinguished cause.
			_ = t.setStatus(StatusAborting)
			err = fmt.Errorf("%w: %v", ErrAborted, err)
		}
		t.setError(err)
		return r.taskError(t, err)
	}

	t.setOutput(out)
	if err := t.setStatus(StatusCompleted); err != nil {
		return r.taskError(t, err)
	}
	r.propagateOutputs(g, t, out)
	return nil
}

func isCancellation(ctx context.Context, err error) bool {
	if errors.Is(err, ErrAborted) {
		return true
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return true
	}
	return false
}

func (r *Runner) taskError(t *Task, err error) error {
	return &TaskError{TaskID: t.ID(), TaskType: t.Type(), Progress: t.Progress(), Err: err}
}

// resolveInput layers schema defaults, the task's preset input and inbound
// edge values, later layers winning.
func (r *Runner) resolveInput(g *TaskGraph, t *Task) Values {
	input := make(Values)
	for k, v := range t.InputSchema().Defaults() {
		input[k] = v
	}
	for k, v := range t.Input() {
		input[k] = v
	}
	for _, f := range g.InboundDataflows(t.ID()) {
		if v, ok := f.Value(); ok {
			input[f.TargetPort] = v
		}
	}
	return input
}

func (r *Runner) validateInput(t *Task, input Values) error {
	for _, p := range t.InputSchema().Ports() {
		if p.Required {
			if v, ok := input[p.Name]; !ok || v == nil {
				return fmt.Errorf("%w: required input %s.%s missing", ErrValidation, t.ID(), p.Name)
			}
		}
	}
	return nil
}

func (r *Runner) isStreaming(t *Task) bool {
	if !t.def.Streamable {
		return false
	}
	if _, ok := t.exec.(StreamExecutor); !ok {
		return false
	}
	return schema.OutputStreamMode(t.OutputSchema()) != schema.StreamNone
}

// propagateOutputs delivers port values to outbound edges that streaming
// has not already satisfied.
func (r *Runner) propagateOutputs(g *TaskGraph, t *Task, out Values) {
	for _, f := range g.OutboundDataflows(t.ID()) {
		if _, already := f.Value(); already {
			continue
		}
		f.SetValue(out[f.SourcePort])
	}
}

// runPlain is the non-streaming execute path: queue dispatch or direct
// execution, wrapped in the task's retry policy and, for cacheable types,
// the output cache's singleflight gate.
func (r *Runner) runPlain(ctx context.Context, t *Task, input Values, rc *RunContext) (Values, error) {
	execute := func(ctx context.Context) (Values, error) {
		if r.opts.Dispatch != nil && t.config.Queue != "" {
			return r.opts.Dispatch(ctx, t, input)
		}
		return t.exec.Execute(ctx, input, rc)
	}

	attempt := func(ctx context.Context) (Values, error) {
		return r.withRetry(ctx, t, execute)
	}

	if t.def.Cacheable && r.opts.Cache != nil {
		raw, err := r.opts.Cache.GetOrCompute(ctx, t.def.Type, map[string]any(input),
			func(ctx context.Context) (json.RawMessage, error) {
				out, err := attempt(ctx)
				if err != nil {
					return nil, err
				}
				return json.Marshal(out)
			})
		if err != nil {
			return nil, err
		}
		var out Values
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode cached output: %w", err)
		}
		return out, nil
	}

	return attempt(ctx)
}

// withRetry applies the task's retry policy around fn.
func (r *Runner) withRetry(ctx context.Context, t *Task, fn func(context.Context) (Values, error)) (Values, error) {
	policy := t.config.Retry
	if policy == nil || policy.MaxAttempts <= 1 {
		return fn(ctx)
	}

	retryable := policy.RetryableErrors
	if retryable == nil {
		retryable = IsRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable(err) || attempt == policy.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// runArrayMode expands replicated array inputs into a subgraph of children,
// runs them, and merges their outputs back. The children are independent by
// construction, so they fan out as an errgroup: bounded by the runner's
// concurrency cap, cancelled together on the first failure.
func (r *Runner) runArrayMode(ctx context.Context, t *Task, input Values, cleanup *cleanupRegistry) (Values, error) {
	arrays := arrayInputs(t, input)
	for port, arr := range arrays {
		if len(arr) == 0 {
			t.bus.Emit(EventWarning, fmt.Sprintf("replicated input %s is empty; producing empty output", port))
			return emptyArrayOutput(t), nil
		}
	}

	sub, childIDs, err := expandTask(t, input, arrays)
	if err != nil {
		return nil, err
	}
	t.setSubGraph(sub)

	eg, egCtx := errgroup.WithContext(ctx)
	if r.opts.Concurrency > 0 {
		eg.SetLimit(r.opts.Concurrency)
	}
	// Children have no edges between them, so no pass-through streams can
	// arise and the wake channel stays silent.
	wake := make(chan struct{}, 1)
	for _, id := range childIDs {
		child, _ := sub.Task(id)
		eg.Go(func() error {
			return r.executeTask(egCtx, sub, child, cleanup, wake)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	childOutputs := make([]Values, 0, len(childIDs))
	for _, id := range childIDs {
		child, _ := sub.Task(id)
		if child.Status() != StatusCompleted {
			return nil, fmt.Errorf("child %s did not complete", id)
		}
		childOutputs = append(childOutputs, child.Output())
	}

	return mergeChildOutputs(t, input, childOutputs)
}

// runStreaming consumes the task's stream: chunks are forwarded unchanged
// to mode-matched downstream edges (which unblock immediately), and folded
// into a materialized value for edges that need accumulation.
func (r *Runner) runStreaming(ctx context.Context, g *TaskGraph, t *Task, input Values, rc *RunContext, wake chan<- struct{}) (Values, error) {
	streamExec := t.exec.(StreamExecutor)
	ch, err := streamExec.ExecuteStream(ctx, input, rc)
	if err != nil {
		return nil, err
	}

	t.bus.Emit(EventStreamStart, t.ID())

	// Pass-through edges get a live channel now; their targets are ready
	// as soon as the dispatcher wakes up.
	type passThrough struct {
		flow *Dataflow
		ch   chan StreamEvent
	}
	var forwards []passThrough
	for _, f := range g.OutboundDataflows(t.ID()) {
		if schema.PortStreamMode(t.OutputSchema(), f.SourcePort) == schema.StreamNone {
			continue
		}
		tgt, ok := g.Task(f.TargetTaskID)
		if !ok {
			continue
		}
		if schema.EdgeNeedsAccumulation(t.OutputSchema(), f.SourcePort, tgt.InputSchema(), f.TargetPort) {
			continue
		}
		c := make(chan StreamEvent, r.opts.StreamBuffer)
		f.SetValue(&Stream{C: c})
		forwards = append(forwards, passThrough{flow: f, ch: c})
	}
	if len(forwards) > 0 {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	acc := NewAccumulator(t.OutputSchema())
	var streamErr error

	for ev := range ch {
		t.bus.Emit(EventStreamChunk, ev)

		for _, fw := range forwards {
			select {
			case fw.ch <- ev:
			case <-ctx.Done():
				streamErr = ctx.Err()
			}
		}

		if ev.Type == StreamErr {
			streamErr = ev.Err
			break
		}
		acc.Apply(ev)
		if streamErr != nil {
			break
		}
	}

	if streamErr != nil {
		// The loop broke early; release a producer still sending.
		go func() {
			for range ch {
			}
		}()
	}

	for _, fw := range forwards {
		close(fw.ch)
	}

	out := acc.Values()
	t.bus.Emit(EventStreamEnd, out)

	if streamErr != nil {
		return nil, streamErr
	}
	return out, nil
}
