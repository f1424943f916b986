package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/smallnest/workflowgo/events"
	"github.com/smallnest/workflowgo/ident"
	"github.com/smallnest/workflowgo/schema"
)

// Values is a port-name to value mapping, the currency of task IO.
type Values map[string]any

// Clone returns a shallow copy.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusAborting   Status = "ABORTING"
	StatusDisabled   Status = "DISABLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDisabled
}

var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusDisabled, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusAborting},
	StatusAborting:   {StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Task event names, emitted on the task's event bus.
const (
	EventStart       = "start"
	EventProgress    = "progress"
	EventStreamStart = "stream_start"
	EventStreamChunk = "stream_chunk"
	EventStreamEnd   = "stream_end"
	EventComplete    = "complete"
	EventError       = "error"
	EventAbort       = "abort"
	EventRegenerate  = "regenerate"
	EventWarning     = "warning"
)

// ProgressPayload is the payload of EventProgress.
type ProgressPayload struct {
	Progress int
	Message  string
	Details  any
}

// RunContext carries in-task facilities: progress reporting and run-scoped
// cleanup registration. Cancellation flows through the context.Context
// passed to Execute.
type RunContext struct {
	progress func(progress int, message string, details any)
	cleanup  func(key string, fn func())
}

// NewRunContext builds a RunContext with the given progress sink. Used by
// external executors (such as queue workers) running tasks outside a graph.
func NewRunContext(progress func(progress int, message string, details any)) *RunContext {
	return &RunContext{progress: progress}
}

// UpdateProgress reports task progress in [0, 100].
func (rc *RunContext) UpdateProgress(progress int, message string, details any) {
	if rc == nil || rc.progress == nil {
		return
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	rc.progress(progress, message, details)
}

// RegisterCleanup registers a run-scoped cleanup. Callbacks are deduplicated
// by key and invoked exactly once when the run ends, on every outcome.
func (rc *RunContext) RegisterCleanup(key string, fn func()) {
	if rc == nil || rc.cleanup == nil {
		return
	}
	rc.cleanup(key, fn)
}

// Executor is the authoritative execution path of a task.
type Executor interface {
	Execute(ctx context.Context, input Values, rc *RunContext) (Values, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, input Values, rc *RunContext) (Values, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, input Values, rc *RunContext) (Values, error) {
	return f(ctx, input, rc)
}

// ReactiveExecutor is the cheap recomputation path, run when upstream
// outputs change after a completed execute. Implementations must be pure
// and fast.
type ReactiveExecutor interface {
	ExecuteReactive(ctx context.Context, input Values, prior Values) (Values, error)
}

// StreamExecutor produces output incrementally. The returned channel must
// be closed after a StreamFinish or StreamErr event; the finish event
// carries the aggregate output.
type StreamExecutor interface {
	ExecuteStream(ctx context.Context, input Values, rc *RunContext) (<-chan StreamEvent, error)
}

// MergeExecutor combines per-replica outputs in array mode. Tasks without
// it get the default merge: replicated output ports concatenate in child
// order, scalar ports take the first child's value.
type MergeExecutor interface {
	ExecuteMerge(input Values, childOutputs []Values) (Values, error)
}

// RetryPolicy is the per-task retry configuration consulted by the runner.
type RetryPolicy struct {
	MaxAttempts int
	// RetryableErrors decides retry eligibility; nil retries transient
	// errors only (see IsRetryable).
	RetryableErrors func(error) bool
}

// TaskConfig is the construction-time configuration of a task.
type TaskConfig struct {
	// ID overrides the generated task id.
	ID string

	// Name is a stable machine name within the graph.
	Name string

	// Title is the human-readable label.
	Title string

	// Retry configures per-task retries. Nil means no retry.
	Retry *RetryPolicy

	// Queue routes the task's execute through the job queue dispatcher
	// when the runner has one configured.
	Queue string
}

// Task is one typed unit of work in a graph.
type Task struct {
	def    *Definition
	exec   Executor
	config TaskConfig
	id     string
	bus    *events.Bus

	mu        sync.Mutex
	status    Status
	progress  int
	err       error
	runInput  Values
	runOutput Values
	stale     bool
	subGraph  *TaskGraph
	parentID  string
}

func newTask(def *Definition, cfg TaskConfig) *Task {
	id := cfg.ID
	if id == "" {
		id = ident.NewTaskID()
	}
	return &Task{
		def:    def,
		exec:   def.New(),
		config: cfg,
		id:     id,
		bus:    events.NewBus(),
		status: StatusPending,
	}
}

// ID returns the immutable task id.
func (t *Task) ID() string { return t.id }

// Type returns the registered task type.
func (t *Task) Type() string { return t.def.Type }

// Config returns the construction-time configuration.
func (t *Task) Config() TaskConfig { return t.config }

// Definition returns the registered definition.
func (t *Task) Definition() *Definition { return t.def }

// Executor returns the task's executor instance.
func (t *Task) Executor() Executor { return t.exec }

// InputSchema returns the declared input ports.
func (t *Task) InputSchema() *schema.Schema { return t.def.InputSchema }

// OutputSchema returns the declared output ports.
func (t *Task) OutputSchema() *schema.Schema { return t.def.OutputSchema }

// Events returns the task's event bus.
func (t *Task) Events() *events.Bus { return t.bus }

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// setStatus validates and applies a transition, emitting the matching
// event outside the lock.
func (t *Task) setStatus(to Status) error {
	t.mu.Lock()
	from := t.status
	if from == to {
		t.mu.Unlock()
		return nil
	}
	if !canTransition(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s on task %s", ErrInvalidTransition, from, to, t.id)
	}
	t.status = to
	if to == StatusProcessing {
		t.progress = 0
		t.err = nil
	}
	t.mu.Unlock()

	switch to {
	case StatusProcessing:
		t.bus.Emit(EventStart, t.id)
	case StatusCompleted:
		t.bus.Emit(EventComplete, t.id)
	case StatusAborting:
		t.bus.Emit(EventAbort, t.id)
	}
	return nil
}

// Disable marks a pending task DISABLED; it will never run.
func (t *Task) Disable() error {
	return t.setStatus(StatusDisabled)
}

// Progress returns the last reported progress.
func (t *Task) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// setProgress enforces monotonic progress within a run.
func (t *Task) setProgress(progress int, message string, details any) {
	t.mu.Lock()
	if progress < t.progress {
		t.mu.Unlock()
		return
	}
	t.progress = progress
	t.mu.Unlock()
	t.bus.Emit(EventProgress, &ProgressPayload{Progress: progress, Message: message, Details: details})
}

// Err returns the captured failure, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) setError(err error) {
	t.mu.Lock()
	t.status = StatusFailed
	t.err = err
	t.mu.Unlock()
	t.bus.Emit(EventError, err)
}

// Input returns the inputs of the current run.
func (t *Task) Input() Values {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runInput.Clone()
}

func (t *Task) setInput(v Values) {
	t.mu.Lock()
	t.runInput = v.Clone()
	t.mu.Unlock()
}

// BindInput presets input values ahead of a run. The runner layers inbound
// edge values on top of bound ones.
func (t *Task) BindInput(v Values) {
	t.mu.Lock()
	if t.runInput == nil {
		t.runInput = make(Values, len(v))
	}
	for k, val := range v {
		t.runInput[k] = val
	}
	t.mu.Unlock()
}

// Output returns the outputs of the current run. Only trustworthy while
// the task is COMPLETED.
func (t *Task) Output() Values {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runOutput.Clone()
}

// setOutput replaces the run output atomically.
func (t *Task) setOutput(v Values) {
	t.mu.Lock()
	t.runOutput = v.Clone()
	t.mu.Unlock()
}

// Stale reports whether a reactive pass could not refresh this task and a
// full execute is required.
func (t *Task) Stale() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stale
}

func (t *Task) setStale(stale bool) {
	t.mu.Lock()
	t.stale = stale
	t.mu.Unlock()
}

// SubGraph returns the expansion subgraph, if the task is in array mode.
func (t *Task) SubGraph() *TaskGraph {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subGraph
}

func (t *Task) setSubGraph(g *TaskGraph) {
	t.mu.Lock()
	regenerated := t.subGraph != nil
	t.subGraph = g
	t.mu.Unlock()
	if regenerated {
		t.bus.Emit(EventRegenerate, t.id)
	}
}

// ParentID returns the owning task id for subgraph children, empty at the
// top level. Children reference their parent by id, never by pointer.
func (t *Task) ParentID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.parentID
}

// resetForRun rewinds the task to PENDING for a fresh run, clearing its
// progress, error, output and stale flag. DISABLED tasks are left as they are.
func (t *Task) resetForRun() {
	t.mu.Lock()
	if t.status != StatusDisabled {
		t.status = StatusPending
		t.progress = 0
		t.err = nil
		t.runOutput = nil
		t.stale = false
	}
	t.mu.Unlock()
}
