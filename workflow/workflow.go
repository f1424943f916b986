// Package workflow is the thin builder façade over the task graph: it
// constructs tasks from a registry, wires dataflows, re-emits each task's
// events as one consolidated stream, and runs the graph end to end.
package workflow

import (
	"context"

	"github.com/smallnest/workflowgo/events"
	"github.com/smallnest/workflowgo/graph"
)

// Consolidated workflow event names.
const (
	EventStart       = "start"
	EventTaskStart   = "task_start"
	EventProgress    = "progress"
	EventStreamStart = "stream_start"
	EventStreamChunk = "stream_chunk"
	EventStreamEnd   = "stream_end"
	EventComplete    = "complete"
	EventError       = "error"
	EventWarning     = "warning"
)

// Event is the payload carried on the workflow bus.
type Event struct {
	// Type is one of the workflow event names.
	Type string

	// TaskID identifies the originating task; empty for run-level events.
	TaskID string

	// Data is event-specific: progress payloads, stream chunks, final
	// outputs, or the error.
	Data any
}

// Options configure a workflow.
type Options struct {
	// Registry resolves task types. Defaults to the process registry.
	Registry *graph.Registry

	// Runner configures graph execution.
	Runner graph.RunnerOptions
}

// Workflow wraps a TaskGraph with a builder API and a consolidated event
// stream.
type Workflow struct {
	graph    *graph.TaskGraph
	registry *graph.Registry
	runner   *graph.Runner
	bus      *events.Bus
}

// New creates an empty workflow.
func New(opts ...Options) *Workflow {
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}
	if opt.Registry == nil {
		opt.Registry = graph.DefaultRegistry()
	}
	return &Workflow{
		graph:    graph.NewTaskGraph(),
		registry: opt.Registry,
		runner:   graph.NewRunner(opt.Runner),
		bus:      events.NewBus(),
	}
}

// Graph exposes the underlying task graph.
func (w *Workflow) Graph() *graph.TaskGraph { return w.graph }

// Events returns the consolidated event bus.
func (w *Workflow) Events() *events.Bus { return w.bus }

// AddTask constructs a task of the given type, adds it to the graph and
// wires its events into the consolidated stream.
func (w *Workflow) AddTask(taskType string, cfg graph.TaskConfig) (*graph.Task, error) {
	t, err := w.registry.NewTask(taskType, cfg)
	if err != nil {
		return nil, err
	}
	if err := w.graph.AddTask(t); err != nil {
		return nil, err
	}
	w.relay(t)
	return t, nil
}

// Connect wires source.port into target.port.
func (w *Workflow) Connect(source *graph.Task, sourcePort string, target *graph.Task, targetPort string) error {
	_, err := w.graph.AddDataflow(source.ID(), sourcePort, target.ID(), targetPort)
	return err
}

// relay re-emits one task's events on the workflow bus, tagged with the
// task id.
func (w *Workflow) relay(t *graph.Task) {
	id := t.ID()
	forward := func(taskEvent, wfEvent string) {
		t.Events().On(taskEvent, func(payload any) {
			w.bus.Emit(wfEvent, &Event{Type: wfEvent, TaskID: id, Data: payload})
		})
	}
	forward(graph.EventStart, EventTaskStart)
	forward(graph.EventProgress, EventProgress)
	forward(graph.EventStreamStart, EventStreamStart)
	forward(graph.EventStreamChunk, EventStreamChunk)
	forward(graph.EventStreamEnd, EventStreamEnd)
	forward(graph.EventComplete, EventComplete)
	forward(graph.EventError, EventError)
	forward(graph.EventWarning, EventWarning)
}

// Run binds the optional top-level input to root tasks, executes the graph
// and returns the merged output of the leaf tasks.
func (w *Workflow) Run(ctx context.Context, input ...graph.Values) (graph.Values, error) {
	var bound graph.Values
	if len(input) > 0 {
		bound = input[0]
	}
	if bound != nil {
		for _, root := range w.graph.Roots() {
			preset := make(graph.Values)
			for _, p := range root.InputSchema().Ports() {
				if v, ok := bound[p.Name]; ok {
					preset[p.Name] = v
				}
			}
			if len(preset) > 0 {
				root.BindInput(preset)
			}
		}
	}

	w.bus.Emit(EventStart, &Event{Type: EventStart})

	if err := w.runner.Run(ctx, w.graph); err != nil {
		w.bus.Emit(EventError, &Event{Type: EventError, Data: err})
		return nil, err
	}

	merged := make(graph.Values)
	for _, leaf := range w.graph.Leaves() {
		if leaf.Status() != graph.StatusCompleted {
			continue
		}
		for k, v := range leaf.Output() {
			merged[k] = v
		}
	}
	w.bus.Emit(EventComplete, &Event{Type: EventComplete, Data: merged})
	return merged, nil
}
