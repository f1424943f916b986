package graph

import (
	"context"
	"fmt"

	"github.com/smallnest/workflowgo/log"
)

// ReactiveRunner re-executes the cheap recomputation path of downstream
// tasks when an upstream value changes after a completed run. It never
// advances a task's status; it only refreshes runOutputData atomically per
// task. Tasks without a ReactiveExecutor, and everything downstream of
// them, are marked stale and await a full execute.
type ReactiveRunner struct {
	graph  *TaskGraph
	logger log.Logger
}

// NewReactiveRunner creates a reactive runner over the graph.
func NewReactiveRunner(g *TaskGraph) *ReactiveRunner {
	return &ReactiveRunner{graph: g, logger: log.Default()}
}

// SetInput programmatically changes one input port of a task and triggers
// the downstream reactive walk.
func (r *ReactiveRunner) SetInput(ctx context.Context, taskID, port string, value any) error {
	t, ok := r.graph.Task(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if s := t.InputSchema(); s != nil && !s.Has(port) {
		return fmt.Errorf("%w: task %s has no input port %s", ErrConfig, taskID, port)
	}

	input := t.Input()
	if input == nil {
		input = make(Values)
	}
	input[port] = value
	t.setInput(input)

	return r.Propagate(ctx, taskID)
}

// Propagate walks from the changed task through its downstream cone in
// topological order, refreshing each completed task via ExecuteReactive.
func (r *ReactiveRunner) Propagate(ctx context.Context, changedTaskID string) error {
	order, err := r.graph.TopologicalOrder()
	if err != nil {
		return err
	}

	affected := r.downstreamSet(changedTaskID)
	affected[changedTaskID] = true

	for _, id := range order {
		if !affected[id] {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t, ok := r.graph.Task(id)
		if !ok {
			continue
		}

		// Reactive runs only refresh previously completed work; a failed
		// execute is not resurrected here.
		if t.Status() != StatusCompleted {
			if t.Status() == StatusFailed {
				r.markStaleFrom(id, affected)
			}
			continue
		}
		if t.Stale() {
			continue
		}

		reactive, ok := t.exec.(ReactiveExecutor)
		if !ok {
			r.markStaleFrom(id, affected)
			continue
		}

		input := r.resolveInput(t)
		prior := t.Output()
		out, err := reactive.ExecuteReactive(ctx, input, prior)
		if err != nil {
			r.logger.Warn("reactive execution failed, marking stale", log.Task(id), log.Err(err))
			r.markStaleFrom(id, affected)
			continue
		}

		t.setInput(input)
		t.setOutput(out)
		for _, f := range r.graph.OutboundDataflows(id) {
			f.SetValue(out[f.SourcePort])
		}
	}
	return nil
}

// downstreamSet collects every task reachable from the given one.
func (r *ReactiveRunner) downstreamSet(taskID string) map[string]bool {
	out := make(map[string]bool)
	stack := []string{taskID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, f := range r.graph.OutboundDataflows(id) {
			if !out[f.TargetTaskID] {
				out[f.TargetTaskID] = true
				stack = append(stack, f.TargetTaskID)
			}
		}
	}
	return out
}

// markStaleFrom marks the task and its affected downstream stale.
func (r *ReactiveRunner) markStaleFrom(taskID string, affected map[string]bool) {
	if t, ok := r.graph.Task(taskID); ok && t.Status() == StatusCompleted {
		t.setStale(true)
	}
	for id := range r.downstreamSet(taskID) {
		if !affected[id] {
			continue
		}
		if t, ok := r.graph.Task(id); ok {
			t.setStale(true)
		}
	}
}

// resolveInput mirrors the runner's layering: defaults, preset input, then
// current edge values.
func (r *ReactiveRunner) resolveInput(t *Task) Values {
	input := make(Values)
	for k, v := range t.InputSchema().Defaults() {
		input[k] = v
	}
	for k, v := range t.Input() {
		input[k] = v
	}
	for _, f := range r.graph.InboundDataflows(t.ID()) {
		if v, ok := f.Value(); ok {
			input[f.TargetPort] = v
		}
	}
	return input
}
