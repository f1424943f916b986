package graph

import (
	"fmt"
	"sync"

	"github.com/smallnest/workflowgo/events"
)

// Graph change events, emitted on the graph's event bus with the affected
// task or dataflow as payload.
const (
	EventTaskAdded       = "task_added"
	EventTaskRemoved     = "task_removed"
	EventTaskReplaced    = "task_replaced"
	EventDataflowAdded   = "dataflow_added"
	EventDataflowRemoved = "dataflow_removed"
)

// Dataflow is a directed edge carrying one value per run from a source
// task's output port to a target task's input port.
type Dataflow struct {
	SourceTaskID string
	SourcePort   string
	TargetTaskID string
	TargetPort   string

	mu    sync.Mutex
	value any
	ready bool
}

// Key identifies the edge uniquely within a graph.
func (d *Dataflow) Key() string {
	return d.SourceTaskID + "." + d.SourcePort + "->" + d.TargetTaskID + "." + d.TargetPort
}

// SetValue delivers a value to the edge and marks it ready.
func (d *Dataflow) SetValue(v any) {
	d.mu.Lock()
	d.value = v
	d.ready = true
	d.mu.Unlock()
}

// Value returns the delivered value and whether one has arrived.
func (d *Dataflow) Value() (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value, d.ready
}

// Reset clears the edge for a fresh run.
func (d *Dataflow) Reset() {
	d.mu.Lock()
	d.value = nil
	d.ready = false
	d.mu.Unlock()
}

// TaskGraph is the DAG of tasks and dataflows. It exclusively owns its
// tasks; a task belongs to at most one graph.
type TaskGraph struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	order    []string // insertion order for deterministic iteration
	flows    []*Dataflow
	outgoing map[string][]*Dataflow // source task id -> edges out
	incoming map[string][]*Dataflow // target task id -> edges in
	bus      *events.Bus
}

// NewTaskGraph creates an empty graph.
func NewTaskGraph() *TaskGraph {
	return &TaskGraph{
		tasks:    make(map[string]*Task),
		outgoing: make(map[string][]*Dataflow),
		incoming: make(map[string][]*Dataflow),
		bus:      events.NewBus(),
	}
}

// Events returns the graph change bus.
func (g *TaskGraph) Events() *events.Bus { return g.bus }

// AddTask inserts a task. Duplicate ids are rejected.
func (g *TaskGraph) AddTask(t *Task) error {
	g.mu.Lock()
	if _, exists := g.tasks[t.ID()]; exists {
		g.mu.Unlock()
		return fmt.Errorf("%w: duplicate task id %s", ErrConfig, t.ID())
	}
	g.tasks[t.ID()] = t
	g.order = append(g.order, t.ID())
	g.mu.Unlock()

	g.bus.Emit(EventTaskAdded, t)
	return nil
}

// RemoveTask deletes a task and every edge touching it.
func (g *TaskGraph) RemoveTask(taskID string) error {
	g.mu.Lock()
	t, exists := g.tasks[taskID]
	if !exists {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	delete(g.tasks, taskID)
	for i, id := range g.order {
		if id == taskID {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	var removed []*Dataflow
	kept := g.flows[:0]
	for _, f := range g.flows {
		if f.SourceTaskID == taskID || f.TargetTaskID == taskID {
			removed = append(removed, f)
			continue
		}
		kept = append(kept, f)
	}
	g.flows = kept
	g.rebuildIndexLocked()
	g.mu.Unlock()

	for _, f := range removed {
		g.bus.Emit(EventDataflowRemoved, f)
	}
	g.bus.Emit(EventTaskRemoved, t)
	return nil
}

// ReplaceTask swaps a task in place, keeping its edges. The replacement
// must carry the same id.
func (g *TaskGraph) ReplaceTask(t *Task) error {
	g.mu.Lock()
	if _, exists := g.tasks[t.ID()]; !exists {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, t.ID())
	}
	g.tasks[t.ID()] = t
	g.mu.Unlock()

	g.bus.Emit(EventTaskReplaced, t)
	return nil
}

// Task returns the task by id.
func (g *TaskGraph) Task(taskID string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[taskID]
	return t, ok
}

// Tasks returns the tasks in insertion order.
func (g *TaskGraph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// Len returns the task count.
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// AddDataflow connects source.port to target.port. It rejects unknown
// tasks and ports, a second inbound edge on the same target port, duplicate
// edges, and any edge that would introduce a cycle; on rejection the graph
// is unchanged.
func (g *TaskGraph) AddDataflow(sourceTaskID, sourcePort, targetTaskID, targetPort string) (*Dataflow, error) {
	g.mu.Lock()

	src, ok := g.tasks[sourceTaskID]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: source %s", ErrTaskNotFound, sourceTaskID)
	}
	tgt, ok := g.tasks[targetTaskID]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: target %s", ErrTaskNotFound, targetTaskID)
	}
	if s := src.OutputSchema(); s != nil && !s.Has(sourcePort) {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s has no output port %s", ErrConfig, sourceTaskID, sourcePort)
	}
	if s := tgt.InputSchema(); s != nil && !s.Has(targetPort) {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s has no input port %s", ErrConfig, targetTaskID, targetPort)
	}
	for _, f := range g.incoming[targetTaskID] {
		if f.TargetPort == targetPort {
			g.mu.Unlock()
			return nil, fmt.Errorf("%w: input port %s.%s already connected", ErrConfig, targetTaskID, targetPort)
		}
	}
	if g.hasPathLocked(targetTaskID, sourceTaskID) || sourceTaskID == targetTaskID {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrCycle, sourceTaskID, targetTaskID)
	}

	flow := &Dataflow{
		SourceTaskID: sourceTaskID,
		SourcePort:   sourcePort,
		TargetTaskID: targetTaskID,
		TargetPort:   targetPort,
	}
	g.flows = append(g.flows, flow)
	g.outgoing[sourceTaskID] = append(g.outgoing[sourceTaskID], flow)
	g.incoming[targetTaskID] = append(g.incoming[targetTaskID], flow)
	g.mu.Unlock()

	g.bus.Emit(EventDataflowAdded, flow)
	return flow, nil
}

// RemoveDataflow deletes the edge.
func (g *TaskGraph) RemoveDataflow(flow *Dataflow) error {
	g.mu.Lock()
	found := false
	kept := g.flows[:0]
	for _, f := range g.flows {
		if f == flow {
			found = true
			continue
		}
		kept = append(kept, f)
	}
	if !found {
		g.mu.Unlock()
		return fmt.Errorf("%w: dataflow %s not in graph", ErrConfig, flow.Key())
	}
	g.flows = kept
	g.rebuildIndexLocked()
	g.mu.Unlock()

	g.bus.Emit(EventDataflowRemoved, flow)
	return nil
}

// Dataflows returns the edges in insertion order.
func (g *TaskGraph) Dataflows() []*Dataflow {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Dataflow, len(g.flows))
	copy(out, g.flows)
	return out
}

// InboundDataflows returns the edges delivering into the task.
func (g *TaskGraph) InboundDataflows(taskID string) []*Dataflow {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Dataflow, len(g.incoming[taskID]))
	copy(out, g.incoming[taskID])
	return out
}

// OutboundDataflows returns the edges leaving the task.
func (g *TaskGraph) OutboundDataflows(taskID string) []*Dataflow {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Dataflow, len(g.outgoing[taskID]))
	copy(out, g.outgoing[taskID])
	return out
}

// SourceTasks returns the task's direct upstream producers.
func (g *TaskGraph) SourceTasks(taskID string) []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[string]bool)
	var out []*Task
	for _, f := range g.incoming[taskID] {
		if !seen[f.SourceTaskID] {
			seen[f.SourceTaskID] = true
			out = append(out, g.tasks[f.SourceTaskID])
		}
	}
	return out
}

// TargetTasks returns the task's direct downstream consumers.
func (g *TaskGraph) TargetTasks(taskID string) []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[string]bool)
	var out []*Task
	for _, f := range g.outgoing[taskID] {
		if !seen[f.TargetTaskID] {
			seen[f.TargetTaskID] = true
			out = append(out, g.tasks[f.TargetTaskID])
		}
	}
	return out
}

// Roots returns tasks with no inbound edges, in insertion order.
func (g *TaskGraph) Roots() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Task
	for _, id := range g.order {
		if len(g.incoming[id]) == 0 {
			out = append(out, g.tasks[id])
		}
	}
	return out
}

// Leaves returns tasks with no outbound edges, in insertion order.
func (g *TaskGraph) Leaves() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Task
	for _, id := range g.order {
		if len(g.outgoing[id]) == 0 {
			out = append(out, g.tasks[id])
		}
	}
	return out
}

// TopologicalOrder returns the task ids in dependency order. Insertion
// order breaks ties, so the result is deterministic.
func (g *TaskGraph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		indegree[id] = len(g.incoming[id])
	}

	var queue []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	out := make([]string, 0, len(g.tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		for _, f := range g.outgoing[id] {
			indegree[f.TargetTaskID]--
			if indegree[f.TargetTaskID] == 0 {
				queue = append(queue, f.TargetTaskID)
			}
		}
	}

	if len(out) != len(g.tasks) {
		return nil, ErrCycle
	}
	return out, nil
}

// ResetRun prepares the graph for a run. Interrupted (PROCESSING, ABORTING)
// and stale tasks rewind to PENDING; terminal state is preserved, so
// replaying a fully completed graph is a no-op. Edges refresh from their
// source's completed output, and clear otherwise.
func (g *TaskGraph) ResetRun() {
	for _, t := range g.Tasks() {
		st := t.Status()
		if st == StatusProcessing || st == StatusAborting || t.Stale() {
			t.resetForRun()
		}
	}
	for _, f := range g.Dataflows() {
		src, ok := g.Task(f.SourceTaskID)
		if !ok || src.Status() != StatusCompleted {
			f.Reset()
			continue
		}
		f.SetValue(src.Output()[f.SourcePort])
	}
}

// hasPathLocked reports whether to is reachable from from. Callers hold
// g.mu.
func (g *TaskGraph) hasPathLocked(from, to string) bool {
	if from == to {
		return true
	}
	visited := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		for _, f := range g.outgoing[id] {
			if f.TargetTaskID == to {
				return true
			}
			stack = append(stack, f.TargetTaskID)
		}
	}
	return false
}

func (g *TaskGraph) rebuildIndexLocked() {
	g.outgoing = make(map[string][]*Dataflow)
	g.incoming = make(map[string][]*Dataflow)
	for _, f := range g.flows {
		g.outgoing[f.SourceTaskID] = append(g.outgoing[f.SourceTaskID], f)
		g.incoming[f.TargetTaskID] = append(g.incoming[f.TargetTaskID], f)
	}
}
