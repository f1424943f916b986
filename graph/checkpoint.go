package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smallnest/workflowgo/ident"
	"github.com/smallnest/workflowgo/store"
)

// Saver snapshots graph, task and dataflow state into a CheckpointStore
// and restores graphs from stored checkpoints.
type Saver struct {
	store    store.CheckpointStore
	registry *Registry
}

// NewSaver creates a saver. The registry is used on restore to rebuild
// executors from task types.
func NewSaver(cs store.CheckpointStore, registry *Registry) *Saver {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Saver{store: cs, registry: registry}
}

// SaveOptions tune a snapshot.
type SaveOptions struct {
	// IterationParentTaskID correlates checkpoints taken inside an
	// iterating composite task.
	IterationParentTaskID string

	// Extra is free-form checkpoint metadata.
	Extra map[string]any
}

type graphDoc struct {
	Tasks []taskDoc `json:"tasks"`
	Flows []flowDoc `json:"flows"`
}

type taskDoc struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	Title string `json:"title,omitempty"`
	Queue string `json:"queue,omitempty"`
}

type flowDoc struct {
	SourceTask string `json:"source_task"`
	SourcePort string `json:"source_port"`
	TargetTask string `json:"target_task"`
	TargetPort string `json:"target_port"`
}

type taskState struct {
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Input    Values `json:"input,omitempty"`
	Output   Values `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Stale    bool   `json:"stale,omitempty"`
}

type flowState struct {
	Value any  `json:"value,omitempty"`
	Ready bool `json:"ready"`
}

// Save snapshots the graph under the thread, chaining to the thread's
// previous checkpoint, and returns the stored record.
func (s *Saver) Save(ctx context.Context, threadID string, g *TaskGraph, opts ...SaveOptions) (*store.Checkpoint, error) {
	var opt SaveOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	doc := graphDoc{}
	taskStates := make(map[string]taskState)
	for _, t := range g.Tasks() {
		doc.Tasks = append(doc.Tasks, taskDoc{
			ID:    t.ID(),
			Type:  t.Type(),
			Name:  t.config.Name,
			Title: t.config.Title,
			Queue: t.config.Queue,
		})
		st := taskState{
			Status:   t.Status(),
			Progress: t.Progress(),
			Input:    t.Input(),
			Output:   t.Output(),
			Stale:    t.Stale(),
		}
		if err := t.Err(); err != nil {
			st.Error = err.Error()
		}
		taskStates[t.ID()] = st
	}

	flowStates := make(map[string]flowState)
	for _, f := range g.Dataflows() {
		doc.Flows = append(doc.Flows, flowDoc{
			SourceTask: f.SourceTaskID,
			SourcePort: f.SourcePort,
			TargetTask: f.TargetTaskID,
			TargetPort: f.TargetPort,
		})
		v, ready := f.Value()
		if _, isStream := v.(*Stream); isStream {
			// Live streams cannot be persisted; the edge re-materializes
			// on resume.
			v, ready = nil, false
		}
		flowStates[f.Key()] = flowState{Value: v, Ready: ready}
	}

	graphBlob, err := marshalCompressed(doc)
	if err != nil {
		return nil, err
	}
	taskBlob, err := marshalCompressed(taskStates)
	if err != nil {
		return nil, err
	}
	flowBlob, err := marshalCompressed(flowStates)
	if err != nil {
		return nil, err
	}

	parentID := ""
	if latest, err := s.store.Latest(ctx, threadID); err == nil {
		parentID = latest.ID
	}

	cp := &store.Checkpoint{
		ID:             ident.NewCheckpointID(),
		ThreadID:       threadID,
		ParentID:       parentID,
		Graph:          graphBlob,
		TaskStates:     taskBlob,
		DataflowStates: flowBlob,
		Metadata: store.CheckpointMeta{
			CreatedAt:             time.Now(),
			IterationParentTaskID: opt.IterationParentTaskID,
			Extra:                 opt.Extra,
		},
	}
	if err := s.store.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("checkpoint save: %w", err)
	}
	return cp, nil
}

// Restore rebuilds a TaskGraph from the checkpoint: tasks are constructed
// from the registry by type, then statuses, IO and edge values replay.
// Tasks interrupted mid-run (PROCESSING, ABORTING) resume from PENDING;
// array-mode subgraphs re-expand deterministically on the next run.
func (s *Saver) Restore(ctx context.Context, checkpointID string) (*TaskGraph, error) {
	cp, err := s.store.Load(ctx, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint restore: %w", err)
	}
	return s.restore(cp)
}

// RestoreLatest rebuilds the thread's most recent checkpoint.
func (s *Saver) RestoreLatest(ctx context.Context, threadID string) (*TaskGraph, error) {
	cp, err := s.store.Latest(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint restore: %w", err)
	}
	return s.restore(cp)
}

// History returns the thread's checkpoints, oldest first.
func (s *Saver) History(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	return s.store.History(ctx, threadID)
}

// DeleteThread drops the thread's checkpoints.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	return s.store.DeleteThread(ctx, threadID)
}

func (s *Saver) restore(cp *store.Checkpoint) (*TaskGraph, error) {
	var doc graphDoc
	if err := unmarshalCompressed(cp.Graph, &doc); err != nil {
		return nil, err
	}
	var taskStates map[string]taskState
	if err := unmarshalCompressed(cp.TaskStates, &taskStates); err != nil {
		return nil, err
	}
	var flowStates map[string]flowState
	if err := unmarshalCompressed(cp.DataflowStates, &flowStates); err != nil {
		return nil, err
	}

	g := NewTaskGraph()
	for _, td := range doc.Tasks {
		t, err := s.registry.NewTask(td.Type, TaskConfig{
			ID:    td.ID,
			Name:  td.Name,
			Title: td.Title,
			Queue: td.Queue,
		})
		if err != nil {
			return nil, err
		}
		if err := g.AddTask(t); err != nil {
			return nil, err
		}

		st, ok := taskStates[td.ID]
		if !ok {
			continue
		}
		status := st.Status
		if status == StatusProcessing || status == StatusAborting {
			status = StatusPending
		}
		t.mu.Lock()
		t.status = status
		t.progress = st.Progress
		t.runInput = st.Input
		t.runOutput = st.Output
		t.stale = st.Stale
		if st.Error != "" {
			t.err = fmt.Errorf("%s", st.Error)
		}
		t.mu.Unlock()
	}

	for _, fd := range doc.Flows {
		flow, err := g.AddDataflow(fd.SourceTask, fd.SourcePort, fd.TargetTask, fd.TargetPort)
		if err != nil {
			return nil, err
		}
		if st, ok := flowStates[flow.Key()]; ok && st.Ready {
			flow.SetValue(st.Value)
		}
	}
	return g, nil
}

func marshalCompressed(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("checkpoint marshal: %w", err)
	}
	return store.Compress(raw)
}

func unmarshalCompressed(blob []byte, v any) error {
	raw, err := store.Decompress(blob)
	if err != nil {
		return fmt.Errorf("checkpoint unmarshal: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("checkpoint unmarshal: %w", err)
	}
	return nil
}
