package store

import (
	"context"
	"time"
)

// CheckpointMeta carries checkpoint bookkeeping.
type CheckpointMeta struct {
	CreatedAt time.Time `json:"created_at"`

	// IterationParentTaskID correlates checkpoints taken inside an
	// iterating composite task (map/reduce/while) with that task.
	IterationParentTaskID string `json:"iteration_parent_task_id,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Checkpoint is a snapshot of graph, task and dataflow state. The three
// payloads are gzip-compressed JSON blobs (see Compress/Decompress).
// Checkpoints of one thread form a linked list through ParentID, ordered
// by CreatedAt.
type Checkpoint struct {
	ID             string         `json:"id"`
	ThreadID       string         `json:"thread_id"`
	ParentID       string         `json:"parent_id,omitempty"`
	Graph          []byte         `json:"graph"`
	TaskStates     []byte         `json:"task_states"`
	DataflowStates []byte         `json:"dataflow_states"`
	Metadata       CheckpointMeta `json:"metadata"`
}

// CheckpointStore persists checkpoints per thread.
type CheckpointStore interface {
	// Save stores the checkpoint. Saving an existing id overwrites it.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load returns the checkpoint by id, or ErrNotFound.
	Load(ctx context.Context, id string) (*Checkpoint, error)

	// Latest returns the most recent checkpoint of the thread by
	// CreatedAt, or ErrNotFound when the thread has none.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// History returns the thread's checkpoints ordered by CreatedAt
	// ascending.
	History(ctx context.Context, threadID string) ([]*Checkpoint, error)

	// DeleteThread removes every checkpoint of the thread.
	DeleteThread(ctx context.Context, threadID string) error
}
