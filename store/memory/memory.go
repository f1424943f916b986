// Package memory provides in-process implementations of the store contracts.
// Claims are serialized under one mutex, which makes them trivially
// linearizable. Subscriptions are delivered synchronously after the mutating
// operation commits.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/smallnest/workflowgo/store"
)

// Store implements store.JobStore, store.RateStore, store.CacheStore and
// store.CheckpointStore in memory.
type Store struct {
	mu sync.Mutex

	jobs      map[string]*store.JobRecord
	jobOrder  []string // enqueue order, oldest first
	subs      map[subKey]map[uint64]func(*store.JobRecord)
	nextSubID uint64

	executions map[string][]time.Time
	nextAvail  map[string]time.Time

	cache map[string]*store.CacheEntry

	checkpoints map[string]*store.Checkpoint
	threads     map[string][]string // thread id -> checkpoint ids in save order
}

type subKey struct {
	queue string
	event store.JobEvent
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]*store.JobRecord),
		subs:        make(map[subKey]map[uint64]func(*store.JobRecord)),
		executions:  make(map[string][]time.Time),
		nextAvail:   make(map[string]time.Time),
		cache:       make(map[string]*store.CacheEntry),
		checkpoints: make(map[string]*store.Checkpoint),
		threads:     make(map[string][]string),
	}
}

var (
	_ store.JobStore        = (*Store)(nil)
	_ store.RateStore       = (*Store)(nil)
	_ store.CacheStore      = (*Store)(nil)
	_ store.CheckpointStore = (*Store)(nil)
)

// --- JobStore ---

// Enqueue inserts the record as PENDING.
func (s *Store) Enqueue(_ context.Context, job *store.JobRecord) error {
	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return errDuplicate(job.ID)
	}
	rec := job.Clone()
	rec.Status = store.JobPending
	if rec.ScheduledAt.IsZero() {
		rec.ScheduledAt = time.Now()
	}
	s.jobs[rec.ID] = rec
	s.jobOrder = append(s.jobOrder, rec.ID)
	snapshot := rec.Clone()
	s.mu.Unlock()

	s.notify(snapshot.Queue, store.JobEventEnqueued, snapshot)
	return nil
}

// ClaimNext hands out at most one claimable job. The store mutex serializes
// concurrent claimants, so a job can never be claimed twice.
func (s *Store) ClaimNext(_ context.Context, queue string, now time.Time) (*store.JobRecord, error) {
	s.mu.Lock()
	var claimed *store.JobRecord
	for _, id := range s.jobOrder {
		rec, ok := s.jobs[id]
		if !ok || rec.Queue != queue || rec.Status != store.JobPending {
			continue
		}
		if rec.ScheduledAt.After(now) {
			continue
		}
		rec.Status = store.JobProcessing
		started := now
		rec.StartedAt = &started
		claimed = rec.Clone()
		break
	}
	s.mu.Unlock()

	if claimed != nil {
		s.notify(claimed.Queue, store.JobEventStarted, claimed)
	}
	return claimed, nil
}

// Complete transitions the job to COMPLETED.
func (s *Store) Complete(_ context.Context, jobID string, output json.RawMessage) error {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	rec.Status = store.JobCompleted
	rec.Output = append([]byte(nil), output...)
	done := time.Now()
	rec.CompletedAt = &done
	rec.Progress = 100
	snapshot := rec.Clone()
	s.mu.Unlock()

	s.notify(snapshot.Queue, store.JobEventCompleted, snapshot)
	return nil
}

// Fail requeues the job when retryAt is set, otherwise marks it FAILED.
func (s *Store) Fail(_ context.Context, jobID string, jobErr string, retryAt *time.Time) error {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	rec.LastError = jobErr
	rec.Attempts++
	if retryAt != nil {
		rec.Status = store.JobPending
		rec.ScheduledAt = *retryAt
		rec.StartedAt = nil
	} else {
		rec.Status = store.JobFailed
		done := time.Now()
		rec.CompletedAt = &done
	}
	snapshot := rec.Clone()
	s.mu.Unlock()

	if retryAt == nil {
		s.notify(snapshot.Queue, store.JobEventFailed, snapshot)
	} else {
		s.notify(snapshot.Queue, store.JobEventEnqueued, snapshot)
	}
	return nil
}

// SetProgress updates progress and message.
func (s *Store) SetProgress(_ context.Context, jobID string, progress int, message string) error {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	rec.Progress = progress
	rec.ProgressMsg = message
	snapshot := rec.Clone()
	s.mu.Unlock()

	s.notify(snapshot.Queue, store.JobEventProgress, snapshot)
	return nil
}

// Abort marks a non-terminal job ABORTING.
func (s *Store) Abort(_ context.Context, jobID string) error {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if rec.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	rec.Status = store.JobAborting
	snapshot := rec.Clone()
	s.mu.Unlock()

	s.notify(snapshot.Queue, store.JobEventAborting, snapshot)
	return nil
}

// Delete removes the record.
func (s *Store) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	for i, id := range s.jobOrder {
		if id == jobID {
			s.jobOrder = append(s.jobOrder[:i], s.jobOrder[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a copy of the record.
func (s *Store) Get(_ context.Context, jobID string) (*store.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

// Size counts non-terminal jobs on the queue.
func (s *Store) Size(_ context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.jobs {
		if rec.Queue == queue && !rec.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

// Subscribe registers a change handler.
func (s *Store) Subscribe(queue string, event store.JobEvent, fn func(*store.JobRecord)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := subKey{queue: queue, event: event}
	if s.subs[key] == nil {
		s.subs[key] = make(map[uint64]func(*store.JobRecord))
	}
	s.nextSubID++
	id := s.nextSubID
	s.subs[key][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[key], id)
	}
}

func (s *Store) notify(queue string, event store.JobEvent, rec *store.JobRecord) {
	s.mu.Lock()
	var fns []func(*store.JobRecord)
	for _, fn := range s.subs[subKey{queue: queue, event: event}] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(rec.Clone())
	}
}

// --- RateStore ---

// RecordExecution appends an execution record.
func (s *Store) RecordExecution(_ context.Context, queue string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[queue] = append(s.executions[queue], at)
	return nil
}

// CountExecutionsSince counts executions newer than since.
func (s *Store) CountExecutionsSince(_ context.Context, queue string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, at := range s.executions[queue] {
		if at.After(since) {
			n++
		}
	}
	return n, nil
}

// OldestExecutionSince returns the oldest execution newer than since.
func (s *Store) OldestExecutionSince(_ context.Context, queue string, since time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest time.Time
	found := false
	for _, at := range s.executions[queue] {
		if !at.After(since) {
			continue
		}
		if !found || at.Before(oldest) {
			oldest = at
			found = true
		}
	}
	return oldest, found, nil
}

// SetNextAvailable stores the queue's next admission bound.
func (s *Store) SetNextAvailable(_ context.Context, queue string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAvail[queue] = at
	return nil
}

// NextAvailable reads the queue's next admission bound.
func (s *Store) NextAvailable(_ context.Context, queue string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.nextAvail[queue]
	return at, ok, nil
}

// PruneExecutionsBefore drops records older than cutoff.
func (s *Store) PruneExecutionsBefore(_ context.Context, queue string, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.executions[queue][:0]
	for _, at := range s.executions[queue] {
		if !at.Before(cutoff) {
			kept = append(kept, at)
		}
	}
	s.executions[queue] = kept
	return nil
}

// --- CacheStore ---

// GetOutput returns the cached entry for key.
func (s *Store) GetOutput(_ context.Context, key string) (*store.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *entry
	cp.Output = append([]byte(nil), entry.Output...)
	return &cp, nil
}

// PutOutput stores the entry.
func (s *Store) PutOutput(_ context.Context, entry *store.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	cp.Output = append([]byte(nil), entry.Output...)
	s.cache[entry.Key] = &cp
	return nil
}

// InvalidateOutput removes the entry for key.
func (s *Store) InvalidateOutput(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
	return nil
}

// --- CheckpointStore ---

// Save stores the checkpoint.
func (s *Store) Save(_ context.Context, cp *store.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.checkpoints[cp.ID]; !exists {
		s.threads[cp.ThreadID] = append(s.threads[cp.ThreadID], cp.ID)
	}
	clone := cloneCheckpoint(cp)
	s.checkpoints[cp.ID] = clone
	return nil
}

// Load returns the checkpoint by id.
func (s *Store) Load(_ context.Context, id string) (*store.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCheckpoint(cp), nil
}

// Latest returns the thread's most recent checkpoint by CreatedAt.
func (s *Store) Latest(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	history, err := s.History(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, store.ErrNotFound
	}
	return history[len(history)-1], nil
}

// History returns the thread's checkpoints ordered by CreatedAt ascending.
func (s *Store) History(_ context.Context, threadID string) ([]*store.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.threads[threadID]
	out := make([]*store.Checkpoint, 0, len(ids))
	for _, id := range ids {
		if cp, ok := s.checkpoints[id]; ok {
			out = append(out, cloneCheckpoint(cp))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Metadata.CreatedAt.Before(out[j].Metadata.CreatedAt)
	})
	return out, nil
}

// DeleteThread removes all of the thread's checkpoints.
func (s *Store) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.threads[threadID] {
		delete(s.checkpoints, id)
	}
	delete(s.threads, threadID)
	return nil
}

func cloneCheckpoint(cp *store.Checkpoint) *store.Checkpoint {
	clone := *cp
	clone.Graph = append([]byte(nil), cp.Graph...)
	clone.TaskStates = append([]byte(nil), cp.TaskStates...)
	clone.DataflowStates = append([]byte(nil), cp.DataflowStates...)
	if cp.Metadata.Extra != nil {
		extra := make(map[string]any, len(cp.Metadata.Extra))
		for k, v := range cp.Metadata.Extra {
			extra[k] = v
		}
		clone.Metadata.Extra = extra
	}
	return &clone
}

type errDuplicate string

func (e errDuplicate) Error() string {
	return "memory: job already exists: " + string(e)
}
