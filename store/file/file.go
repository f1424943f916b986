// Package file implements the checkpoint store contract on the local
// filesystem. Each checkpoint is one JSON file under the root directory;
// threads are subdirectories. Suitable for development and single-host
// deployments.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/smallnest/workflowgo/store"
)

// Store implements store.CheckpointStore on a directory tree.
type Store struct {
	root string
}

var _ store.CheckpointStore = (*Store)(nil)

// New creates the root directory if needed and returns the store.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("file: create root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) threadDir(threadID string) string {
	return filepath.Join(s.root, sanitize(threadID))
}

func (s *Store) path(threadID, id string) string {
	return filepath.Join(s.threadDir(threadID), sanitize(id)+".json")
}

// sanitize keeps ids path-safe.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}

// Save writes the checkpoint to its thread directory.
func (s *Store) Save(_ context.Context, cp *store.Checkpoint) error {
	dir := s.threadDir(cp.ThreadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("file: save: %w", err)
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("file: save: %w", err)
	}
	tmp := s.path(cp.ThreadID, cp.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("file: save: %w", err)
	}
	if err := os.Rename(tmp, s.path(cp.ThreadID, cp.ID)); err != nil {
		return fmt.Errorf("file: save: %w", err)
	}
	return nil
}

// Load scans threads for the checkpoint id.
func (s *Store) Load(ctx context.Context, id string) (*store.Checkpoint, error) {
	threads, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("file: get: %w", err)
	}
	want := sanitize(id) + ".json"
	for _, entry := range threads {
		if !entry.IsDir() {
			continue
		}
		cp, err := s.read(filepath.Join(s.root, entry.Name(), want))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return cp, nil
	}
	return nil, store.ErrNotFound
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
	dir := s.threadDir(threadID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file: history: %w", err)
	}

	var out []*store.Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		cp, err := s.read(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Metadata.CreatedAt.Before(out[j].Metadata.CreatedAt)
	})
	return out, nil
}

// DeleteThread removes the thread directory.
func (s *Store) DeleteThread(_ context.Context, threadID string) error {
	if err := os.RemoveAll(s.threadDir(threadID)); err != nil {
		return fmt.Errorf("file: delete thread: %w", err)
	}
	return nil
}

func (s *Store) read(path string) (*store.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("file: read: %w", err)
	}
	var cp store.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("file: read %s: %w", path, err)
	}
	return &cp, nil
}
