// Package cache provides the task output cache: results of cacheable tasks
// keyed by the fingerprint of (task type, canonicalized input). Concurrent
// lookups of the same key share one execution through a singleflight group,
// and writes happen only after a successful execution.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/smallnest/workflowgo/ident"
	"github.com/smallnest/workflowgo/store"
)

// ComputeFunc produces a task output for a cache miss.
type ComputeFunc func(ctx context.Context) (json.RawMessage, error)

// OutputCache fronts a CacheStore with fingerprinting and singleflight.
type OutputCache struct {
	store store.CacheStore
	group singleflight.Group
	now   func() time.Time
}

// New creates a cache over the given store.
func New(cs store.CacheStore) *OutputCache {
	return &OutputCache{store: cs, now: time.Now}
}

// Key computes the cache key for a task type and input.
func (c *OutputCache) Key(taskType string, input any) (string, error) {
	return ident.CacheKey(taskType, input)
}

// Get returns the cached output for the task type and input, with found
// reporting whether an entry exists.
func (c *OutputCache) Get(ctx context.Context, taskType string, input any) (json.RawMessage, bool, error) {
	key, err := c.Key(taskType, input)
	if err != nil {
		return nil, false, err
	}
	entry, err := c.store.GetOutput(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get: %w", err)
	}
	return entry.Output, true, nil
}

// GetOrCompute returns the cached output for the key, or runs compute and
// stores its result. Concurrent callers with the same key share a single
// compute invocation; every caller receives the same output or error.
// Compute errors are not cached.
func (c *OutputCache) GetOrCompute(ctx context.Context, taskType string, input any, compute ComputeFunc) (json.RawMessage, error) {
	key, err := c.Key(taskType, input)
	if err != nil {
		return nil, err
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		entry, err := c.store.GetOutput(ctx, key)
		if err == nil {
			return entry.Output, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("cache: get: %w", err)
		}

		output, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		put := &store.CacheEntry{
			Key:       key,
			TaskType:  taskType,
			Output:    output,
			CreatedAt: c.now(),
		}
		if err := c.store.PutOutput(ctx, put); err != nil {
			return nil, fmt.Errorf("cache: put: %w", err)
		}
		return output, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

// Invalidate removes the entry for the task type and input.
func (c *OutputCache) Invalidate(ctx context.Context, taskType string, input any) error {
	key, err := c.Key(taskType, input)
	if err != nil {
		return err
	}
	if err := c.store.InvalidateOutput(ctx, key); err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}
