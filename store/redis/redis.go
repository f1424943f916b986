// Package redis implements the cache and checkpoint store contracts on
// Redis via redis/go-redis/v9. Cache eviction is delegated to Redis TTLs;
// checkpoint threads are indexed with a sorted set scored by creation time.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/workflowgo/store"
)

// Options configures the Redis store.
type Options struct {
	Addr     string
	Password string
	DB       int

	// Prefix is prepended to every key. Default "workflow:".
	Prefix string

	// TTL expires cache entries and checkpoints. Zero means no expiry.
	TTL time.Duration
}

// Store implements store.CacheStore and store.CheckpointStore on Redis.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var (
	_ store.CacheStore      = (*Store)(nil)
	_ store.CheckpointStore = (*Store)(nil)
)

// New creates a Redis-backed store.
func New(opts Options) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(client, opts.Prefix, opts.TTL)
}

// NewWithClient wraps an existing client. Useful for testing with miniredis.
func NewWithClient(client *redis.Client, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "workflow:"
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) cacheKey(key string) string {
	return s.prefix + "cache:" + key
}

func (s *Store) checkpointKey(id string) string {
	return s.prefix + "checkpoint:" + id
}

func (s *Store) threadKey(threadID string) string {
	return s.prefix + "thread:" + threadID + ":checkpoints"
}

// --- CacheStore ---

// GetOutput returns the cached entry for key.
func (s *Store) GetOutput(ctx context.Context, key string) (*store.CacheEntry, error) {
	data, err := s.client.Get(ctx, s.cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: cache get: %w", err)
	}
	var entry store.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("redis: cache get: %w", err)
	}
	return &entry, nil
}

// PutOutput stores the entry.
func (s *Store) PutOutput(ctx context.Context, entry *store.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis: cache put: %w", err)
	}
	if err := s.client.Set(ctx, s.cacheKey(entry.Key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: cache put: %w", err)
	}
	return nil
}

// InvalidateOutput removes the entry for key.
func (s *Store) InvalidateOutput(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.cacheKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: cache invalidate: %w", err)
	}
	return nil
}

// --- CheckpointStore ---

// Save stores the checkpoint and indexes it on its thread.
func (s *Store) Save(ctx context.Context, cp *store.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("redis: checkpoint save: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.checkpointKey(cp.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.threadKey(cp.ThreadID), redis.Z{
		Score:  float64(cp.Metadata.CreatedAt.UnixNano()),
		Member: cp.ID,
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.threadKey(cp.ThreadID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: checkpoint save: %w", err)
	}
	return nil
}

// Load returns the checkpoint by id.
func (s *Store) Load(ctx context.Context, id string) (*store.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: checkpoint get: %w", err)
	}
	var cp store.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("redis: checkpoint get: %w", err)
	}
	return &cp, nil
}

// Latest returns the thread's most recent checkpoint.
func (s *Store) Latest(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	ids, err := s.client.ZRevRange(ctx, s.threadKey(threadID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: checkpoint latest: %w", err)
	}
	if len(ids) == 0 {
		return nil, store.ErrNotFound
	}
	return s.Load(ctx, ids[0])
}

// History returns the thread's checkpoints, oldest first.
func (s *Store) History(ctx context.Context, threadID string) ([]*store.Checkpoint, error) {
	ids, err := s.client.ZRange(ctx, s.threadKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: checkpoint history: %w", err)
	}
	out := make([]*store.Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.Load(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			// Expired entry still indexed; skip it.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// DeleteThread removes the thread's checkpoints and index.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	ids, err := s.client.ZRange(ctx, s.threadKey(threadID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis: checkpoint delete thread: %w", err)
	}
	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.checkpointKey(id))
	}
	pipe.Del(ctx, s.threadKey(threadID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: checkpoint delete thread: %w", err)
	}
	return nil
}
