// Package dedup records idempotency keys for side effects that may be
// replayed when a stream message is redelivered. Keys expire after a
// retention window, bounding the set's size.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces dedup keys in Redis.
const DefaultPrefix = "sec:dedup:"

// DefaultRetention is how long a key is remembered.
const DefaultRetention = 24 * time.Hour

// Set is a bounded-retention set of idempotency keys.
type Set interface {
	// Seen reports whether key was marked and has not expired.
	Seen(ctx context.Context, key string) (bool, error)
	// Mark records key. Marking an existing key refreshes nothing and is
	// not an error.
	Mark(ctx context.Context, key string) error
}

// RedisSet stores keys with SET NX EX.
type RedisSet struct {
	client    redis.Cmdable
	prefix    string
	retention time.Duration
}

// NewRedisSet creates a Redis-backed set.
func NewRedisSet(client redis.Cmdable, prefix string, retention time.Duration) *RedisSet {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisSet{client: client, prefix: prefix, retention: retention}
}

// Seen checks for the key.
func (s *RedisSet) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Mark stores the key if absent.
func (s *RedisSet) Mark(ctx context.Context, key string) error {
	err := s.client.SetNX(ctx, s.prefix+key, time.Now().UTC().Format(time.RFC3339), s.retention).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("dedup: mark %s: %w", key, err)
	}
	return nil
}

// MemorySet is an in-process Set.
type MemorySet struct {
	mu        sync.Mutex
	keys      map[string]time.Time
	retention time.Duration
	now       func() time.Time
}

// NewMemorySet creates an in-memory set.
func NewMemorySet(retention time.Duration) *MemorySet {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemorySet{
		keys:      make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// Seen checks for an unexpired key.
func (s *MemorySet) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.keys[key]
	if !ok {
		return false, nil
	}
	if !s.now().Before(exp) {
		delete(s.keys, key)
		return false, nil
	}
	return true, nil
}

// Mark stores the key if absent or expired.
func (s *MemorySet) Mark(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.keys[key]; ok && now.Before(exp) {
		return nil
	}
	s.keys[key] = now.Add(s.retention)
	return nil
}
