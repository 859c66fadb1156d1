package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Thread locates the root Slack message posted for an incident.
type Thread struct {
	ChannelID string `json:"channelId"`
	TS        string `json:"ts"`
	// Target is the channel as named in the action descriptor.
	Target string `json:"target,omitempty"`
}

// ThreadStore remembers the root message of each incident so later
// notifications reply in its thread.
type ThreadStore interface {
	// Get returns nil when no thread exists.
	Get(ctx context.Context, incidentID string) (*Thread, error)
	Save(ctx context.Context, incidentID string, t Thread) error
}

// ThreadKey returns the Redis key of an incident's thread record.
func ThreadKey(incidentID string) string {
	return "sec:incident:" + incidentID + ":slack"
}

// RedisThreadStore keeps thread records as JSON strings.
type RedisThreadStore struct {
	client redis.Cmdable
}

// NewRedisThreadStore creates a Redis-backed thread store.
func NewRedisThreadStore(client redis.Cmdable) *RedisThreadStore {
	return &RedisThreadStore{client: client}
}

// Get reads the thread record.
func (s *RedisThreadStore) Get(ctx context.Context, incidentID string) (*Thread, error) {
	data, err := s.client.Get(ctx, ThreadKey(incidentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get slack thread %s: %w", incidentID, err)
	}

	var t Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode slack thread %s: %w", incidentID, err)
	}
	return &t, nil
}

// Save writes the thread record.
func (s *RedisThreadStore) Save(ctx context.Context, incidentID string, t Thread) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, ThreadKey(incidentID), data, 0).Err(); err != nil {
		return fmt.Errorf("save slack thread %s: %w", incidentID, err)
	}
	return nil
}

// MemoryThreadStore is an in-process ThreadStore.
type MemoryThreadStore struct {
	mu      sync.Mutex
	threads map[string]Thread
}

// NewMemoryThreadStore creates an empty store.
func NewMemoryThreadStore() *MemoryThreadStore {
	return &MemoryThreadStore{threads: make(map[string]Thread)}
}

// Get returns the thread or nil.
func (s *MemoryThreadStore) Get(_ context.Context, incidentID string) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[incidentID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// Save stores the thread.
func (s *MemoryThreadStore) Save(_ context.Context, incidentID string, t Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.threads[incidentID] = t
	return nil
}
