// Package incident stores incident documents keyed by id. Repeated detections
// of the same incident are folded into one document by Upsert.
package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"ot-sentinel/internal/schema"
	"ot-sentinel/internal/storage"
)

// KeyPrefix namespaces incident documents in Redis.
const KeyPrefix = "sec:incident:"

// maxUpsertRetries bounds optimistic-lock retries under contention.
const maxUpsertRetries = 10

// Key returns the document key of an incident.
func Key(id string) string {
	return KeyPrefix + id
}

// Store persists incident documents.
type Store interface {
	// Upsert inserts inc, or merges it into the existing document with the
	// same id (lastSeen advances, count accumulates). It returns the stored
	// document and whether it was created.
	Upsert(ctx context.Context, inc *schema.Incident) (*schema.Incident, bool, error)
	// Get returns the document or an error wrapping storage.ErrNotFound.
	Get(ctx context.Context, id string) (*schema.Incident, error)
	// SetStatus applies an externally driven status transition.
	SetStatus(ctx context.Context, id string, status schema.Status) error
}

// RedisStore keeps each incident as a JSON string under KeyPrefix+id.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed incident store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Upsert merges under WATCH so concurrent detections of the same incident
// never lose a count.
func (s *RedisStore) Upsert(ctx context.Context, inc *schema.Incident) (*schema.Incident, bool, error) {
	key := Key(inc.ID)
	var stored *schema.Incident
	var created bool

	txf := func(tx *redis.Tx) error {
		current, err := s.read(ctx, tx, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			doc := *inc
			stored, created = &doc, true
		case err != nil:
			return err
		default:
			current.Merge(inc)
			stored, created = current, false
		}

		data, err := json.Marshal(stored)
		if err != nil {
			return storage.WrapInvalidData("Upsert", key, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpsertRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return stored, created, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var se *storage.StorageError
		if errors.As(err, &se) {
			return nil, false, err
		}
		return nil, false, storage.WrapQueryError("Upsert", key, err)
	}
	return nil, false, storage.WrapConflict("Upsert", key, maxUpsertRetries)
}

func (s *RedisStore) read(ctx context.Context, c redis.Cmdable, key string) (*schema.Incident, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.WrapNotFoundError("Get", key, key[len(KeyPrefix):])
	}
	if err != nil {
		return nil, storage.WrapQueryError("Get", key, err)
	}

	var inc schema.Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return nil, storage.WrapInvalidData("Get", key, err)
	}
	return &inc, nil
}

// Get reads an incident document.
func (s *RedisStore) Get(ctx context.Context, id string) (*schema.Incident, error) {
	return s.read(ctx, s.client, Key(id))
}

// SetStatus rewrites the document's status.
func (s *RedisStore) SetStatus(ctx context.Context, id string, status schema.Status) error {
	if !status.IsValid() {
		return fmt.Errorf("incident: invalid status %q", status)
	}
	key := Key(id)

	txf := func(tx *redis.Tx) error {
		current, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		current.Status = status
		data, err := json.Marshal(current)
		if err != nil {
			return storage.WrapInvalidData("SetStatus", key, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpsertRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var se *storage.StorageError
		if errors.As(err, &se) {
			return err
		}
		return storage.WrapQueryError("SetStatus", key, err)
	}
	return storage.WrapConflict("SetStatus", key, maxUpsertRetries)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]schema.Incident
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]schema.Incident)}
}

// Upsert inserts or merges.
func (s *MemoryStore) Upsert(_ context.Context, inc *schema.Incident) (*schema.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.docs[inc.ID]
	if !ok {
		s.docs[inc.ID] = *inc
		out := *inc
		return &out, true, nil
	}
	current.Merge(inc)
	s.docs[inc.ID] = current
	out := current
	return &out, false, nil
}

// Get returns a copy of the document.
func (s *MemoryStore) Get(_ context.Context, id string) (*schema.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc, ok := s.docs[id]
	if !ok {
		return nil, storage.WrapNotFoundError("Get", Key(id), id)
	}
	return &inc, nil
}

// SetStatus updates the status.
func (s *MemoryStore) SetStatus(_ context.Context, id string, status schema.Status) error {
	if !status.IsValid() {
		return fmt.Errorf("incident: invalid status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.docs[id]
	if !ok {
		return storage.WrapNotFoundError("SetStatus", Key(id), id)
	}
	inc.Status = status
	s.docs[id] = inc
	return nil
}
