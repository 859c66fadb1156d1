package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis key holding the ruleset as a JSON array.
const DefaultKey = "sec:rules"

// Source loads a complete ruleset.
type Source interface {
	Load(ctx context.Context) ([]Rule, error)
}

// Store serves an immutable snapshot of the ruleset. The snapshot is read
// once at startup and replaced wholesale on Refresh; evaluations in flight
// keep the snapshot they started with.
type Store struct {
	source Source
	rules  atomic.Pointer[[]Rule]
}

// NewStore loads the initial snapshot. A failure here means the worker cannot
// start.
func NewStore(ctx context.Context, source Source) (*Store, error) {
	s := &Store{source: source}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Rules returns the current snapshot. Callers must not modify it.
func (s *Store) Rules() []Rule {
	if p := s.rules.Load(); p != nil {
		return *p
	}
	return nil
}

// Refresh reloads the ruleset from the source. On error the previous
// snapshot stays in place.
func (s *Store) Refresh(ctx context.Context) error {
	set, err := s.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("rules: load: %w", err)
	}
	s.rules.Store(&set)
	slog.Info("rules loaded", "count", len(set))
	return nil
}

// RedisSource reads the ruleset from a Redis string key.
type RedisSource struct {
	client redis.Cmdable
	key    string
}

// NewRedisSource creates a source reading key (DefaultKey when empty).
func NewRedisSource(client redis.Cmdable, key string) *RedisSource {
	if key == "" {
		key = DefaultKey
	}
	return &RedisSource{client: client, key: key}
}

// Load reads and parses the ruleset. A missing key is an empty ruleset.
func (s *RedisSource) Load(ctx context.Context) ([]Rule, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []Rule{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.key, err)
	}
	return Parse(data)
}

// Save validates and replaces the stored ruleset.
func (s *RedisSource) Save(ctx context.Context, set []Rule) error {
	if err := ValidateSet(set); err != nil {
		return err
	}
	data, err := Marshal(set)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", s.key, err)
	}
	return nil
}

// FileSource reads the ruleset from a JSON or YAML file.
type FileSource struct {
	Path string
}

// Load reads and parses the file.
func (s FileSource) Load(_ context.Context) ([]Rule, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	set, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	return set, nil
}

// StaticSource serves a fixed ruleset.
type StaticSource []Rule

// Load returns the rules.
func (s StaticSource) Load(context.Context) ([]Rule, error) {
	return []Rule(s), nil
}
