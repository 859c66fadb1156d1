package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLog is a Log backed by Redis Streams.
type RedisLog struct {
	client redis.UniversalClient

	// claimIdle, when positive, lets pending reads take over entries other
	// consumers of the group have held for at least this long (XAUTOCLAIM).
	claimIdle time.Duration
}

// RedisOption configures a RedisLog.
type RedisOption func(*RedisLog)

// WithRedisClaimIdle enables claiming stale pending entries from other
// consumers during pending reads.
func WithRedisClaimIdle(d time.Duration) RedisOption {
	return func(l *RedisLog) { l.claimIdle = d }
}

// NewRedisLog wraps an open client. The caller keeps ownership of the client;
// Close on the log does not close it.
func NewRedisLog(client redis.UniversalClient, opts ...RedisOption) *RedisLog {
	l := &RedisLog{client: client}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EnsureGroup runs XGROUP CREATE ... $ MKSTREAM, treating BUSYGROUP as success.
func (l *RedisLog) EnsureGroup(ctx context.Context, stream, group string) error {
	err := l.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create group %s on %s: %v", ErrUnavailable, group, stream, err)
	}
	return nil
}

// Append runs XADD with an auto-generated id.
func (l *RedisLog) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: xadd %s: %v", ErrUnavailable, stream, err)
	}
	return id, nil
}

// ReadGroup runs XREADGROUP with ">" for new messages, or "0" for this
// consumer's pending entries. Pending reads also claim stale entries when
// claim idle is configured.
func (l *RedisLog) ReadGroup(ctx context.Context, args ReadArgs) ([]Entry, error) {
	count := int64(args.Count)
	if count <= 0 {
		count = 1
	}

	if args.Pending {
		return l.readPending(ctx, args, count)
	}

	// go-redis sends BLOCK 0 (wait forever) for a zero duration; a negative
	// value omits BLOCK entirely.
	block := args.Block
	if block <= 0 {
		block = -1
	}

	res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  []string{args.Stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		return nil, l.readError(ctx, args, err)
	}
	return flatten(res), nil
}

func (l *RedisLog) readPending(ctx context.Context, args ReadArgs, count int64) ([]Entry, error) {
	res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  []string{args.Stream, "0"},
		Count:    count,
		Block:    -1,
	}).Result()
	if err != nil {
		return nil, l.readError(ctx, args, err)
	}

	entries := flatten(res)
	if len(entries) > 0 || l.claimIdle <= 0 {
		return entries, nil
	}

	claimed, _, err := l.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   args.Stream,
		Group:    args.Group,
		Consumer: args.Consumer,
		MinIdle:  l.claimIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, l.readError(ctx, args, err)
	}
	return toEntries(claimed), nil
}

func (l *RedisLog) readError(ctx context.Context, args ReadArgs, err error) error {
	switch {
	case errors.Is(err, redis.Nil):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case strings.HasPrefix(err.Error(), "NOGROUP"):
		return fmt.Errorf("%w: %s on %s", ErrNoGroup, args.Group, args.Stream)
	default:
		return fmt.Errorf("%w: xreadgroup %s: %v", ErrUnavailable, args.Stream, err)
	}
}

// Ack runs XACK.
func (l *RedisLog) Ack(ctx context.Context, stream, group, id string) error {
	if err := l.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("%w: xack %s %s: %v", ErrUnavailable, stream, id, err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (l *RedisLog) Close() error {
	return nil
}

func flatten(streams []redis.XStream) []Entry {
	var out []Entry
	for _, s := range streams {
		out = append(out, toEntries(s.Messages)...)
	}
	return out
}

func toEntries(msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		// Entries trimmed from the stream come back with no values; they are
		// still returned so the consumer can ack them away.
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			switch val := v.(type) {
			case string:
				fields[k] = val
			default:
				fields[k] = fmt.Sprint(val)
			}
		}
		out = append(out, Entry{ID: m.ID, Fields: fields})
	}
	return out
}
