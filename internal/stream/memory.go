package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLog is an in-process Log. It mirrors Redis Streams consumer-group
// semantics closely enough to run the whole pipeline without external
// services (tests, local development).
type MemoryLog struct {
	mu        sync.Mutex
	streams   map[string]*memStream
	closed    bool
	claimIdle time.Duration
	now       func() time.Time

	// signal is closed and replaced on every append to wake blocked readers.
	signal chan struct{}
}

type memStream struct {
	entries []Entry
	seq     uint64
	groups  map[string]*memGroup
}

type memGroup struct {
	// next is the index of the first entry not yet delivered to the group.
	next    int
	pending map[string]*pendingEntry
}

type pendingEntry struct {
	index       int
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

// MemoryOption configures a MemoryLog.
type MemoryOption func(*MemoryLog)

// WithClaimIdle lets a consumer reading its pending entries also claim
// entries that have sat unacknowledged with another consumer for at least d.
func WithClaimIdle(d time.Duration) MemoryOption {
	return func(l *MemoryLog) { l.claimIdle = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLog) { l.now = now }
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog(opts ...MemoryOption) *MemoryLog {
	l := &MemoryLog{
		streams: make(map[string]*memStream),
		now:     time.Now,
		signal:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLog) stream(name string) *memStream {
	s, ok := l.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		l.streams[name] = s
	}
	return s
}

// EnsureGroup creates the group positioned at the end of the stream, so only
// messages appended afterwards are delivered.
func (l *MemoryLog) EnsureGroup(_ context.Context, stream, group string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	s := l.stream(stream)
	if _, ok := s.groups[group]; ok {
		return nil
	}
	s.groups[group] = &memGroup{
		next:    len(s.entries),
		pending: make(map[string]*pendingEntry),
	}
	return nil
}

// Append adds a message. Ids have the Redis "<millis>-<seq>" shape.
func (l *MemoryLog) Append(_ context.Context, stream string, fields map[string]string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", ErrClosed
	}

	s := l.stream(stream)
	s.seq++
	id := fmt.Sprintf("%d-%d", l.now().UnixMilli(), s.seq)

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.entries = append(s.entries, Entry{ID: id, Fields: copied})

	close(l.signal)
	l.signal = make(chan struct{})
	return id, nil
}

// ReadGroup reads new messages, or pending ones when args.Pending is set.
func (l *MemoryLog) ReadGroup(ctx context.Context, args ReadArgs) ([]Entry, error) {
	count := args.Count
	if count <= 0 {
		count = 1
	}

	var deadline time.Time
	if args.Block > 0 {
		deadline = time.Now().Add(args.Block)
	}

	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, ErrClosed
		}

		s, ok := l.streams[args.Stream]
		if !ok {
			l.mu.Unlock()
			return nil, ErrNoGroup
		}
		g, ok := s.groups[args.Group]
		if !ok {
			l.mu.Unlock()
			return nil, ErrNoGroup
		}

		if args.Pending {
			out := l.readPendingLocked(s, g, args.Consumer, count)
			l.mu.Unlock()
			return out, nil
		}

		if out := l.readNewLocked(s, g, args.Consumer, count); len(out) > 0 {
			l.mu.Unlock()
			return out, nil
		}

		wake := l.signal
		l.mu.Unlock()

		if deadline.IsZero() {
			return nil, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (l *MemoryLog) readNewLocked(s *memStream, g *memGroup, consumer string, count int) []Entry {
	now := l.now()
	var out []Entry
	for g.next < len(s.entries) && len(out) < count {
		e := s.entries[g.next]
		g.pending[e.ID] = &pendingEntry{
			index:       g.next,
			consumer:    consumer,
			deliveredAt: now,
			deliveries:  1,
		}
		out = append(out, e)
		g.next++
	}
	return out
}

func (l *MemoryLog) readPendingLocked(s *memStream, g *memGroup, consumer string, count int) []Entry {
	now := l.now()

	var owned []*pendingEntry
	for _, p := range g.pending {
		mine := p.consumer == consumer
		stale := l.claimIdle > 0 && now.Sub(p.deliveredAt) >= l.claimIdle
		if mine || stale {
			owned = append(owned, p)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].index < owned[j].index })

	if len(owned) > count {
		owned = owned[:count]
	}

	out := make([]Entry, 0, len(owned))
	for _, p := range owned {
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		out = append(out, s.entries[p.index])
	}
	return out
}

// Ack removes id from the group's pending set. Acking an unknown id is a
// no-op, as in Redis.
func (l *MemoryLog) Ack(_ context.Context, stream, group, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	s, ok := l.streams[stream]
	if !ok {
		return ErrNoGroup
	}
	g, ok := s.groups[group]
	if !ok {
		return ErrNoGroup
	}
	delete(g.pending, id)
	return nil
}

// Len returns the number of entries in a stream.
func (l *MemoryLog) Len(stream string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.streams[stream]; ok {
		return len(s.entries)
	}
	return 0
}

// PendingCount returns the number of unacknowledged entries of a group.
func (l *MemoryLog) PendingCount(stream, group string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.streams[stream]; ok {
		if g, ok := s.groups[group]; ok {
			return len(g.pending)
		}
	}
	return 0
}

// Entries returns a copy of all entries of a stream.
func (l *MemoryLog) Entries(stream string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.streams[stream]
	if !ok {
		return nil
	}
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Close wakes blocked readers and rejects further calls.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	close(l.signal)
	return nil
}
