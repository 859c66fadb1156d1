package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLog(t *testing.T) Log {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLog(client)
}

// logFactories lists every implementation exercised by the shared tests.
var logFactories = map[string]func(t *testing.T) Log{
	"memory": func(t *testing.T) Log { return NewMemoryLog() },
	"redis":  newRedisLog,
}

func forEachLog(t *testing.T, fn func(t *testing.T, l Log)) {
	for name, factory := range logFactories {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			defer l.Close()
			fn(t, l)
		})
	}
}

func readNew(t *testing.T, l Log, consumer string) []Entry {
	t.Helper()
	entries, err := l.ReadGroup(context.Background(), ReadArgs{
		Stream: "sec:events", Group: "cg:rules", Consumer: consumer, Count: 10,
	})
	if err != nil {
		t.Fatalf("ReadGroup() error = %v", err)
	}
	return entries
}

func readPending(t *testing.T, l Log, consumer string) []Entry {
	t.Helper()
	entries, err := l.ReadGroup(context.Background(), ReadArgs{
		Stream: "sec:events", Group: "cg:rules", Consumer: consumer, Count: 10, Pending: true,
	})
	if err != nil {
		t.Fatalf("ReadGroup(pending) error = %v", err)
	}
	return entries
}

func TestEnsureGroupIdempotent(t *testing.T) {
	forEachLog(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if err := l.EnsureGroup(ctx, "sec:events", "cg:rules"); err != nil {
				t.Fatalf("EnsureGroup() call %d error = %v", i, err)
			}
		}
	})
}

func TestAppendReadAck(t *testing.T) {
	forEachLog(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		if err := l.EnsureGroup(ctx, "sec:events", "cg:rules"); err != nil {
			t.Fatal(err)
		}

		id1, err := l.Append(ctx, "sec:events", map[string]string{"data": "one"})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		id2, err := l.Append(ctx, "sec:events", map[string]string{"data": "two"})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if id1 == id2 {
			t.Fatalf("expected distinct ids, got %s twice", id1)
		}

		entries := readNew(t, l, "rules-1")
		if len(entries) != 2 {
			t.Fatalf("got %d entries, want 2", len(entries))
		}
		if entries[0].ID != id1 || entries[1].ID != id2 {
			t.Errorf("order = [%s %s], want [%s %s]", entries[0].ID, entries[1].ID, id1, id2)
		}
		if entries[0].Fields["data"] != "one" {
			t.Errorf("fields = %v", entries[0].Fields)
		}

		for _, e := range entries {
			if err := l.Ack(ctx, "sec:events", "cg:rules", e.ID); err != nil {
				t.Fatalf("Ack() error = %v", err)
			}
		}

		if got := readNew(t, l, "rules-1"); len(got) != 0 {
			t.Errorf("acked messages delivered again: %v", got)
		}
		if got := readPending(t, l, "rules-1"); len(got) != 0 {
			t.Errorf("acked messages still pending: %v", got)
		}
	})
}

func TestUnackedRedeliveredToReplacedConsumer(t *testing.T) {
	forEachLog(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		if err := l.EnsureGroup(ctx, "sec:events", "cg:rules"); err != nil {
			t.Fatal(err)
		}
		id, err := l.Append(ctx, "sec:events", map[string]string{"data": "x"})
		if err != nil {
			t.Fatal(err)
		}

		if got := readNew(t, l, "rules-1"); len(got) != 1 {
			t.Fatalf("got %d entries, want 1", len(got))
		}

		// The consumer "crashes" before acking; a new instance with the same
		// name only sees the message through its pending entries.
		if got := readNew(t, l, "rules-1"); len(got) != 0 {
			t.Fatalf("unacked message delivered as new: %v", got)
		}

		pending := readPending(t, l, "rules-1")
		if len(pending) != 1 || pending[0].ID != id {
			t.Fatalf("pending = %v, want [%s]", pending, id)
		}
		if pending[0].Fields["data"] != "x" {
			t.Errorf("pending fields = %v", pending[0].Fields)
		}

		if err := l.Ack(ctx, "sec:events", "cg:rules", id); err != nil {
			t.Fatal(err)
		}
		if got := readPending(t, l, "rules-1"); len(got) != 0 {
			t.Errorf("pending after ack = %v", got)
		}
	})
}

func TestGroupStartsAtEnd(t *testing.T) {
	forEachLog(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		if _, err := l.Append(ctx, "sec:events", map[string]string{"data": "before"}); err != nil {
			t.Fatal(err)
		}
		if err := l.EnsureGroup(ctx, "sec:events", "cg:rules"); err != nil {
			t.Fatal(err)
		}
		if _, err := l.Append(ctx, "sec:events", map[string]string{"data": "after"}); err != nil {
			t.Fatal(err)
		}

		entries := readNew(t, l, "rules-1")
		if len(entries) != 1 || entries[0].Fields["data"] != "after" {
			t.Errorf("entries = %v, want only the message appended after group creation", entries)
		}
	})
}

func TestGroupsAreIndependent(t *testing.T) {
	forEachLog(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		for _, g := range []string{"cg:rules", "cg:audit"} {
			if err := l.EnsureGroup(ctx, "sec:events", g); err != nil {
				t.Fatal(err)
			}
		}
		id, err := l.Append(ctx, "sec:events", map[string]string{"data": "x"})
		if err != nil {
			t.Fatal(err)
		}

		if got := readNew(t, l, "rules-1"); len(got) != 1 {
			t.Fatalf("cg:rules got %d entries", len(got))
		}
		if err := l.Ack(ctx, "sec:events", "cg:rules", id); err != nil {
			t.Fatal(err)
		}

		other, err := l.ReadGroup(ctx, ReadArgs{
			Stream: "sec:events", Group: "cg:audit", Consumer: "audit-1", Count: 10,
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(other) != 1 || other[0].ID != id {
			t.Errorf("cg:audit entries = %v, want [%s]", other, id)
		}
	})
}

func TestCountLimitsBatch(t *testing.T) {
	forEachLog(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		if err := l.EnsureGroup(ctx, "sec:events", "cg:rules"); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 5; i++ {
			if _, err := l.Append(ctx, "sec:events", map[string]string{"n": "x"}); err != nil {
				t.Fatal(err)
			}
		}

		entries, err := l.ReadGroup(ctx, ReadArgs{
			Stream: "sec:events", Group: "cg:rules", Consumer: "rules-1", Count: 2,
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 2 {
			t.Errorf("got %d entries, want 2", len(entries))
		}
	})
}

func TestMemoryLog_ReadWithoutGroup(t *testing.T) {
	l := NewMemoryLog()
	_, err := l.ReadGroup(context.Background(), ReadArgs{Stream: "s", Group: "g", Consumer: "c"})
	if !errors.Is(err, ErrNoGroup) {
		t.Errorf("error = %v, want ErrNoGroup", err)
	}
}

func TestMemoryLog_BlockingReadWakesOnAppend(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()
	if err := l.EnsureGroup(ctx, "s", "g"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var got []Entry
	var readErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, readErr = l.ReadGroup(ctx, ReadArgs{
			Stream: "s", Group: "g", Consumer: "c", Count: 1, Block: 5 * time.Second,
		})
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := l.Append(ctx, "s", map[string]string{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	if readErr != nil {
		t.Fatalf("ReadGroup() error = %v", readErr)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
}

func TestMemoryLog_BlockTimesOut(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()
	if err := l.EnsureGroup(ctx, "s", "g"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	got, err := l.ReadGroup(ctx, ReadArgs{
		Stream: "s", Group: "g", Consumer: "c", Count: 1, Block: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("ReadGroup() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want nothing", got)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("read returned before the block timeout")
	}
}

func TestMemoryLog_BlockHonorsContext(t *testing.T) {
	l := NewMemoryLog()
	if err := l.EnsureGroup(context.Background(), "s", "g"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := l.ReadGroup(ctx, ReadArgs{
		Stream: "s", Group: "g", Consumer: "c", Count: 1, Block: time.Minute,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestMemoryLog_ClaimIdle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := NewMemoryLog(WithClaimIdle(time.Minute), WithClock(clock))
	ctx := context.Background()

	if err := l.EnsureGroup(ctx, "s", "g"); err != nil {
		t.Fatal(err)
	}
	id, _ := l.Append(ctx, "s", map[string]string{"k": "v"})

	if got, _ := l.ReadGroup(ctx, ReadArgs{Stream: "s", Group: "g", Consumer: "dead", Count: 1}); len(got) != 1 {
		t.Fatalf("first read got %d entries", len(got))
	}

	// Not idle long enough yet.
	got, _ := l.ReadGroup(ctx, ReadArgs{Stream: "s", Group: "g", Consumer: "alive", Count: 1, Pending: true})
	if len(got) != 0 {
		t.Fatalf("claimed too early: %v", got)
	}

	now = now.Add(2 * time.Minute)
	got, _ = l.ReadGroup(ctx, ReadArgs{Stream: "s", Group: "g", Consumer: "alive", Count: 1, Pending: true})
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("claimed = %v, want [%s]", got, id)
	}

	// Ownership moved: the dead consumer no longer sees it as its own.
	got, _ = l.ReadGroup(ctx, ReadArgs{Stream: "s", Group: "g", Consumer: "dead", Count: 1, Pending: true})
	if len(got) != 0 {
		t.Errorf("original consumer still owns claimed entry: %v", got)
	}
}

func TestMemoryLog_Inspection(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()
	_ = l.EnsureGroup(ctx, "s", "g")
	_, _ = l.Append(ctx, "s", map[string]string{"k": "1"})
	_, _ = l.Append(ctx, "s", map[string]string{"k": "2"})
	_, _ = l.ReadGroup(ctx, ReadArgs{Stream: "s", Group: "g", Consumer: "c", Count: 10})

	if n := l.Len("s"); n != 2 {
		t.Errorf("Len() = %d, want 2", n)
	}
	if n := l.PendingCount("s", "g"); n != 2 {
		t.Errorf("PendingCount() = %d, want 2", n)
	}
	if n := len(l.Entries("s")); n != 2 {
		t.Errorf("Entries() len = %d, want 2", n)
	}
}

func TestMemoryLog_Closed(t *testing.T) {
	l := NewMemoryLog()
	l.Close()

	if _, err := l.Append(context.Background(), "s", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Append() error = %v, want ErrClosed", err)
	}
	if err := l.EnsureGroup(context.Background(), "s", "g"); !errors.Is(err, ErrClosed) {
		t.Errorf("EnsureGroup() error = %v, want ErrClosed", err)
	}
}
