// Package stream provides the append-only, multi-consumer log used for both
// the event stream and the alert stream.
//
// Delivery is at-least-once. A message read through a consumer group stays in
// that group's pending set until it is acknowledged; an unacknowledged message
// is handed out again when the same consumer asks for its pending entries or,
// after ClaimIdle, to another consumer of the group. No deduplication happens
// at this layer.
package stream

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when the log has been closed.
	ErrClosed = errors.New("stream: log closed")

	// ErrNoGroup is returned when reading or acking through a group that was
	// never created.
	ErrNoGroup = errors.New("stream: consumer group does not exist")

	// ErrUnavailable wraps storage failures of the backing transport.
	ErrUnavailable = errors.New("stream: backend unavailable")
)

// Entry is a message read from a stream.
type Entry struct {
	ID     string
	Fields map[string]string
}

// ReadArgs describes a consumer-group read.
type ReadArgs struct {
	Stream   string
	Group    string
	Consumer string
	Count    int
	// Block bounds how long the read waits for new messages. Zero or negative
	// means do not wait.
	Block time.Duration
	// Pending requests redelivery of entries already handed to this consumer
	// but not acknowledged (plus, where supported, entries claimed from
	// consumers idle for longer than the log's claim threshold) instead of
	// new messages.
	Pending bool
}

// Log is an append-only stream store with consumer groups.
type Log interface {
	// EnsureGroup creates the consumer group if it does not exist. Creating
	// a group that already exists is not an error.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Append adds a message and returns its log-assigned id.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// ReadGroup reads messages for a consumer of a group.
	ReadGroup(ctx context.Context, args ReadArgs) ([]Entry, error)

	// Ack removes a message from the group's pending set.
	Ack(ctx context.Context, stream, group, id string) error

	// Close releases resources held by the log.
	Close() error
}
