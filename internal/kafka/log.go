package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"ot-sentinel/internal/stream"
)

// batchLinger bounds how long a read waits for more messages once the first
// one of a batch has arrived.
const batchLinger = 50 * time.Millisecond

// Log implements stream.Log on Kafka. Each stream key maps to a topic and each
// consumer group to a Kafka consumer group. Acknowledging a message commits
// its offset; fetched but uncommitted messages are this consumer's pending
// entries. Commits are cumulative per partition, so entries must be acked in
// the order they were read.
type Log struct {
	config *Config
	admin  *Admin
	writer *kafka.Writer
	logger *slog.Logger

	mu      sync.Mutex
	readers map[readerKey]*groupReader
	closed  atomic.Bool
}

type readerKey struct {
	stream   string
	group    string
	consumer string
}

type groupReader struct {
	reader   *kafka.Reader
	pending  *pendingSet
	commitMu sync.Mutex
}

// NewLog creates a Kafka-backed stream log.
func NewLog(config *Config, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}

	admin, err := NewAdmin(config, logger)
	if err != nil {
		return nil, err
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: config.ProducerBatchTimeout,
		MaxAttempts:  config.ProducerMaxRetries + 1,
		WriteTimeout: config.WriteTimeout,
		ReadTimeout:  config.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.GetCompression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka stream log initialized",
		"brokers", config.Brokers,
		"topic_prefix", config.TopicPrefix,
		"compression", config.CompressionType,
	)

	return &Log{
		config:  config,
		admin:   admin,
		writer:  writer,
		logger:  logger,
		readers: make(map[readerKey]*groupReader),
	}, nil
}

// EnsureGroup makes sure the stream's topic exists. Kafka creates consumer
// groups on first join, so there is nothing else to set up.
func (l *Log) EnsureGroup(ctx context.Context, streamKey, group string) error {
	if l.closed.Load() {
		return stream.ErrClosed
	}
	if err := l.admin.EnsureTopic(ctx, l.config.TopicFor(streamKey)); err != nil {
		return fmt.Errorf("%w: %v", stream.ErrUnavailable, err)
	}
	return nil
}

// Append writes one message whose value is the JSON-encoded field map.
// Kafka does not return the offset to producers, so the returned id is the
// topic name plus write time; consumers see "<partition>-<offset>" ids.
func (l *Log) Append(ctx context.Context, streamKey string, fields map[string]string) (string, error) {
	if l.closed.Load() {
		return "", stream.ErrClosed
	}

	value, err := EncodeFields(fields)
	if err != nil {
		return "", err
	}

	now := time.Now()
	topic := l.config.TopicFor(streamKey)
	if err := l.writeWithRetry(ctx, kafka.Message{Topic: topic, Value: value, Time: now}); err != nil {
		return "", fmt.Errorf("%w: %v", stream.ErrUnavailable, err)
	}
	return topic + "@" + strconv.FormatInt(now.UnixNano(), 10), nil
}

func (l *Log) writeWithRetry(ctx context.Context, msg kafka.Message) error {
	var lastErr error
	backoff := l.config.ProducerRetryBackoff

	for attempt := 0; attempt <= l.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			l.logger.Debug("retrying kafka produce", "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := l.writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err

		l.logger.Warn("kafka produce failed",
			"error", err,
			"topic", msg.Topic,
			"attempt", attempt+1,
		)
		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", l.config.ProducerMaxRetries+1, lastErr)
}

// ReadGroup fetches up to args.Count messages, or returns this consumer's
// fetched but uncommitted messages when args.Pending is set.
func (l *Log) ReadGroup(ctx context.Context, args stream.ReadArgs) ([]stream.Entry, error) {
	if l.closed.Load() {
		return nil, stream.ErrClosed
	}

	gr := l.reader(args)
	count := args.Count
	if count <= 0 {
		count = 1
	}

	if args.Pending {
		return gr.pending.list(count), nil
	}

	wait := args.Block
	if wait <= 0 {
		wait = batchLinger
	}

	var out []stream.Entry
	for len(out) < count {
		fetchCtx, cancel := context.WithTimeout(ctx, wait)
		msg, err := gr.reader.FetchMessage(fetchCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return out, nil
			}
			if len(out) > 0 {
				return out, nil
			}
			return nil, fmt.Errorf("%w: fetch %s: %v", stream.ErrUnavailable, l.config.TopicFor(args.Stream), err)
		}

		entry, err := toEntry(msg)
		if err != nil {
			// Undecodable values are still handed out so the consumer can
			// drop them as poison and commit past them.
			l.logger.Warn("kafka message value is not a field map",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
		gr.pending.add(entry.ID, msg, entry)
		out = append(out, entry)
		wait = batchLinger
	}
	return out, nil
}

// Ack marks a fetched message processed. Its offset is committed once every
// earlier message fetched on the same partition has been acked.
func (l *Log) Ack(ctx context.Context, streamKey, group, id string) error {
	if l.closed.Load() {
		return stream.ErrClosed
	}

	l.mu.Lock()
	var matches []*groupReader
	for key, gr := range l.readers {
		if key.stream == streamKey && key.group == group {
			matches = append(matches, gr)
		}
	}
	l.mu.Unlock()

	for _, gr := range matches {
		if found, err := gr.commit(ctx, id); found {
			if err != nil {
				return fmt.Errorf("%w: commit %s %s: %v", stream.ErrUnavailable, streamKey, id, err)
			}
			return nil
		}
	}
	return nil
}

// commit acks id in the reader's pending set and commits the partition
// watermark if it moved. A failed commit leaves the messages acked, and the
// next ack on the partition commits them.
func (gr *groupReader) commit(ctx context.Context, id string) (bool, error) {
	gr.commitMu.Lock()
	defer gr.commitMu.Unlock()

	msg, covered, found := gr.pending.ack(id)
	if !found {
		return false, nil
	}
	if len(covered) == 0 {
		return true, nil
	}
	if err := gr.reader.CommitMessages(ctx, msg); err != nil {
		return true, err
	}
	gr.pending.remove(covered)
	return true, nil
}

func (l *Log) reader(args stream.ReadArgs) *groupReader {
	key := readerKey{stream: args.Stream, group: args.Group, consumer: args.Consumer}

	l.mu.Lock()
	defer l.mu.Unlock()

	if gr, ok := l.readers[key]; ok {
		return gr
	}

	dialer, _ := l.config.GetDialer()
	logger := l.logger.With("stream", args.Stream, "group", args.Group, "consumer", args.Consumer)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           l.config.Brokers,
		GroupID:           l.config.GroupFor(args.Group),
		Topic:             l.config.TopicFor(args.Stream),
		Dialer:            dialer,
		MinBytes:          l.config.ConsumerMinBytes,
		MaxBytes:          l.config.ConsumerMaxBytes,
		MaxWait:           l.config.ConsumerMaxWait,
		CommitInterval:    0, // synchronous commits: an ack is durable when Ack returns
		StartOffset:       l.config.StartOffset,
		HeartbeatInterval: l.config.HeartbeatInterval,
		SessionTimeout:    l.config.SessionTimeout,
		RebalanceTimeout:  l.config.RebalanceTimeout,
		ReadBackoffMin:    100 * time.Millisecond,
		ReadBackoffMax:    time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	gr := &groupReader{reader: reader, pending: newPendingSet()}
	l.readers[key] = gr
	return gr
}

// HealthCheck reports cluster reachability.
func (l *Log) HealthCheck(ctx context.Context) HealthStatus {
	return l.admin.HealthCheck(ctx)
}

// Close closes every reader and the writer.
func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for key, gr := range l.readers {
		if err := gr.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("reader %s/%s: %w", key.stream, key.group, err))
		}
	}
	if err := l.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("writer: %w", err))
	}
	return errors.Join(errs...)
}

// MessageID formats the stream id of a Kafka message.
func MessageID(partition int, offset int64) string {
	return strconv.Itoa(partition) + "-" + strconv.FormatInt(offset, 10)
}

// ParseMessageID splits an id produced by MessageID.
func ParseMessageID(id string) (partition int, offset int64, err error) {
	p, o, ok := strings.Cut(id, "-")
	if !ok {
		return 0, 0, fmt.Errorf("kafka: malformed message id %q", id)
	}
	if partition, err = strconv.Atoi(p); err != nil {
		return 0, 0, fmt.Errorf("kafka: malformed partition in %q: %w", id, err)
	}
	if offset, err = strconv.ParseInt(o, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("kafka: malformed offset in %q: %w", id, err)
	}
	return partition, offset, nil
}

// EncodeFields serializes a stream field map into a message value.
func EncodeFields(fields map[string]string) ([]byte, error) {
	if fields == nil {
		fields = map[string]string{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to marshal fields: %w", err)
	}
	return data, nil
}

// DecodeFields parses a message value produced by EncodeFields.
func DecodeFields(value []byte) (map[string]string, error) {
	fields := make(map[string]string)
	if err := json.Unmarshal(value, &fields); err != nil {
		return nil, fmt.Errorf("kafka: invalid message value: %w", err)
	}
	return fields, nil
}

func toEntry(msg kafka.Message) (stream.Entry, error) {
	entry := stream.Entry{ID: MessageID(msg.Partition, msg.Offset)}
	fields, err := DecodeFields(msg.Value)
	if err != nil {
		entry.Fields = map[string]string{}
		return entry, err
	}
	entry.Fields = fields
	return entry, nil
}

// isNonRetryableError checks if an error should not be retried.
func isNonRetryableError(err error) bool {
	switch {
	case errors.Is(err, kafka.MessageSizeTooLarge),
		errors.Is(err, kafka.InvalidTopic),
		errors.Is(err, kafka.TopicAuthorizationFailed),
		errors.Is(err, kafka.ClusterAuthorizationFailed):
		return true
	}
	return false
}

// pendingSet tracks messages fetched by one consumer and not yet committed,
// in fetch order. Kafka commits are cumulative per partition, so an acked
// message is only committed once every message fetched before it on the
// same partition has been acked too.
type pendingSet struct {
	mu    sync.Mutex
	order []string
	items map[string]*pendingItem
}

type pendingItem struct {
	msg   kafka.Message
	entry stream.Entry
	acked bool
}

func newPendingSet() *pendingSet {
	return &pendingSet{items: make(map[string]*pendingItem)}
}

func (p *pendingSet) add(id string, msg kafka.Message, entry stream.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.items[id]; !ok {
		p.order = append(p.order, id)
	}
	p.items[id] = &pendingItem{msg: msg, entry: entry}
}

// list returns up to count entries that have not been acked yet.
func (p *pendingSet) list(count int) []stream.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]stream.Entry, 0, min(count, len(p.order)))
	for _, id := range p.order {
		if len(out) == count {
			break
		}
		if it := p.items[id]; !it.acked {
			out = append(out, it.entry)
		}
	}
	return out
}

// ack marks id acked and returns the message whose commit advances its
// partition's watermark, along with the ids that commit covers. covered is
// empty while an earlier message on the partition is still unacked. found
// reports whether id was pending at all.
func (p *pendingSet) ack(id string) (commit kafka.Message, covered []string, found bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	it, ok := p.items[id]
	if !ok {
		return kafka.Message{}, nil, false
	}
	it.acked = true

	partition := it.msg.Partition
	for _, o := range p.order {
		cur := p.items[o]
		if cur.msg.Partition != partition {
			continue
		}
		if !cur.acked {
			break
		}
		commit = cur.msg
		covered = append(covered, o)
	}
	return commit, covered, true
}

// remove drops committed ids.
func (p *pendingSet) remove(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		delete(p.items, id)
		drop[id] = struct{}{}
	}
	kept := p.order[:0]
	for _, o := range p.order {
		if _, ok := drop[o]; !ok {
			kept = append(kept, o)
		}
	}
	p.order = kept
}

// size counts fetched messages that are not committed yet, acked or not.
func (p *pendingSet) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
