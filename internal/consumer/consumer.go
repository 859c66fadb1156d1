// Package consumer runs consumer-group poll loops over a stream.
//
// Each worker first drains the entries it already holds (its pending set),
// then switches to new messages. A message is acknowledged only after its
// handler returned; a failing handler stops the batch and the worker backs
// off, so the failed message and everything after it are delivered again.
// Messages that can never be processed are logged, acknowledged and dropped.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ot-sentinel/internal/metrics"
	"ot-sentinel/internal/schema"
	"ot-sentinel/internal/stream"
)

// Handler processes one decoded message. Returning an error wrapping
// schema.ErrInvalidPayload drops the message; any other error leaves it
// unacknowledged for redelivery.
type Handler interface {
	Handle(ctx context.Context, id string, msg schema.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, id string, msg schema.Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, id string, msg schema.Message) error {
	return f(ctx, id, msg)
}

// Quarantiner keeps a copy of messages that are dropped as invalid.
type Quarantiner interface {
	Quarantine(ctx context.Context, stream string, e stream.Entry, reason error) error
}

// Config holds the consumer configuration.
type Config struct {
	// Name labels logs and metrics ("rules", "actions").
	Name     string `yaml:"name"`
	Stream   string `yaml:"stream" validate:"required"`
	Group    string `yaml:"group" validate:"required"`
	Consumer string `yaml:"consumer" validate:"required"`

	Count        int           `yaml:"count" validate:"min=1"`
	Block        time.Duration `yaml:"block"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	Workers      int           `yaml:"workers" validate:"min=1"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Count:        50,
		Block:        5 * time.Second,
		RetryDelay:   5 * time.Second,
		Workers:      1,
		ShutdownWait: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Stream == "":
		return errors.New("consumer: stream is required")
	case c.Group == "":
		return errors.New("consumer: group is required")
	case c.Consumer == "":
		return errors.New("consumer: consumer name is required")
	case c.Count < 1:
		return errors.New("consumer: count must be at least 1")
	case c.Workers < 1:
		return errors.New("consumer: workers must be at least 1")
	}
	return nil
}

// Consumer reads a stream through a consumer group and hands each message to
// a Handler.
type Consumer struct {
	log     stream.Log
	decoder *schema.Decoder
	handler Handler
	config  Config
	quarant Quarantiner

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	// Metrics
	consumed uint64
	dropped  uint64
	errors   uint64
}

// New creates a new Consumer.
func New(log stream.Log, decoder *schema.Decoder, handler Handler, cfg Config) *Consumer {
	if decoder == nil {
		decoder = schema.NewDecoder(nil)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Group
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Consumer{
		log:     log,
		decoder: decoder,
		handler: handler,
		config:  cfg,
		done:    make(chan struct{}),
	}
}

// WithQuarantine sends dropped messages to q before they are acknowledged.
// Quarantine failures are logged and do not block the stream.
func (c *Consumer) WithQuarantine(q Quarantiner) *Consumer {
	c.quarant = q
	return c
}

// Start starts the consumer workers.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go func(name string) {
			defer c.wg.Done()
			c.run(ctx, name)
		}(c.workerName(i))
	}

	slog.Info("stream consumer started",
		"worker", c.config.Name,
		"stream", c.config.Stream,
		"group", c.config.Group,
		"workers", c.config.Workers,
	)
}

// Run runs a single worker until ctx is cancelled or Stop is called.
func (c *Consumer) Run(ctx context.Context) {
	c.wg.Add(1)
	defer c.wg.Done()
	c.run(ctx, c.config.Consumer)
}

// workerName keeps the configured consumer name for a single worker so that
// a restarted process reclaims its own pending entries.
func (c *Consumer) workerName(i int) string {
	if c.config.Workers == 1 {
		return c.config.Consumer
	}
	return fmt.Sprintf("%s-%d", c.config.Consumer, i)
}

func (c *Consumer) run(ctx context.Context, name string) {
	logger := slog.With("worker", c.config.Name, "stream", c.config.Stream, "consumer", name)
	logger.Debug("consumer worker started")

	grouped := false
	pending := true

	for {
		select {
		case <-ctx.Done():
			logger.Debug("consumer worker stopping (context)")
			return
		case <-c.done:
			logger.Debug("consumer worker stopping (done)")
			return
		default:
		}

		if !grouped {
			if err := c.log.EnsureGroup(ctx, c.config.Stream, c.config.Group); err != nil {
				if c.fatal(ctx, err) {
					return
				}
				logger.Warn("failed to ensure consumer group", "group", c.config.Group, "error", err)
				c.sleep(ctx)
				continue
			}
			grouped = true
		}

		n, err := c.poll(ctx, name, pending)
		if err != nil {
			if c.fatal(ctx, err) {
				return
			}
			if errors.Is(err, stream.ErrNoGroup) {
				grouped = false
			}
			atomic.AddUint64(&c.errors, 1)
			logger.Warn("poll failed, backing off", "retry_in", c.config.RetryDelay, "error", err)
			pending = true
			c.sleep(ctx)
			continue
		}

		if pending && n == 0 {
			pending = false
		}
	}
}

// Poll performs one read and processes the returned batch. With pending set
// it re-reads entries already delivered to consumer. It returns how many
// entries were read.
func (c *Consumer) Poll(ctx context.Context, pending bool) (int, error) {
	if err := c.log.EnsureGroup(ctx, c.config.Stream, c.config.Group); err != nil {
		return 0, err
	}
	return c.poll(ctx, c.config.Consumer, pending)
}

// Drain processes this consumer's pending entries and then every available
// new message without blocking.
func (c *Consumer) Drain(ctx context.Context) (int, error) {
	total := 0
	pending := true
	for {
		n, err := c.Poll(ctx, pending)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			if !pending {
				return total, nil
			}
			pending = false
		}
	}
}

func (c *Consumer) poll(ctx context.Context, name string, pending bool) (int, error) {
	args := stream.ReadArgs{
		Stream:   c.config.Stream,
		Group:    c.config.Group,
		Consumer: name,
		Count:    c.config.Count,
		Pending:  pending,
	}
	if !pending {
		args.Block = c.config.Block
	}

	entries, err := c.log.ReadGroup(ctx, args)
	if err != nil {
		return 0, err
	}
	return len(entries), c.process(ctx, entries)
}

// process handles entries in order and stops at the first failure.
func (c *Consumer) process(ctx context.Context, entries []stream.Entry) error {
	for _, e := range entries {
		start := time.Now()

		msg, err := c.decoder.Decode(e.Fields)
		if err == nil {
			err = c.handler.Handle(ctx, e.ID, msg)
		}

		if err != nil && !errors.Is(err, schema.ErrInvalidPayload) {
			metrics.ObserveMessage(c.config.Name, metrics.OutcomeRetried, time.Since(start))
			return fmt.Errorf("handle %s: %w", e.ID, err)
		}

		if err != nil && c.quarant != nil {
			if qErr := c.quarant.Quarantine(ctx, c.config.Stream, e, err); qErr != nil {
				slog.Warn("failed to quarantine message",
					"worker", c.config.Name,
					"message_id", e.ID,
					"error", qErr,
				)
			}
		}

		if ackErr := c.log.Ack(ctx, c.config.Stream, c.config.Group, e.ID); ackErr != nil {
			return fmt.Errorf("ack %s: %w", e.ID, ackErr)
		}

		if err != nil {
			slog.Warn("dropping invalid message",
				"worker", c.config.Name,
				"stream", c.config.Stream,
				"message_id", e.ID,
				"error", err,
			)
			atomic.AddUint64(&c.dropped, 1)
			metrics.ObserveMessage(c.config.Name, metrics.OutcomeDropped, time.Since(start))
			continue
		}

		atomic.AddUint64(&c.consumed, 1)
		metrics.ObserveMessage(c.config.Name, metrics.OutcomeAcked, time.Since(start))
	}
	return nil
}

func (c *Consumer) fatal(ctx context.Context, err error) bool {
	return errors.Is(err, stream.ErrClosed) || ctx.Err() != nil
}

func (c *Consumer) sleep(ctx context.Context) {
	if c.config.RetryDelay <= 0 {
		return
	}
	t := time.NewTimer(c.config.RetryDelay)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
	case <-c.done:
	}
}

// Stop stops the consumer gracefully.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.done) })

	// Wait for workers with timeout
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("stream consumer stopped gracefully", "worker", c.config.Name)
	case <-time.After(c.config.ShutdownWait):
		slog.Warn("stream consumer shutdown timed out", "worker", c.config.Name)
	}
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: atomic.LoadUint64(&c.consumed),
		Dropped:  atomic.LoadUint64(&c.dropped),
		Errors:   atomic.LoadUint64(&c.errors),
	}
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Dropped  uint64 `json:"dropped"`
	Errors   uint64 `json:"errors"`
}
