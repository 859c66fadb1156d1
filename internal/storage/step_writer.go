package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ot-sentinel/internal/schema"
)

// StepWriterConfig holds configuration for the step writer.
type StepWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultStepWriterConfig returns the default step writer configuration.
func DefaultStepWriterConfig() StepWriterConfig {
	return StepWriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// StepRow is one row of the agent_steps table.
type StepRow struct {
	RunID           string
	IncidentID      string
	StepID          string
	AgentID         string
	StepType        string
	Summary         string
	SourceMessageID string
	TS              time.Time
	ToolCallID      string
	Tool            string
	Action          string
	ArgsPreview     string
	Status          string
	Error           string
	Token           string
}

// StepRows flattens a step into one row per tool call.
func StepRows(run *schema.AgentRun, step schema.Step) []StepRow {
	base := StepRow{
		RunID:           run.ID,
		IncidentID:      run.IncidentID,
		StepID:          step.ID,
		AgentID:         step.AgentID,
		StepType:        string(step.Type),
		Summary:         step.Summary,
		SourceMessageID: step.Source,
		TS:              step.TS.UTC(),
	}
	if len(step.ToolCalls) == 0 {
		return []StepRow{base}
	}

	rows := make([]StepRow, 0, len(step.ToolCalls))
	for _, tc := range step.ToolCalls {
		r := base
		r.ToolCallID = tc.ID
		r.Tool = tc.Tool
		r.Action = tc.Action
		r.ArgsPreview = tc.ArgsPreview
		r.Status = string(tc.Status)
		r.Error = tc.Error
		r.Token = tc.Token
		rows = append(rows, r)
	}
	return rows
}

// StepWriter archives agent-run steps to ClickHouse in batches.
type StepWriter struct {
	client *ClickHouseClient
	config StepWriterConfig

	buffer []StepRow
	mu     sync.Mutex

	flushTimer *time.Timer
	done       chan struct{}
	closed     bool

	// Metrics
	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewStepWriter creates a new StepWriter.
func NewStepWriter(client *ClickHouseClient, cfg StepWriterConfig) *StepWriter {
	sw := &StepWriter{
		client: client,
		config: cfg,
		buffer: make([]StepRow, 0, cfg.BatchSize),
		done:   make(chan struct{}),
	}

	sw.flushTimer = time.AfterFunc(cfg.FlushInterval, sw.timerFlush)

	return sw
}

// ArchiveStep buffers the rows of a newly appended step.
func (sw *StepWriter) ArchiveStep(_ context.Context, run *schema.AgentRun, step schema.Step) error {
	return sw.Write(StepRows(run, step)...)
}

// Write adds rows to the batch.
func (sw *StepWriter) Write(rows ...StepRow) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return fmt.Errorf("step writer is closed")
	}

	sw.buffer = append(sw.buffer, rows...)

	if len(sw.buffer) >= sw.config.BatchSize {
		return sw.flushLocked()
	}

	return nil
}

// timerFlush is called by the flush timer.
func (sw *StepWriter) timerFlush() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return
	}

	if len(sw.buffer) > 0 {
		if err := sw.flushLocked(); err != nil {
			slog.Error("timer flush failed", "error", err)
		}
	}

	sw.flushTimer.Reset(sw.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (sw *StepWriter) flushLocked() error {
	if len(sw.buffer) == 0 {
		return nil
	}

	rows := sw.buffer
	sw.buffer = make([]StepRow, 0, sw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= sw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(sw.config.RetryDelay * time.Duration(attempt))
		}

		if err := sw.insertBatch(rows); err != nil {
			lastErr = err
			slog.Warn("step batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", sw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&sw.totalWritten, uint64(len(rows)))
		atomic.AddUint64(&sw.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&sw.totalFailed, uint64(len(rows)))
	return &StorageError{
		Op:      "InsertSteps",
		Key:     "agent_steps",
		Err:     fmt.Errorf("%w: %v", ErrBatchInsertFailed, lastErr),
		Retries: sw.config.MaxRetries,
	}
}

func (sw *StepWriter) insertBatch(rows []StepRow) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := sw.client.PrepareBatch(ctx, `
		INSERT INTO agent_steps (
			run_id, incident_id, step_id, agent_id, step_type, summary,
			source_message_id, ts, tool_call_id, tool, action,
			args_preview, status, error, token
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, r := range rows {
		err := batch.Append(
			r.RunID,
			r.IncidentID,
			r.StepID,
			r.AgentID,
			r.StepType,
			r.Summary,
			r.SourceMessageID,
			r.TS,
			r.ToolCallID,
			r.Tool,
			r.Action,
			r.ArgsPreview,
			r.Status,
			r.Error,
			r.Token,
		)
		if err != nil {
			return fmt.Errorf("failed to append step row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("step batch inserted", "count", len(rows))
	return nil
}

// Flush forces a flush of the current buffer.
func (sw *StepWriter) Flush() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.flushLocked()
}

// Close flushes what is buffered and stops the writer.
func (sw *StepWriter) Close() error {
	sw.mu.Lock()
	if sw.closed {
		sw.mu.Unlock()
		return nil
	}
	sw.closed = true
	sw.mu.Unlock()

	sw.flushTimer.Stop()
	close(sw.done)

	return sw.Flush()
}

// Metrics returns step writer statistics.
func (sw *StepWriter) Metrics() StepWriterMetrics {
	return StepWriterMetrics{
		Written: atomic.LoadUint64(&sw.totalWritten),
		Failed:  atomic.LoadUint64(&sw.totalFailed),
		Batches: atomic.LoadUint64(&sw.batchCount),
		Pending: sw.pendingCount(),
	}
}

func (sw *StepWriter) pendingCount() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.buffer)
}

// StepWriterMetrics holds step writer statistics.
type StepWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
