// Package agentrun stores the per-incident audit trail of agent activity.
//
// Both pipeline stages append to the same run concurrently. Creating the run
// and appending a step happen in one atomic operation, and every append may
// carry an idempotency key so a redelivered stream message does not record
// the same step twice.
package agentrun

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ot-sentinel/internal/schema"
)

// KeyPrefix namespaces run documents in Redis.
const KeyPrefix = "sec:run:"

// Key returns the document key of a run.
func Key(runID string) string {
	return KeyPrefix + runID
}

// Store persists agent runs.
type Store interface {
	// GetOrCreate returns the run with seed.ID, creating it from seed when
	// absent. The bool reports whether it was created.
	GetOrCreate(ctx context.Context, seed *schema.AgentRun) (*schema.AgentRun, bool, error)

	// AppendStep appends step to the run with seed.ID, creating the run from
	// seed if needed. When dedupKey is non-empty and was already applied to
	// this run, nothing is appended and false is returned.
	AppendStep(ctx context.Context, seed *schema.AgentRun, step schema.Step, dedupKey string) (bool, error)

	// SetOutcome moves the run to outcome. Without force only a pending run
	// changes; terminal outcomes change only when force is set. The bool
	// reports whether the outcome changed.
	SetOutcome(ctx context.Context, runID string, outcome schema.Outcome, force bool) (bool, error)

	// Get returns a run or an error wrapping storage.ErrNotFound.
	Get(ctx context.Context, runID string) (*schema.AgentRun, error)

	// List returns up to limit runs, most recently started first. A
	// non-positive limit returns all runs.
	List(ctx context.Context, limit int) ([]*schema.AgentRun, error)
}

// StepSink receives steps after they were durably appended.
type StepSink interface {
	ArchiveStep(ctx context.Context, run *schema.AgentRun, step schema.Step) error
}

// Archiving forwards every newly appended step to a sink. Sink failures are
// logged; the run store stays the source of truth.
type Archiving struct {
	Store
	sink StepSink
}

// WithArchive wraps store so appended steps also reach sink.
func WithArchive(store Store, sink StepSink) *Archiving {
	return &Archiving{Store: store, sink: sink}
}

// AppendStep appends and, when the step was new, archives it.
func (a *Archiving) AppendStep(ctx context.Context, seed *schema.AgentRun, step schema.Step, dedupKey string) (bool, error) {
	appended, err := a.Store.AppendStep(ctx, seed, step, dedupKey)
	if err != nil || !appended {
		return appended, err
	}

	if err := a.sink.ArchiveStep(ctx, seed, step); err != nil {
		slog.Warn("failed to archive step",
			"run_id", seed.ID,
			"step_id", step.ID,
			"error", err,
		)
	}
	return true, nil
}

// endedAtFor returns the end time to record for an outcome.
func endedAtFor(outcome schema.Outcome, now time.Time) *time.Time {
	if !outcome.Terminal() {
		return nil
	}
	t := now.UTC()
	return &t
}

func errInvalidOutcome(o schema.Outcome) error {
	return fmt.Errorf("unknown outcome %q", o)
}
