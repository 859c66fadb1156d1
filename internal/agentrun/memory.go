package agentrun

import (
	"context"
	"sort"
	"sync"
	"time"

	"ot-sentinel/internal/schema"
	"ot-sentinel/internal/storage"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]*memRun
	now  func() time.Time
}

type memRun struct {
	run     schema.AgentRun
	applied map[string]bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*memRun),
		now:  time.Now,
	}
}

func (s *MemoryStore) getOrCreateLocked(seed *schema.AgentRun) (*memRun, bool) {
	if r, ok := s.runs[seed.ID]; ok {
		return r, false
	}
	run := *seed
	run.Agents = append([]string(nil), seed.Agents...)
	run.Steps = append([]schema.Step{}, seed.Steps...)
	if run.Outcome == "" {
		run.Outcome = schema.OutcomePending
	}
	r := &memRun{run: run, applied: make(map[string]bool)}
	s.runs[seed.ID] = r
	return r, true
}

// GetOrCreate returns or creates the run.
func (s *MemoryStore) GetOrCreate(_ context.Context, seed *schema.AgentRun) (*schema.AgentRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, created := s.getOrCreateLocked(seed)
	return copyRun(&r.run), created, nil
}

// AppendStep creates the run if needed and appends the step unless dedupKey
// was already applied.
func (s *MemoryStore) AppendStep(_ context.Context, seed *schema.AgentRun, step schema.Step, dedupKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, _ := s.getOrCreateLocked(seed)
	if dedupKey != "" {
		if r.applied[dedupKey] {
			return false, nil
		}
		r.applied[dedupKey] = true
	}
	r.run.Steps = append(r.run.Steps, step)
	return true, nil
}

// SetOutcome applies an outcome transition.
func (s *MemoryStore) SetOutcome(_ context.Context, runID string, outcome schema.Outcome, force bool) (bool, error) {
	if !outcome.IsValid() {
		return false, storage.WrapInvalidData("SetOutcome", Key(runID), errInvalidOutcome(outcome))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return false, storage.WrapNotFoundError("SetOutcome", Key(runID), runID)
	}
	if !force && (r.run.Outcome != schema.OutcomePending || outcome == schema.OutcomePending) {
		return false, nil
	}
	r.run.Outcome = outcome
	r.run.EndedAt = endedAtFor(outcome, s.now())
	return true, nil
}

// Get returns a copy of the run.
func (s *MemoryStore) Get(_ context.Context, runID string) (*schema.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, storage.WrapNotFoundError("Get", Key(runID), runID)
	}
	return copyRun(&r.run), nil
}

// List returns runs by startedAt, newest first.
func (s *MemoryStore) List(_ context.Context, limit int) ([]*schema.AgentRun, error) {
	s.mu.Lock()
	out := make([]*schema.AgentRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, copyRun(&r.run))
	}
	s.mu.Unlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(runs []*schema.AgentRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}

func copyRun(r *schema.AgentRun) *schema.AgentRun {
	out := *r
	out.Agents = append([]string(nil), r.Agents...)
	out.Steps = make([]schema.Step, len(r.Steps))
	for i, st := range r.Steps {
		st.ToolCalls = append([]schema.ToolCall{}, st.ToolCalls...)
		out.Steps[i] = st
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return &out
}
