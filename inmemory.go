package ragflow

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// InMemoryStore is an in-memory implementation of the Store interface.
// This store is suitable for testing, development, and single-instance deployments.
// All data is stored in memory and will be lost when the process terminates.
//
// The top-level maps are only locked long enough to find an entry. Each run and
// each admission window carries its own mutex, so unrelated runs never contend.
type InMemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*runEntry
	windows map[string]*windowEntry
}

type runEntry struct {
	mu    sync.Mutex
	run   Run
	steps []*StepRecord
}

type windowEntry struct {
	mu       sync.Mutex
	admitted []time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:    make(map[string]*runEntry),
		windows: make(map[string]*windowEntry),
	}
}

func (s *InMemoryStore) entry(runID string) (*runEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return e, nil
}

// CreateRun persists a new run.
func (s *InMemoryStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		// Invariant: run IDs are unique.
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = &runEntry{run: *run}
	return nil
}

// GetRun retrieves a copy of the run.
func (s *InMemoryStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	e, err := s.entry(runID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	run := e.run
	return &run, nil
}

// ListRuns returns all runs whose status matches any of the supplied states, oldest first.
func (s *InMemoryStore) ListRuns(ctx context.Context, statuses ...RunStatus) ([]*Run, error) {
	s.mu.RLock()
	entries := make([]*runEntry, 0, len(s.runs))
	for _, e := range s.runs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var runs []*Run
	for _, e := range entries {
		e.mu.Lock()
		run := e.run
		e.mu.Unlock()

		if len(statuses) == 0 || slices.Contains(statuses, run.Status) {
			runs = append(runs, &run)
		}
	}
	slices.SortFunc(runs, func(a, b *Run) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return runs, nil
}

// UpdateRun applies update under the run's lock.
func (s *InMemoryStore) UpdateRun(ctx context.Context, runID string, update RunUpdate) (*Run, error) {
	e, err := s.entry(runID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	run := e.run
	if err := update.Apply(&run, time.Now()); err != nil {
		return nil, err
	}
	e.run = run
	return &run, nil
}

// ClaimRun leases the run to workerID.
func (s *InMemoryStore) ClaimRun(ctx context.Context, runID, workerID string, now, until time.Time) (*Run, error) {
	e, err := s.entry(runID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.run.Claimable(workerID, now) {
		return nil, ErrConcurrentUpdate
	}
	e.run.LeasedBy = workerID
	e.run.LeasedUntil = until
	e.run.UpdatedAt = now
	run := e.run
	return &run, nil
}

// ReleaseRun drops the lease held by workerID.
func (s *InMemoryStore) ReleaseRun(ctx context.Context, runID, workerID string) error {
	e, err := s.entry(runID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run.LeasedBy == workerID {
		e.run.LeasedBy = ""
		e.run.LeasedUntil = time.Time{}
	}
	return nil
}

// RecordStep inserts or replaces the record for (StepKey, Attempt).
func (s *InMemoryStore) RecordStep(ctx context.Context, rec *StepRecord) error {
	e, err := s.entry(rec.RunID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, existing := range e.steps {
		if existing.StepKey != rec.StepKey {
			continue
		}
		if existing.Status == StepStatusSucceeded {
			// Invariant: a succeeded step is immutable.
			return fmt.Errorf("%w: %s/%s", ErrStepAlreadySucceeded, rec.RunID, rec.StepKey)
		}
		if existing.Attempt == rec.Attempt {
			cp := *rec
			e.steps[i] = &cp
			return nil
		}
	}

	cp := *rec
	e.steps = append(e.steps, &cp)
	return nil
}

// GetSteps returns copies of the run's step records.
func (s *InMemoryStore) GetSteps(ctx context.Context, runID string) ([]*StepRecord, error) {
	e, err := s.entry(runID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	result := make([]*StepRecord, len(e.steps))
	for i, rec := range e.steps {
		cp := *rec
		result[i] = &cp
	}
	return result, nil
}

// Admit locks every window involved in sorted key order, then checks and records.
func (s *InMemoryStore) Admit(ctx context.Context, now time.Time, windows []Window) (Admission, error) {
	keys := make([]string, 0, len(windows))
	for _, w := range windows {
		keys = append(keys, w.Key)
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	s.mu.Lock()
	entries := make(map[string]*windowEntry, len(keys))
	for _, k := range keys {
		we, ok := s.windows[k]
		if !ok {
			we = &windowEntry{}
			s.windows[k] = we
		}
		entries[k] = we
	}
	s.mu.Unlock()

	for _, k := range keys {
		entries[k].mu.Lock()
		defer entries[k].mu.Unlock()
	}

	history := make([][]time.Time, len(windows))
	for i, w := range windows {
		history[i] = entries[w.Key].admitted
	}

	adm := EvaluateWindows(now, windows, history)
	if !adm.Allowed {
		return adm, nil
	}

	longest := make(map[string]time.Duration, len(keys))
	for _, w := range windows {
		longest[w.Key] = max(longest[w.Key], w.Period)
	}
	for _, k := range keys {
		we := entries[k]
		cutoff := now.Add(-longest[k])
		we.admitted = slices.DeleteFunc(we.admitted, func(ts time.Time) bool { return !ts.After(cutoff) })
		we.admitted = append(we.admitted, now)
	}
	return adm, nil
}
