// Package ragflow provides a durable step-execution engine and the document
// ingestion and retrieval-augmented query workflows built on top of it.
//
// # Key Features
//
//   - Memoized Steps: a function is plain sequential Go. Each Step call is
//     recorded in a ledger, and a resumed run skips every step that already
//     succeeded and returns its stored output.
//   - Admission Control: per-key rate limits and per-function throttles are
//     checked atomically before a run is created.
//   - Bounded Retries: failed steps are retried with exponential backoff. The
//     run is parked between attempts instead of holding a goroutine.
//   - Pluggable Backends: in-memory, SQLite and PostgreSQL stores.
package ragflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dynoinc/ragflow/events"
)

type runIDKey struct{}

// WithRunID adds runID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// GetRunID extracts runID from context.
func GetRunID(ctx context.Context) (string, bool) {
	runID, ok := ctx.Value(runIDKey{}).(string)
	return runID, ok
}

// RunStatus represents the status of a workflow run.
type RunStatus string

const (
	// RunStatusPending indicates that the run has been admitted and is waiting to be picked up by a worker.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning indicates that a worker has started the run. A running run may be parked waiting for a retry.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates that the function returned a value.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates that a step exhausted its retries or the function returned an error.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled indicates that the run was cancelled between steps.
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// CanTransition reports whether a run may move from s to next. Status never regresses.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusFailed || next == RunStatusCancelled
	case RunStatusRunning:
		return next == RunStatusCompleted || next == RunStatusFailed || next == RunStatusCancelled
	default:
		return false
	}
}

// CheckTransition returns ErrInvalidTransition when s cannot move to next.
func CheckTransition(from, to RunStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Run represents a single execution of a function triggered by one event.
type Run struct {
	// Fixed on creation
	ID         string       `json:"id"`
	FunctionID string       `json:"function_id"`
	Event      events.Event `json:"event"`
	CreatedAt  time.Time    `json:"created_at"`

	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"started_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at"`

	// Set when finished.
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *RunError       `json:"error,omitempty"`

	// Scheduling. A worker will not resume the run before WakeAt.
	WakeAt      time.Time `json:"wake_at,omitzero"`
	LeasedBy    string    `json:"leased_by,omitempty"`
	LeasedUntil time.Time `json:"leased_until,omitzero"`
}

// Claimable reports whether workerID may lease the run at now. Store implementations
// use it to decide ClaimRun.
func (r *Run) Claimable(workerID string, now time.Time) bool {
	if r.Status.Terminal() {
		return false
	}
	if r.WakeAt.After(now) {
		return false
	}
	return r.LeasedBy == "" || r.LeasedBy == workerID || !r.LeasedUntil.After(now)
}

// StepStatus is the outcome of one step attempt.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
)

// StepRecord is one attempt of one step in the ledger of a run.
type StepRecord struct {
	RunID      string          `json:"run_id"`
	StepKey    string          `json:"step_key"`
	Attempt    int             `json:"attempt"`
	Status     StepStatus      `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *RunError       `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// RunUpdate describes a status transition applied by Store.UpdateRun.
// Zero-valued fields are left unchanged.
type RunUpdate struct {
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Result     json.RawMessage
	Error      *RunError
	WakeAt     *time.Time

	// UpdatedAt stamps the run. The store clock is used when it is zero.
	UpdatedAt time.Time
}

// Apply mutates run in place after validating the transition.
func (u RunUpdate) Apply(run *Run, now time.Time) error {
	if run.Status.Terminal() {
		// Invariant: terminal runs are immutable.
		return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, run.ID, run.Status)
	}
	if u.Status != "" && u.Status != run.Status {
		if err := CheckTransition(run.Status, u.Status); err != nil {
			return err
		}
		run.Status = u.Status
	}
	if !u.StartedAt.IsZero() && run.StartedAt.IsZero() {
		run.StartedAt = u.StartedAt
	}
	if u.FinishedAt != nil {
		run.FinishedAt = u.FinishedAt
	}
	if u.Result != nil {
		run.Result = u.Result
	}
	if u.Error != nil {
		run.Error = u.Error
	}
	if u.WakeAt != nil {
		run.WakeAt = *u.WakeAt
	}
	run.UpdatedAt = now
	if !u.UpdatedAt.IsZero() {
		run.UpdatedAt = u.UpdatedAt
	}
	return nil
}
