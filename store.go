package ragflow

import (
	"context"
	"time"
)

// Store is the interface for persisting runs, the step ledger and admission state.
type Store interface {
	// Runs
	// CreateRun persists a new run. The run's ID must be unique.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run. It returns ErrRunNotFound when the run does not exist.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns returns all runs whose status matches any of the supplied states.
	ListRuns(ctx context.Context, statuses ...RunStatus) ([]*Run, error)

	// UpdateRun atomically applies update to the run. A transition that would move the
	// status backwards or out of a terminal state returns ErrInvalidTransition.
	UpdateRun(ctx context.Context, runID string, update RunUpdate) (*Run, error)

	// ClaimRun leases a run to workerID until the given time. It succeeds when the run is
	// not terminal, its WakeAt has passed, and it is unleased, leased to workerID, or its
	// lease has expired. Otherwise it returns ErrConcurrentUpdate.
	ClaimRun(ctx context.Context, runID, workerID string, now, until time.Time) (*Run, error)

	// ReleaseRun drops the lease held by workerID, if any.
	ReleaseRun(ctx context.Context, runID, workerID string) error

	// Step ledger
	// RecordStep appends or updates the record for (runID, StepKey, Attempt).
	// It returns ErrStepAlreadySucceeded if StepKey already has a succeeded record,
	// and ErrRunNotFound if the run does not exist.
	RecordStep(ctx context.Context, rec *StepRecord) error

	// GetSteps returns every step record of the run in the order they were first recorded.
	GetSteps(ctx context.Context, runID string) ([]*StepRecord, error)

	// Admission
	// Admit checks every window at now. If any is full it returns the denial and records
	// nothing. Otherwise it records now in every window. The check-and-record is atomic
	// per window key.
	Admit(ctx context.Context, now time.Time, windows []Window) (Admission, error)
}
