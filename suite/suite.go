// Package suite provides a compliance test suite that every ragflow.Store
// implementation must pass.
package suite

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/stretchr/testify/require"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/events"
)

// Times are truncated to microseconds so that backends with coarser timestamps compare equal.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func newRun(t *testing.T) *ragflow.Run {
	t.Helper()
	created := now()
	evt := events.New("test/event", json.RawMessage(`{"source_id":"doc1"}`))
	evt.ReceivedAt = created
	return &ragflow.Run{
		ID:         shortuuid.New(),
		FunctionID: "test-fn",
		Event:      evt,
		Status:     ragflow.RunStatusPending,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

// RunStoreSuite runs the store compliance tests against stores produced by newStore.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) ragflow.Store) {
	ctx := t.Context()

	t.Run("CreateAndGetRun", func(t *testing.T) {
		s := newStore(t)
		run := newRun(t)
		require.NoError(t, s.CreateRun(ctx, run))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.Equal(t, run.ID, got.ID)
		require.Equal(t, run.FunctionID, got.FunctionID)
		require.Equal(t, ragflow.RunStatusPending, got.Status)
		require.Equal(t, run.Event.ID, got.Event.ID)
		require.Equal(t, run.Event.Name, got.Event.Name)
		require.JSONEq(t, string(run.Event.Data), string(got.Event.Data))
		require.True(t, run.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", run.CreatedAt, got.CreatedAt)
		require.Nil(t, got.FinishedAt)
		require.Nil(t, got.Error)
	})

	t.Run("GetRunNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetRun(ctx, "non-existent-run-id")
		require.ErrorIs(t, err, ragflow.ErrRunNotFound)
	})

	t.Run("CreateRunDuplicateID", func(t *testing.T) {
		s := newStore(t)
		run := newRun(t)
		require.NoError(t, s.CreateRun(ctx, run))
		require.Error(t, s.CreateRun(ctx, run), "creating a run twice should fail")
	})

	t.Run("ListRunsByStatus", func(t *testing.T) {
		s := newStore(t)
		pending := newRun(t)
		running := newRun(t)
		require.NoError(t, s.CreateRun(ctx, pending))
		require.NoError(t, s.CreateRun(ctx, running))
		_, err := s.UpdateRun(ctx, running.ID, ragflow.RunUpdate{Status: ragflow.RunStatusRunning, StartedAt: now()})
		require.NoError(t, err)

		runs, err := s.ListRuns(ctx, ragflow.RunStatusPending)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		require.Equal(t, pending.ID, runs[0].ID)

		runs, err = s.ListRuns(ctx, ragflow.RunStatusPending, ragflow.RunStatusRunning)
		require.NoError(t, err)
		require.Len(t, runs, 2)

		runs, err = s.ListRuns(ctx, ragflow.RunStatusCompleted)
		require.NoError(t, err)
		require.Empty(t, runs)
	})

	t.Run("UpdateRunMovesForwardOnly", func(t *testing.T) {
		s := newStore(t)
		run := newRun(t)
		require.NoError(t, s.CreateRun(ctx, run))

		started := now()
		got, err := s.UpdateRun(ctx, run.ID, ragflow.RunUpdate{Status: ragflow.RunStatusRunning, StartedAt: started})
		require.NoError(t, err)
		require.Equal(t, ragflow.RunStatusRunning, got.Status)
		require.True(t, started.Equal(got.StartedAt))

		_, err = s.UpdateRun(ctx, run.ID, ragflow.RunUpdate{Status: ragflow.RunStatusPending})
		require.ErrorIs(t, err, ragflow.ErrInvalidTransition)

		finished := now()
		_, err = s.UpdateRun(ctx, run.ID, ragflow.RunUpdate{
			Status:     ragflow.RunStatusCompleted,
			FinishedAt: &finished,
			Result:     json.RawMessage(`{"ingested_count":3}`),
		})
		require.NoError(t, err)

		got, err = s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.Equal(t, ragflow.RunStatusCompleted, got.Status)
		require.JSONEq(t, `{"ingested_count":3}`, string(got.Result))
		require.NotNil(t, got.FinishedAt)
		require.True(t, finished.Equal(*got.FinishedAt))

		// Invariant: terminal runs are immutable.
		_, err = s.UpdateRun(ctx, run.ID, ragflow.RunUpdate{Status: ragflow.RunStatusFailed})
		require.ErrorIs(t, err, ragflow.ErrInvalidTransition)
		wake := now().Add(time.Minute)
		_, err = s.UpdateRun(ctx, run.ID, ragflow.RunUpdate{WakeAt: &wake})
		require.ErrorIs(t, err, ragflow.ErrInvalidTransition)
	})

	t.Run("UpdateRunUsesGivenUpdatedAt", func(t *testing.T) {
		s := newStore(t)
		run := newRun(t)
		require.NoError(t, s.CreateRun(ctx, run))

		stamp := run.CreatedAt.Add(-24 * time.Hour)
		got, err := s.UpdateRun(ctx, run.ID, ragflow.RunUpdate{Status: ragflow.RunStatusRunning, StartedAt: stamp, UpdatedAt: stamp})
		require.NoError(t, err)
		require.True(t, stamp.Equal(got.UpdatedAt), "updated_at %v != %v", got.UpdatedAt, stamp)

		got, err = s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.True(t, stamp.Equal(got.UpdatedAt), "updated_at %v != %v", got.UpdatedAt, stamp)
	})

	t.Run("UpdateRunRecordsError", func(t *testing.T) {
		s := newStore(t)
		run := newRun(t)
		require.NoError(t, s.CreateRun(ctx, run))

		_, err := s.UpdateRun(ctx, run.ID, ragflow.RunUpdate{
			Status: ragflow.RunStatusFailed,
			Error:  &ragflow.RunError{Kind: ragflow.ErrorKindTerminal, Message: "empty document"},
		})
		require.NoError(t, err)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.Equal(t, ragflow.RunStatusFailed, got.Status)
		require.Equal(t, &ragflow.RunError{Kind: ragflow.ErrorKindTerminal, Message: "empty document"}, got.Error)
	})

	t.Run("UpdateRunNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpdateRun(ctx, "non-existent-run-id", ragflow.RunUpdate{Status: ragflow.RunStatusRunning})
		require.ErrorIs(t, err, ragflow.ErrRunNotFound)
	})

	t.Run("ClaimRunConditions", func(t *testing.T) {
		s := newStore(t)
		ts := now()

		// Test 1: Pending run should be claimed
		run1 := newRun(t)
		require.NoError(t, s.CreateRun(ctx, run1))
		claimed, err := s.ClaimRun(ctx, run1.ID, "worker1", ts, ts.Add(10*time.Second))
		require.NoError(t, err)
		require.Equal(t, "worker1", claimed.LeasedBy)

		// Test 2: Run leased by a different worker (not expired) should NOT be claimed
		_, err = s.ClaimRun(ctx, run1.ID, "worker2", ts, ts.Add(10*time.Second))
		require.ErrorIs(t, err, ragflow.ErrConcurrentUpdate)

		// Test 3: The lease holder can renew
		_, err = s.ClaimRun(ctx, run1.ID, "worker1", ts.Add(5*time.Second), ts.Add(15*time.Second))
		require.NoError(t, err)

		// Test 4: Run with expired lease should be claimed by a new worker
		claimed, err = s.ClaimRun(ctx, run1.ID, "worker2", ts.Add(time.Minute), ts.Add(2*time.Minute))
		require.NoError(t, err)
		require.Equal(t, "worker2", claimed.LeasedBy)

		// Test 5: Run parked until the future should NOT be claimed
		run2 := newRun(t)
		require.NoError(t, s.CreateRun(ctx, run2))
		wake := ts.Add(time.Hour)
		_, err = s.UpdateRun(ctx, run2.ID, ragflow.RunUpdate{Status: ragflow.RunStatusRunning, WakeAt: &wake})
		require.NoError(t, err)
		_, err = s.ClaimRun(ctx, run2.ID, "worker1", ts, ts.Add(10*time.Second))
		require.ErrorIs(t, err, ragflow.ErrConcurrentUpdate)
		_, err = s.ClaimRun(ctx, run2.ID, "worker1", wake, wake.Add(10*time.Second))
		require.NoError(t, err)

		// Test 6: Terminal run should NOT be claimed
		run3 := newRun(t)
		require.NoError(t, s.CreateRun(ctx, run3))
		_, err = s.UpdateRun(ctx, run3.ID, ragflow.RunUpdate{Status: ragflow.RunStatusCancelled})
		require.NoError(t, err)
		_, err = s.ClaimRun(ctx, run3.ID, "worker1", ts, ts.Add(10*time.Second))
		require.ErrorIs(t, err, ragflow.ErrConcurrentUpdate)
	})

	t.Run("ReleaseRun", func(t *testing.T) {
		s := newStore(t)
		ts := now()
		run := newRun(t)
		require.NoError(t, s.CreateRun(ctx, run))
		_, err := s.ClaimRun(ctx, run.ID, "worker1", ts, ts.Add(time.Hour))
		require.NoError(t, err)

		// Releasing someone else's lease is a no-op.
		require.NoError(t, s.ReleaseRun(ctx, run.ID, "worker2"))
		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.Equal(t, "worker1", got.LeasedBy)

		require.NoError(t, s.ReleaseRun(ctx, run.ID, "worker1"))
		got, err = s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.Empty(t, got.LeasedBy)

		_, err = s.ClaimRun(ctx, run.ID, "worker2", ts, ts.Add(time.Hour))
		require.NoError(t, err)
	})

	t.Run("RecordStepLifecycle", func(t *testing.T) {
		s := newStore(t)
		run := newRun(t)
		require.NoError(t, s.CreateRun(ctx, run))

		ts := now()
		rec := &ragflow.StepRecord{RunID: run.ID, StepKey: "load-and-chunk", Attempt: 1, Status: ragflow.StepStatusPending, StartedAt: ts}
		require.NoError(t, s.RecordStep(ctx, rec))

		finished := ts.Add(time.Second)
		rec.Status = ragflow.StepStatusFailed
		rec.Error = &ragflow.RunError{Kind: ragflow.ErrorKindRetryable, Message: "connection refused"}
		rec.FinishedAt = &finished
		require.NoError(t, s.RecordStep(ctx, rec))

		rec2 := &ragflow.StepRecord{RunID: run.ID, StepKey: "load-and-chunk", Attempt: 2, Status: ragflow.StepStatusPending, StartedAt: ts.Add(2 * time.Second)}
		require.NoError(t, s.RecordStep(ctx, rec2))
		rec2.Status = ragflow.StepStatusSucceeded
		rec2.Output = json.RawMessage(`["chunk one","chunk two"]`)
		rec2.FinishedAt = &finished
		require.NoError(t, s.RecordStep(ctx, rec2))

		steps, err := s.GetSteps(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		require.Equal(t, 1, steps[0].Attempt)
		require.Equal(t, ragflow.StepStatusFailed, steps[0].Status)
		require.Equal(t, rec.Error, steps[0].Error)
		require.Equal(t, 2, steps[1].Attempt)
		require.Equal(t, ragflow.StepStatusSucceeded, steps[1].Status)
		require.JSONEq(t, `["chunk one","chunk two"]`, string(steps[1].Output))
		require.NotNil(t, steps[1].FinishedAt)

		// Invariant: a succeeded step is immutable.
		rec3 := &ragflow.StepRecord{RunID: run.ID, StepKey: "load-and-chunk", Attempt: 3, Status: ragflow.StepStatusPending, StartedAt: ts.Add(3 * time.Second)}
		require.ErrorIs(t, s.RecordStep(ctx, rec3), ragflow.ErrStepAlreadySucceeded)
		rec2.Output = json.RawMessage(`["changed"]`)
		require.ErrorIs(t, s.RecordStep(ctx, rec2), ragflow.ErrStepAlreadySucceeded)
	})

	t.Run("GetStepsKeepsRecordOrder", func(t *testing.T) {
		s := newStore(t)
		run := newRun(t)
		require.NoError(t, s.CreateRun(ctx, run))

		// Same start time, and keys that sort the other way.
		ts := now()
		load := &ragflow.StepRecord{RunID: run.ID, StepKey: "load", Attempt: 1, Status: ragflow.StepStatusPending, StartedAt: ts}
		embed := &ragflow.StepRecord{RunID: run.ID, StepKey: "embed", Attempt: 1, Status: ragflow.StepStatusPending, StartedAt: ts}
		require.NoError(t, s.RecordStep(ctx, load))
		require.NoError(t, s.RecordStep(ctx, embed))

		// Rewriting a record keeps its position.
		load.Status = ragflow.StepStatusSucceeded
		load.Output = json.RawMessage(`"text"`)
		load.FinishedAt = &ts
		require.NoError(t, s.RecordStep(ctx, load))

		steps, err := s.GetSteps(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		require.Equal(t, "load", steps[0].StepKey)
		require.Equal(t, ragflow.StepStatusSucceeded, steps[0].Status)
		require.Equal(t, "embed", steps[1].StepKey)
	})

	t.Run("RecordStepWithInvalidRunID", func(t *testing.T) {
		s := newStore(t)
		err := s.RecordStep(ctx, &ragflow.StepRecord{RunID: "non-existent-run-id", StepKey: "k", Attempt: 1, Status: ragflow.StepStatusPending, StartedAt: now()})
		require.ErrorIs(t, err, ragflow.ErrRunNotFound)
	})

	t.Run("AdmitRateLimit", func(t *testing.T) {
		s := newStore(t)
		t0 := now()
		windows := []ragflow.Window{{Key: "rate:ingest:doc1", Limit: 1, Period: 4 * time.Hour}}

		adm, err := s.Admit(ctx, t0, windows)
		require.NoError(t, err)
		require.True(t, adm.Allowed)

		adm, err = s.Admit(ctx, t0.Add(time.Hour), windows)
		require.NoError(t, err)
		require.False(t, adm.Allowed)
		require.Equal(t, 3*time.Hour, adm.RetryAfter)

		// A different key is independent.
		adm, err = s.Admit(ctx, t0.Add(time.Hour), []ragflow.Window{{Key: "rate:ingest:doc2", Limit: 1, Period: 4 * time.Hour}})
		require.NoError(t, err)
		require.True(t, adm.Allowed)

		adm, err = s.Admit(ctx, t0.Add(4*time.Hour), windows)
		require.NoError(t, err)
		require.True(t, adm.Allowed)
	})

	t.Run("AdmitThrottle", func(t *testing.T) {
		s := newStore(t)
		t0 := now()
		windows := []ragflow.Window{{Key: "throttle:ingest", Limit: 2, Period: time.Minute}}

		for i := range 2 {
			adm, err := s.Admit(ctx, t0.Add(time.Duration(i)*time.Second), windows)
			require.NoError(t, err)
			require.True(t, adm.Allowed, "admission %d", i)
		}

		adm, err := s.Admit(ctx, t0.Add(2*time.Second), windows)
		require.NoError(t, err)
		require.False(t, adm.Allowed)
		require.Equal(t, 58*time.Second, adm.RetryAfter)

		adm, err = s.Admit(ctx, t0.Add(time.Minute), windows)
		require.NoError(t, err)
		require.True(t, adm.Allowed)
	})

	t.Run("DeniedAdmissionRecordsNothing", func(t *testing.T) {
		s := newStore(t)
		t0 := now()
		throttle := ragflow.Window{Key: "throttle:ingest", Limit: 2, Period: time.Minute}
		rate := func(key string) ragflow.Window {
			return ragflow.Window{Key: "rate:ingest:" + key, Limit: 1, Period: 4 * time.Hour}
		}

		adm, err := s.Admit(ctx, t0, []ragflow.Window{rate("a"), throttle})
		require.NoError(t, err)
		require.True(t, adm.Allowed)

		// Denied by the rate limit; the throttle slot must not be consumed.
		adm, err = s.Admit(ctx, t0, []ragflow.Window{rate("a"), throttle})
		require.NoError(t, err)
		require.False(t, adm.Allowed)

		adm, err = s.Admit(ctx, t0, []ragflow.Window{rate("b"), throttle})
		require.NoError(t, err)
		require.True(t, adm.Allowed)

		adm, err = s.Admit(ctx, t0, []ragflow.Window{rate("c"), throttle})
		require.NoError(t, err)
		require.False(t, adm.Allowed)
		require.Equal(t, time.Minute, adm.RetryAfter)

		// Key c was never recorded, so it is admitted once the throttle frees up.
		adm, err = s.Admit(ctx, t0.Add(time.Minute), []ragflow.Window{rate("c"), throttle})
		require.NoError(t, err)
		require.True(t, adm.Allowed)
	})

	t.Run("AdmitConcurrentSameKey", func(t *testing.T) {
		s := newStore(t)
		t0 := now()
		windows := []ragflow.Window{{Key: "rate:ingest:doc1", Limit: 1, Period: 4 * time.Hour}}

		var (
			wg      sync.WaitGroup
			allowed atomic.Int32
			errs    = make(chan error, 20)
		)
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				adm, err := s.Admit(ctx, t0, windows)
				if err != nil {
					errs <- fmt.Errorf("admit: %w", err)
					return
				}
				if adm.Allowed {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		require.Equal(t, int32(1), allowed.Load())
	})
}
