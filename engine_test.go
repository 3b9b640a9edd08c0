package ragflow_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/events"
)

type testPayload struct {
	SourceID string `json:"source_id"`
	Message  string `json:"message,omitempty"`
}

func (p *testPayload) Validate() error {
	if strings.TrimSpace(p.SourceID) == "" {
		return events.FieldError("source_id", "is required")
	}
	return nil
}

type echoResult struct {
	Echo string `json:"echo"`
}

func echoFunction() ragflow.Function {
	return ragflow.NewFunction(ragflow.FunctionConfig{ID: "echo", Event: "test/echo"},
		func(wc *ragflow.Context, in testPayload) (echoResult, error) {
			msg, err := ragflow.Step(wc, "echo", func(ctx context.Context) (string, error) {
				return in.Message, nil
			})
			if err != nil {
				return echoResult{}, err
			}
			return echoResult{Echo: msg}, nil
		})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// EngineTestSuite provides a clean engine environment for each test.
type EngineTestSuite struct {
	suite.Suite
	store  *ragflow.InMemoryStore
	clock  *fakeClock
	engine *ragflow.Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (s *EngineTestSuite) SetupTest() {
	s.store = ragflow.NewInMemoryStore()
	s.clock = &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Helper: newEngine builds the engine under test with the fake clock.
func (s *EngineTestSuite) newEngine(fns ...ragflow.Function) *ragflow.Engine {
	engine, err := ragflow.New(s.store, fns, ragflow.WithClock(s.clock.Now), ragflow.WithWorkerID("test-worker"))
	s.Require().NoError(err)
	s.engine = engine
	return engine
}

// Helper: submit requires the event to be admitted and returns its run ID.
func (s *EngineTestSuite) submit(name string, payload string) string {
	res, err := s.engine.Submit(s.T().Context(), name, []byte(payload))
	s.Require().NoError(err)
	s.Require().True(res.Admitted(), "event should be admitted")
	return res.RunID
}

func (s *EngineTestSuite) status(runID string) *ragflow.Run {
	run, err := s.engine.Status(s.T().Context(), runID)
	s.Require().NoError(err)
	return run
}

func (s *EngineTestSuite) steps(runID string) []*ragflow.StepRecord {
	steps, err := s.engine.Steps(s.T().Context(), runID)
	s.Require().NoError(err)
	return steps
}

func (s *EngineTestSuite) TestCompletesWithResult() {
	s.newEngine(echoFunction())
	runID := s.submit("test/echo", `{"source_id":"a","message":"hello"}`)
	s.Equal(ragflow.RunStatusPending, s.status(runID).Status)

	s.engine.ProcessOnce(s.T().Context())

	run := s.status(runID)
	s.Equal(ragflow.RunStatusCompleted, run.Status)
	s.JSONEq(`{"echo":"hello"}`, string(run.Result))
	s.NotNil(run.FinishedAt)
	s.False(run.StartedAt.IsZero())
	s.Empty(run.LeasedBy)

	steps := s.steps(runID)
	s.Require().Len(steps, 1)
	s.Equal(ragflow.StepStatusSucceeded, steps[0].Status)
	s.JSONEq(`"hello"`, string(steps[0].Output))
}

func (s *EngineTestSuite) TestRunTimestampsFollowEngineClock() {
	s.newEngine(echoFunction())
	submitted := s.clock.Now()
	runID := s.submit("test/echo", `{"source_id":"a","message":"hello"}`)
	cancelID := s.submit("test/echo", `{"source_id":"b","message":"bye"}`)

	s.clock.Advance(time.Hour)
	s.Require().NoError(s.engine.Cancel(s.T().Context(), cancelID))
	s.engine.ProcessOnce(s.T().Context())

	run := s.status(runID)
	s.Equal(ragflow.RunStatusCompleted, run.Status)
	s.True(submitted.Equal(run.CreatedAt))
	s.True(s.clock.Now().Equal(run.StartedAt))
	s.True(s.clock.Now().Equal(run.UpdatedAt), "updated_at %v", run.UpdatedAt)
	s.True(s.clock.Now().Equal(*run.FinishedAt))

	cancelled := s.status(cancelID)
	s.Equal(ragflow.RunStatusCancelled, cancelled.Status)
	s.True(s.clock.Now().Equal(cancelled.UpdatedAt), "updated_at %v", cancelled.UpdatedAt)
}

func (s *EngineTestSuite) TestMemoizedReplaySkipsSucceededSteps() {
	var loads, embeds atomic.Int32
	fn := ragflow.NewFunction(ragflow.FunctionConfig{ID: "ingest", Event: "test/ingest"},
		func(wc *ragflow.Context, in testPayload) (map[string]int, error) {
			chunks, err := ragflow.Step(wc, "load", func(ctx context.Context) ([]string, error) {
				loads.Add(1)
				return []string{"a", "b", "c"}, nil
			})
			if err != nil {
				return nil, err
			}
			n, err := ragflow.Step(wc, "embed", func(ctx context.Context) (int, error) {
				if embeds.Add(1) == 1 {
					return 0, errors.New("connection reset by peer")
				}
				return len(chunks), nil
			})
			if err != nil {
				return nil, err
			}
			return map[string]int{"ingested_count": n}, nil
		})
	s.newEngine(fn)
	runID := s.submit("test/ingest", `{"source_id":"doc1"}`)

	s.engine.ProcessOnce(s.T().Context())
	run := s.status(runID)
	s.Equal(ragflow.RunStatusRunning, run.Status)
	s.Equal(s.clock.Now().Add(time.Second), run.WakeAt)

	// Not due yet: nothing happens.
	s.engine.ProcessOnce(s.T().Context())
	s.Equal(int32(1), embeds.Load())

	s.clock.Advance(time.Second)
	s.engine.ProcessOnce(s.T().Context())

	run = s.status(runID)
	s.Equal(ragflow.RunStatusCompleted, run.Status)
	s.JSONEq(`{"ingested_count":3}`, string(run.Result))
	s.Equal(int32(1), loads.Load(), "load must not re-run after it succeeded")
	s.Equal(int32(2), embeds.Load())

	steps := s.steps(runID)
	s.Require().Len(steps, 3)
	s.Equal("load", steps[0].StepKey)
	s.Equal(ragflow.StepStatusSucceeded, steps[0].Status)
	s.Equal("embed", steps[1].StepKey)
	s.Equal(ragflow.StepStatusFailed, steps[1].Status)
	s.Equal(ragflow.ErrorKindRetryable, steps[1].Error.Kind)
	s.Equal("embed", steps[2].StepKey)
	s.Equal(2, steps[2].Attempt)
	s.Equal(ragflow.StepStatusSucceeded, steps[2].Status)
}

func (s *EngineTestSuite) TestReplayReturnsStoredOutputVerbatim() {
	var calls atomic.Int32
	outputs := make(chan string, 2)
	fn := ragflow.NewFunction(ragflow.FunctionConfig{ID: "replay", Event: "test/replay"},
		func(wc *ragflow.Context, in testPayload) (string, error) {
			v, err := ragflow.Step(wc, "stamp", func(ctx context.Context) (string, error) {
				return fmt.Sprintf("call-%d", calls.Add(1)), nil
			})
			if err != nil {
				return "", err
			}
			outputs <- v
			_, err = ragflow.Step(wc, "flaky", func(ctx context.Context) (bool, error) {
				if len(outputs) == 1 {
					return false, errors.New("timeout talking to vector store")
				}
				return true, nil
			})
			return v, err
		})
	s.newEngine(fn)
	runID := s.submit("test/replay", `{"source_id":"doc1"}`)

	s.engine.ProcessOnce(s.T().Context())
	s.clock.Advance(time.Second)
	s.engine.ProcessOnce(s.T().Context())

	s.Equal(ragflow.RunStatusCompleted, s.status(runID).Status)
	s.Equal("call-1", <-outputs)
	s.Equal("call-1", <-outputs)
	s.Equal(int32(1), calls.Load())
}

func (s *EngineTestSuite) TestRetryBackoffIsBoundedAndCapped() {
	var calls atomic.Int32
	policy := ragflow.RetryPolicy{BaseDelay: time.Second, MaxDelay: 1500 * time.Millisecond, MaxAttempts: 4}
	fn := ragflow.NewFunction(ragflow.FunctionConfig{ID: "flaky", Event: "test/flaky", Retry: &policy},
		func(wc *ragflow.Context, in testPayload) (int, error) {
			return ragflow.Step(wc, "always-fails", func(ctx context.Context) (int, error) {
				calls.Add(1)
				return 0, ragflow.Retryable(errors.New("503 service unavailable"))
			})
		})
	s.newEngine(fn)
	runID := s.submit("test/flaky", `{"source_id":"doc1"}`)

	var delays []time.Duration
	for {
		s.engine.ProcessOnce(s.T().Context())
		run := s.status(runID)
		if run.Status.Terminal() {
			break
		}
		delay := run.WakeAt.Sub(s.clock.Now())
		delays = append(delays, delay)
		s.clock.Advance(delay)
		s.Require().Less(len(delays), 10, "run never gave up")
	}

	s.Equal(int32(4), calls.Load())
	s.Equal([]time.Duration{time.Second, 1500 * time.Millisecond, 1500 * time.Millisecond}, delays)

	run := s.status(runID)
	s.Equal(ragflow.RunStatusFailed, run.Status)
	s.Require().NotNil(run.Error)
	s.Equal(ragflow.ErrorKindRetryable, run.Error.Kind)
	s.Contains(run.Error.Message, "after 4 attempt(s)")
}

func (s *EngineTestSuite) TestTerminalErrorFailsWithoutRetry() {
	var later atomic.Bool
	fn := ragflow.NewFunction(ragflow.FunctionConfig{ID: "terminal", Event: "test/terminal"},
		func(wc *ragflow.Context, in testPayload) (int, error) {
			if _, err := ragflow.Step(wc, "validate", func(ctx context.Context) (int, error) {
				return 0, ragflow.Terminalf("dimension mismatch: got 3, want 768")
			}); err != nil {
				return 0, err
			}
			return ragflow.Step(wc, "after", func(ctx context.Context) (int, error) {
				later.Store(true)
				return 1, nil
			})
		})
	s.newEngine(fn)
	runID := s.submit("test/terminal", `{"source_id":"doc1"}`)

	s.engine.ProcessOnce(s.T().Context())

	run := s.status(runID)
	s.Equal(ragflow.RunStatusFailed, run.Status)
	s.Equal(ragflow.ErrorKindTerminal, run.Error.Kind)
	s.Contains(run.Error.Message, "dimension mismatch")
	s.False(later.Load(), "no step may run after a failed step")
	s.Len(s.steps(runID), 1)
}

func (s *EngineTestSuite) TestSwallowedStepErrorCannotContinue() {
	var later atomic.Bool
	fn := ragflow.NewFunction(ragflow.FunctionConfig{ID: "swallow", Event: "test/swallow"},
		func(wc *ragflow.Context, in testPayload) (string, error) {
			_, _ = ragflow.Step(wc, "fails", func(ctx context.Context) (int, error) {
				return 0, errors.New("transient")
			})
			_, err := ragflow.Step(wc, "after", func(ctx context.Context) (int, error) {
				later.Store(true)
				return 1, nil
			})
			s.True(ragflow.IsAbort(err))
			return "done anyway", nil
		})
	s.newEngine(fn)
	runID := s.submit("test/swallow", `{"source_id":"doc1"}`)

	s.engine.ProcessOnce(s.T().Context())

	run := s.status(runID)
	s.Equal(ragflow.RunStatusRunning, run.Status, "run is parked for retry, not completed")
	s.Nil(run.Result)
	s.False(later.Load())
}

func (s *EngineTestSuite) TestStepTimeoutIsRetryable() {
	fn := ragflow.NewFunction(ragflow.FunctionConfig{ID: "slow", Event: "test/slow", StepTimeout: 20 * time.Millisecond},
		func(wc *ragflow.Context, in testPayload) (int, error) {
			return ragflow.Step(wc, "slow", func(ctx context.Context) (int, error) {
				<-ctx.Done()
				return 0, ctx.Err()
			})
		})
	s.newEngine(fn)
	runID := s.submit("test/slow", `{"source_id":"doc1"}`)

	s.engine.ProcessOnce(s.T().Context())

	run := s.status(runID)
	s.Equal(ragflow.RunStatusRunning, run.Status)
	s.True(run.WakeAt.After(s.clock.Now()))
	steps := s.steps(runID)
	s.Require().Len(steps, 1)
	s.Equal(ragflow.StepStatusFailed, steps[0].Status)
	s.Equal(ragflow.ErrorKindRetryable, steps[0].Error.Kind)
}

func (s *EngineTestSuite) TestStepTimeoutAbandonsUncooperativeCall() {
	release := make(chan struct{})
	defer close(release)
	fn := ragflow.NewFunction(ragflow.FunctionConfig{ID: "stuck", Event: "test/stuck"},
		func(wc *ragflow.Context, in testPayload) (int, error) {
			return ragflow.Step(wc, "stuck", func(ctx context.Context) (int, error) {
				<-release
				return 1, nil
			}, ragflow.WithStepTimeout(20*time.Millisecond))
		})
	s.newEngine(fn)
	runID := s.submit("test/stuck", `{"source_id":"doc1"}`)

	s.engine.ProcessOnce(s.T().Context())

	steps := s.steps(runID)
	s.Require().Len(steps, 1)
	s.Equal(ragflow.StepStatusFailed, steps[0].Status)
	s.Equal(ragflow.ErrorKindRetryable, steps[0].Error.Kind)
}

func (s *EngineTestSuite) TestCancelDiscardsInFlightStep() {
	var second atomic.Bool
	fn := ragflow.NewFunction(ragflow.FunctionConfig{ID: "cancel", Event: "test/cancel"},
		func(wc *ragflow.Context, in testPayload) (int, error) {
			if _, err := ragflow.Step(wc, "first", func(ctx context.Context) (int, error) {
				// Cancelled while the external call is in flight.
				if err := s.engine.Cancel(ctx, wc.RunID()); err != nil {
					return 0, err
				}
				return 1, nil
			}); err != nil {
				return 0, err
			}
			return ragflow.Step(wc, "second", func(ctx context.Context) (int, error) {
				second.Store(true)
				return 2, nil
			})
		})
	s.newEngine(fn)
	runID := s.submit("test/cancel", `{"source_id":"doc1"}`)

	s.engine.ProcessOnce(s.T().Context())

	run := s.status(runID)
	s.Equal(ragflow.RunStatusCancelled, run.Status)
	s.Equal(ragflow.ErrorKindCancelled, run.Error.Kind)
	s.False(second.Load())
	steps := s.steps(runID)
	s.Require().Len(steps, 1)
	s.Equal(ragflow.StepStatusPending, steps[0].Status, "result of the in-flight step is discarded")

	s.ErrorIs(s.engine.Cancel(s.T().Context(), runID), ragflow.ErrInvalidTransition)
}

func (s *EngineTestSuite) TestCancelPendingRunNeverExecutes() {
	var calls atomic.Int32
	fn := ragflow.NewFunction(ragflow.FunctionConfig{ID: "never", Event: "test/never"},
		func(wc *ragflow.Context, in testPayload) (int, error) {
			calls.Add(1)
			return 0, nil
		})
	s.newEngine(fn)
	runID := s.submit("test/never", `{"source_id":"doc1"}`)

	s.Require().NoError(s.engine.Cancel(s.T().Context(), runID))
	s.engine.ProcessOnce(s.T().Context())

	s.Equal(ragflow.RunStatusCancelled, s.status(runID).Status)
	s.Equal(int32(0), calls.Load())
}

func (s *EngineTestSuite) TestRateLimitPerKey() {
	fn := ragflow.NewFunction(ragflow.FunctionConfig{
		ID:        "ingest",
		Event:     "test/ingest",
		RateLimit: &ragflow.RateLimit{Key: "source_id", Limit: 1, Period: 4 * time.Hour},
	}, func(wc *ragflow.Context, in testPayload) (int, error) { return 0, nil })
	s.newEngine(fn)
	ctx := s.T().Context()

	s.submit("test/ingest", `{"source_id":"doc1"}`)

	s.clock.Advance(time.Hour)
	res, err := s.engine.Submit(ctx, "test/ingest", []byte(`{"source_id":"doc1"}`))
	s.Require().NoError(err)
	s.False(res.Admitted())
	s.Require().NotNil(res.Denied)
	s.Equal(3*time.Hour, res.Denied.RetryAfter)
	s.Equal(3*60*60, res.Denied.RetryAfterSeconds())

	// No run is created for a denied event.
	runs, err := s.store.ListRuns(ctx)
	s.Require().NoError(err)
	s.Len(runs, 1)

	s.submit("test/ingest", `{"source_id":"doc2"}`)

	s.clock.Advance(3 * time.Hour)
	s.submit("test/ingest", `{"source_id":"doc1"}`)
}

func (s *EngineTestSuite) TestThrottleIsKeyIndependent() {
	fn := ragflow.NewFunction(ragflow.FunctionConfig{
		ID:       "ingest",
		Event:    "test/ingest",
		Throttle: &ragflow.Throttle{Limit: 2, Period: time.Minute},
	}, func(wc *ragflow.Context, in testPayload) (int, error) { return 0, nil })
	s.newEngine(fn)

	s.submit("test/ingest", `{"source_id":"a"}`)
	s.submit("test/ingest", `{"source_id":"b"}`)

	res, err := s.engine.Submit(s.T().Context(), "test/ingest", []byte(`{"source_id":"c"}`))
	s.Require().NoError(err)
	s.Require().NotNil(res.Denied)
	s.Equal(time.Minute, res.Denied.RetryAfter)

	s.clock.Advance(time.Minute)
	s.submit("test/ingest", `{"source_id":"c"}`)
}

func (s *EngineTestSuite) TestConcurrentSubmitsForSameKey() {
	fn := ragflow.NewFunction(ragflow.FunctionConfig{
		ID:        "ingest",
		Event:     "test/ingest",
		RateLimit: &ragflow.RateLimit{Key: "source_id", Limit: 1, Period: 4 * time.Hour},
	}, func(wc *ragflow.Context, in testPayload) (int, error) { return 0, nil })
	s.newEngine(fn)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.engine.Submit(context.Background(), "test/ingest", []byte(`{"source_id":"doc1"}`))
			if err == nil && res.Admitted() {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), admitted.Load())
}

func (s *EngineTestSuite) TestValidationErrorCreatesNoRun() {
	s.newEngine(echoFunction())
	ctx := s.T().Context()

	_, err := s.engine.Submit(ctx, "test/echo", []byte(`{"message":"no source"}`))
	var ve *events.ValidationError
	s.Require().ErrorAs(err, &ve)
	s.Equal("source_id", ve.Field)
	s.Equal("test/echo", ve.Event)

	_, err = s.engine.Submit(ctx, "test/echo", []byte(`{"source_id":"a","unknown":1}`))
	s.Require().ErrorAs(err, &ve)

	runs, err := s.store.ListRuns(ctx)
	s.Require().NoError(err)
	s.Empty(runs)
}

func (s *EngineTestSuite) TestUnknownEvent() {
	s.newEngine(echoFunction())
	_, err := s.engine.Submit(s.T().Context(), "test/nope", []byte(`{}`))
	s.ErrorIs(err, ragflow.ErrUnknownEvent)
}

func (s *EngineTestSuite) TestPanicFailsRun() {
	fn := ragflow.NewFunction(ragflow.FunctionConfig{ID: "panic", Event: "test/panic"},
		func(wc *ragflow.Context, in testPayload) (int, error) {
			panic("boom")
		})
	s.newEngine(fn)
	runID := s.submit("test/panic", `{"source_id":"doc1"}`)

	s.engine.ProcessOnce(s.T().Context())

	run := s.status(runID)
	s.Equal(ragflow.RunStatusFailed, run.Status)
	s.Equal(ragflow.ErrorKindTerminal, run.Error.Kind)
	s.Contains(run.Error.Message, "boom")
}

func (s *EngineTestSuite) TestDuplicateStepKeyFailsRun() {
	fn := ragflow.NewFunction(ragflow.FunctionConfig{ID: "dup", Event: "test/dup"},
		func(wc *ragflow.Context, in testPayload) (int, error) {
			for range 2 {
				if _, err := ragflow.Step(wc, "same", func(ctx context.Context) (int, error) { return 1, nil }); err != nil {
					return 0, err
				}
			}
			return 0, nil
		})
	s.newEngine(fn)
	runID := s.submit("test/dup", `{"source_id":"doc1"}`)

	s.engine.ProcessOnce(s.T().Context())

	run := s.status(runID)
	s.Equal(ragflow.RunStatusFailed, run.Status)
	s.Equal(ragflow.ErrorKindTerminal, run.Error.Kind)
	s.Contains(run.Error.Message, "duplicate step key")
}

func (s *EngineTestSuite) TestRecoversRunLeasedByDeadWorker() {
	s.newEngine(echoFunction())
	ctx := s.T().Context()
	runID := s.submit("test/echo", `{"source_id":"doc1","message":"recovered"}`)

	now := s.clock.Now()
	_, err := s.store.ClaimRun(ctx, runID, "dead-worker", now, now.Add(30*time.Second))
	s.Require().NoError(err)

	s.engine.ProcessOnce(ctx)
	s.Equal(ragflow.RunStatusPending, s.status(runID).Status)

	s.clock.Advance(31 * time.Second)
	s.engine.ProcessOnce(ctx)

	run := s.status(runID)
	s.Equal(ragflow.RunStatusCompleted, run.Status)
	s.JSONEq(`{"echo":"recovered"}`, string(run.Result))
}

func (s *EngineTestSuite) TestRunsExecuteInParallel() {
	var started sync.WaitGroup
	started.Add(2)
	fn := ragflow.NewFunction(ragflow.FunctionConfig{ID: "parallel", Event: "test/parallel"},
		func(wc *ragflow.Context, in testPayload) (bool, error) {
			return ragflow.Step(wc, "rendezvous", func(ctx context.Context) (bool, error) {
				started.Done()
				both := make(chan struct{})
				go func() {
					started.Wait()
					close(both)
				}()
				select {
				case <-both:
					return true, nil
				case <-time.After(5 * time.Second):
					return false, ragflow.Terminalf("runs did not execute concurrently")
				}
			})
		})
	s.newEngine(fn)
	a := s.submit("test/parallel", `{"source_id":"a"}`)
	b := s.submit("test/parallel", `{"source_id":"b"}`)

	s.engine.ProcessOnce(s.T().Context())

	s.Equal(ragflow.RunStatusCompleted, s.status(a).Status)
	s.Equal(ragflow.RunStatusCompleted, s.status(b).Status)
}

func TestNewRejectsDuplicateEvents(t *testing.T) {
	_, err := ragflow.New(ragflow.NewInMemoryStore(), []ragflow.Function{echoFunction(), echoFunction()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "registered twice")
}

func TestStartProcessesSubmittedRuns(t *testing.T) {
	engine, err := ragflow.New(ragflow.NewInMemoryStore(), []ragflow.Function{echoFunction()},
		ragflow.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	stopped := make(chan error, 1)
	go func() { stopped <- engine.Start(ctx) }()

	client := ragflow.NewClient(engine, ragflow.WithWaitPolling(5*time.Millisecond, 5*time.Second))
	res, err := client.Send(ctx, "test/echo", testPayload{SourceID: "doc1", Message: "async"})
	require.NoError(t, err)
	require.True(t, res.Admitted())

	run, err := client.Wait(ctx, res.RunID)
	require.NoError(t, err)
	require.Equal(t, ragflow.RunStatusCompleted, run.Status)

	var out echoResult
	require.NoError(t, ragflow.Output(run, &out))
	require.Equal(t, "async", out.Echo)

	cancel()
	require.NoError(t, <-stopped)
}
