package ragflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ProcessOnce claims every run that is due and executes it, returning when all of
// them have finished or parked. This method is useful for manual processing or
// testing scenarios. For continuous processing, use Start() instead.
func (e *Engine) ProcessOnce(ctx context.Context) {
	var wg sync.WaitGroup
	e.dispatch(ctx, &wg)
	wg.Wait()
}

// Start polls for due runs and executes them until ctx is cancelled. Runs that were
// pending or running when a previous process stopped are picked up once their lease
// expires. Start waits for in-flight runs before returning.
func (e *Engine) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	e.logger.Info("worker started", "worker_id", e.workerID, "poll_interval", e.pollInterval)
	e.dispatch(ctx, &wg)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("worker stopping", "worker_id", e.workerID)
			return nil
		case <-ticker.C:
			e.dispatch(ctx, &wg)
		case <-e.wake:
			e.dispatch(ctx, &wg)
		}
	}
}

// dispatch claims due runs up to the concurrency limit and processes each in its own goroutine.
func (e *Engine) dispatch(ctx context.Context, wg *sync.WaitGroup) {
	runs, err := e.store.ListRuns(ctx, RunStatusPending, RunStatusRunning)
	if err != nil {
		e.logger.Error("failed to list runs", "error", err)
		return
	}

	now := e.now()
	for _, run := range runs {
		if !run.Claimable(e.workerID, now) || !e.begin(run.ID) {
			continue
		}

		select {
		case e.sem <- struct{}{}:
		default:
			e.end(run.ID)
			return
		}

		claimed, err := e.store.ClaimRun(ctx, run.ID, e.workerID, now, now.Add(e.leaseDuration))
		if err != nil {
			<-e.sem
			e.end(run.ID)
			if !errors.Is(err, ErrConcurrentUpdate) {
				e.logger.Error("failed to claim run", "run_id", run.ID, "error", err)
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-e.sem }()
			defer e.end(claimed.ID)

			if err := e.processRun(ctx, claimed); err != nil {
				e.logger.Error("failed to process run", "run_id", claimed.ID, "error", err)
			}
		}()
	}
}

func (e *Engine) begin(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[runID]; busy {
		return false
	}
	e.inflight[runID] = struct{}{}
	return true
}

func (e *Engine) end(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, runID)
}

func (e *Engine) processRun(ctx context.Context, run *Run) error {
	leaseCtx, leaseCancel := context.WithCancel(ctx)
	defer leaseCancel()
	defer func() {
		if err := e.store.ReleaseRun(context.WithoutCancel(ctx), run.ID, e.workerID); err != nil {
			e.logger.Warn("failed to release run", "run_id", run.ID, "error", err)
		}
	}()

	// Use a channel to signal completion or error from the main execution
	done := make(chan error, 1)
	go func() {
		done <- e.execute(leaseCtx, run)
	}()

	// Set up a timer for lease management
	timer := time.NewTimer(e.leaseRenewalRate)
	defer timer.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-timer.C:
			now := e.now()
			if _, err := e.store.ClaimRun(ctx, run.ID, e.workerID, now, now.Add(e.leaseDuration)); err != nil {
				// A run cancelled mid-step keeps executing until the step returns.
				if current, gerr := e.store.GetRun(ctx, run.ID); gerr == nil && current.Status.Terminal() {
					continue
				}
				leaseCancel()
				<-done
				return fmt.Errorf("failed to renew lease: %w", err)
			}
			timer.Reset(e.leaseRenewalRate)
		case <-ctx.Done():
			leaseCancel()
			<-done
			return ctx.Err()
		}
	}
}

// execute runs the function body once from the top and settles the outcome.
func (e *Engine) execute(ctx context.Context, run *Run) error {
	fn, ok := e.byID[run.FunctionID]
	if !ok {
		return e.finish(ctx, run, RunStatusFailed, nil, &RunError{
			Kind:    ErrorKindTerminal,
			Message: fmt.Sprintf("no function registered with ID %q", run.FunctionID),
		})
	}

	if run.Status == RunStatusPending {
		now := e.now()
		started, err := e.store.UpdateRun(ctx, run.ID, RunUpdate{Status: RunStatusRunning, StartedAt: now, UpdatedAt: now})
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to start run: %w", err)
		}
		run = started
	}

	steps, err := e.store.GetSteps(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load steps: %w", err)
	}

	ctx, span := e.tracer.Start(ctx, "run "+run.FunctionID, trace.WithAttributes(
		attribute.String("ragflow.run_id", run.ID),
		attribute.String("ragflow.function_id", run.FunctionID),
		attribute.String("ragflow.event", run.Event.Name),
	))
	defer span.End()

	wc := newContext(ctx, e, run, fn.Config(), steps)
	result, runErr := safeRun(fn, wc, run.Event.Data)

	switch o := wc.outcome; o.kind {
	case outcomeParked:
		_, err := e.store.UpdateRun(context.WithoutCancel(ctx), run.ID, RunUpdate{WakeAt: &o.wakeAt, UpdatedAt: e.now()})
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to park run: %w", err)
		}
		wc.logger.Info("run parked", "wake_at", o.wakeAt)
		return nil
	case outcomeFailed:
		span.SetStatus(codes.Error, o.err.Message)
		return e.finish(ctx, run, RunStatusFailed, nil, o.err)
	case outcomeCancelled, outcomeInterrupted:
		return nil
	}

	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
		return e.finish(ctx, run, RunStatusFailed, nil, toRunError(runErr))
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return e.finish(ctx, run, RunStatusFailed, nil, &RunError{
			Kind:    ErrorKindTerminal,
			Message: fmt.Sprintf("failed to encode result: %v", err),
		})
	}
	return e.finish(ctx, run, RunStatusCompleted, payload, nil)
}

func safeRun(fn Function, wc *Context, data json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Terminalf("function panicked: %v", r)
		}
	}()
	return fn.Run(wc, data)
}

func (e *Engine) finish(ctx context.Context, run *Run, status RunStatus, result json.RawMessage, runErr *RunError) error {
	finished := e.now()
	_, err := e.store.UpdateRun(context.WithoutCancel(ctx), run.ID, RunUpdate{
		Status:     status,
		FinishedAt: &finished,
		Result:     result,
		Error:      runErr,
		UpdatedAt:  finished,
	})
	if errors.Is(err, ErrInvalidTransition) {
		e.logger.Debug("run already finished", "run_id", run.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	e.metrics.runsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("function_id", run.FunctionID),
		attribute.String("status", string(status)),
	))
	if runErr != nil {
		e.logger.Error("run failed", "run_id", run.ID, "function_id", run.FunctionID, "error", runErr)
	} else {
		e.logger.Info("run completed", "run_id", run.ID, "function_id", run.FunctionID)
	}
	return nil
}
