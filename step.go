package ragflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type outcomeKind int

const (
	outcomeNone outcomeKind = iota
	// The run waits for a retry and resumes at wakeAt.
	outcomeParked
	// The run failed and no further steps execute.
	outcomeFailed
	// The run was cancelled between steps.
	outcomeCancelled
	// The worker lost its context or lease. The run is left for another claim.
	outcomeInterrupted
)

type outcome struct {
	kind   outcomeKind
	wakeAt time.Time
	err    *RunError
}

// abortError is returned by Step once the engine has decided the fate of the run.
// Functions return it unchanged or wrapped; the engine ignores its value.
type abortError struct {
	reason string
}

func (e *abortError) Error() string { return "run aborted: " + e.reason }

// IsAbort reports whether err was produced by Step to stop the function body.
func IsAbort(err error) bool {
	var ae *abortError
	return errors.As(err, &ae)
}

// Context is passed to a running function. It carries the run's context and the
// state the engine needs to memoize steps.
type Context struct {
	context.Context

	engine  *Engine
	run     *Run
	cfg     FunctionConfig
	policy  RetryPolicy
	logger  *slog.Logger
	memo    map[string]*StepRecord
	attempt map[string]int
	seen    map[string]bool

	outcome outcome
	abort   *abortError
}

func newContext(ctx context.Context, e *Engine, run *Run, cfg FunctionConfig, steps []*StepRecord) *Context {
	wc := &Context{
		Context: WithRunID(ctx, run.ID),
		engine:  e,
		run:     run,
		cfg:     cfg,
		policy:  cfg.RetryPolicy(),
		logger:  e.logger.With("run_id", run.ID, "function_id", run.FunctionID),
		memo:    make(map[string]*StepRecord),
		attempt: make(map[string]int),
		seen:    make(map[string]bool),
	}
	for _, rec := range steps {
		if rec.Status == StepStatusSucceeded {
			wc.memo[rec.StepKey] = rec
		}
		wc.attempt[rec.StepKey] = max(wc.attempt[rec.StepKey], rec.Attempt)
	}
	return wc
}

// RunID returns the ID of the executing run.
func (wc *Context) RunID() string { return wc.run.ID }

// Event returns the admitted event that triggered the run.
func (wc *Context) Event() string { return wc.run.Event.Name }

// Logger returns a logger annotated with the run and function IDs.
func (wc *Context) Logger() *slog.Logger { return wc.logger }

func (wc *Context) stop(o outcome, reason string) error {
	if wc.abort == nil {
		wc.outcome = o
		wc.abort = &abortError{reason: reason}
	}
	return wc.abort
}

func (wc *Context) fault(op string, err error) error {
	fe := &EngineFault{Op: op, Err: err}
	wc.logger.Error("engine fault", "op", op, "error", err)
	return wc.stop(outcome{kind: outcomeFailed, err: toRunError(fe)}, fe.Error())
}

// checkCancelled reads the run status and stops the function if the run was cancelled.
func (wc *Context) checkCancelled() error {
	if wc.Context.Err() != nil {
		return wc.stop(outcome{kind: outcomeInterrupted}, "worker context done")
	}
	run, err := wc.engine.store.GetRun(wc, wc.run.ID)
	if err != nil {
		return wc.fault("get run", err)
	}
	if run.Status == RunStatusCancelled {
		return wc.stop(outcome{kind: outcomeCancelled}, "run cancelled")
	}
	return nil
}

// StepOption configures a single Step call.
type StepOption func(*stepConfig)

type stepConfig struct {
	timeout time.Duration
	policy  *RetryPolicy
}

// WithStepTimeout bounds each attempt of the step. Exceeding it is a retryable failure.
func WithStepTimeout(d time.Duration) StepOption {
	return func(c *stepConfig) {
		c.timeout = d
	}
}

// WithStepRetry overrides the function's retry policy for one step.
func WithStepRetry(p RetryPolicy) StepOption {
	return func(c *stepConfig) {
		c.policy = &p
	}
}

// Step runs fn as a durable, memoized unit of work identified by key.
//
// If the ledger already holds a succeeded record for key, the stored output is decoded
// and returned without calling fn. Otherwise fn runs and its JSON-encoded output is
// committed before Step returns. When fn fails, the engine either parks the run until
// the retry delay elapses or fails the run; in both cases Step returns an error that the
// function must return. Once Step has returned such an error, every later Step call in
// the same execution returns it too.
func Step[T any](wc *Context, key string, fn func(ctx context.Context) (T, error), opts ...StepOption) (T, error) {
	var zero T
	if wc.abort != nil {
		return zero, wc.abort
	}
	if wc.seen[key] {
		err := Terminal(fmt.Errorf("%w: %s", ErrDuplicateStepKey, key))
		return zero, wc.stop(outcome{kind: outcomeFailed, err: toRunError(err)}, err.Error())
	}
	wc.seen[key] = true

	if rec, ok := wc.memo[key]; ok {
		var out T
		if err := json.Unmarshal(rec.Output, &out); err != nil {
			return zero, wc.fault("decode step output", err)
		}
		wc.logger.Debug("step already succeeded, skipping", "step", key)
		return out, nil
	}

	if err := wc.checkCancelled(); err != nil {
		return zero, err
	}

	cfg := stepConfig{timeout: wc.cfg.StepTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	policy := wc.policy
	if cfg.policy != nil {
		policy = *cfg.policy
	}

	store := wc.engine.store
	attempt := wc.attempt[key] + 1
	wc.attempt[key] = attempt
	rec := &StepRecord{
		RunID:     wc.run.ID,
		StepKey:   key,
		Attempt:   attempt,
		Status:    StepStatusPending,
		StartedAt: wc.engine.now(),
	}
	if err := store.RecordStep(wc, rec); err != nil {
		return zero, wc.fault("record step", err)
	}

	spanCtx, span := wc.engine.tracer.Start(wc, "step "+key, trace.WithAttributes(
		attribute.String("ragflow.run_id", wc.run.ID),
		attribute.String("ragflow.step", key),
		attribute.Int("ragflow.attempt", attempt),
	))
	out, err := invoke(spanCtx, cfg.timeout, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	// Cancellation is only observed between steps. The result of a step that was
	// in flight when the run was cancelled is discarded.
	if cerr := wc.checkCancelled(); cerr != nil {
		return zero, cerr
	}

	finished := wc.engine.now()
	rec.FinishedAt = &finished
	if err == nil {
		payload, merr := json.Marshal(out)
		if merr != nil {
			err = Terminal(fmt.Errorf("failed to encode output of step %s: %w", key, merr))
		} else {
			rec.Status = StepStatusSucceeded
			rec.Output = payload
			if err := store.RecordStep(wc, rec); err != nil {
				return zero, wc.fault("record step", err)
			}
			wc.countAttempt(key, "succeeded")

			// Return what a replay would return.
			var stored T
			if err := json.Unmarshal(payload, &stored); err != nil {
				return zero, wc.fault("decode step output", err)
			}
			return stored, nil
		}
	}

	rec.Status = StepStatusFailed
	rec.Error = toRunError(err)
	if rerr := store.RecordStep(wc, rec); rerr != nil {
		return zero, wc.fault("record step", rerr)
	}
	wc.countAttempt(key, "failed")

	decision := policy.Decide(key, attempt, err)
	if decision.GiveUp {
		kind := Classify(err)
		if kind != ErrorKindTerminal {
			kind = ErrorKindRetryable
		}
		wc.logger.Error("step failed", "step", key, "attempt", attempt, "error", err)
		return zero, wc.stop(outcome{kind: outcomeFailed, err: &RunError{
			Kind:    kind,
			Message: fmt.Sprintf("step %s failed after %d attempt(s): %v", key, attempt, err),
		}}, "step "+key+" gave up")
	}

	wakeAt := finished.Add(decision.Delay)
	wc.logger.Warn("step failed, retrying", "step", key, "attempt", attempt, "delay", decision.Delay, "error", err)
	return zero, wc.stop(outcome{kind: outcomeParked, wakeAt: wakeAt}, "step "+key+" will retry")
}

func (wc *Context) countAttempt(key, status string) {
	wc.engine.metrics.stepAttempts.Add(wc, 1, metric.WithAttributes(
		attribute.String("function_id", wc.run.FunctionID),
		attribute.String("status", status),
	))
}

type result[T any] struct {
	out T
	err error
}

// invoke calls fn with an optional timeout. A call that outlives the timeout is abandoned
// and reported as context.DeadlineExceeded; its eventual result is dropped.
func invoke[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- result[T]{out: zero, err: Terminalf("step panicked: %v", r)}
			}
		}()
		out, err := fn(ctx)
		done <- result[T]{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("step aborted: %w", ctx.Err())
	}
}
