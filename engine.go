package ragflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dynoinc/ragflow/events"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock overrides the clock used for admission windows, wake times and leases.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithWorkerID overrides the randomly generated worker ID.
func WithWorkerID(id string) Option {
	return func(e *Engine) {
		e.workerID = id
	}
}

// WithPollInterval sets how often the worker loop looks for due runs.
func WithPollInterval(interval time.Duration) Option {
	return func(e *Engine) {
		e.pollInterval = interval
	}
}

// WithLeaseDuration sets the lease duration for runs.
// The lease will be renewed at half this duration.
func WithLeaseDuration(duration time.Duration) Option {
	return func(e *Engine) {
		e.leaseDuration = duration
		e.leaseRenewalRate = duration / 2
	}
}

// WithLeaseRenewalRate sets the lease renewal rate.
// This should be less than the lease duration to ensure continuous renewal.
func WithLeaseRenewalRate(rate time.Duration) Option {
	return func(e *Engine) {
		e.leaseRenewalRate = rate
	}
}

// WithMaxConcurrentRuns bounds how many runs this engine executes at once.
func WithMaxConcurrentRuns(n int) Option {
	return func(e *Engine) {
		e.maxConcurrent = n
	}
}

// WithMeterProvider overrides the global otel meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		e.meter = mp.Meter(instrumentationName)
	}
}

// WithTracerProvider overrides the global otel tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracer = tp.Tracer(instrumentationName)
	}
}

const instrumentationName = "github.com/dynoinc/ragflow"

// Engine admits events, creates runs and executes their functions step by step.
type Engine struct {
	store     Store
	functions map[string]Function
	byID      map[string]Function

	workerID string
	logger   *slog.Logger
	now      func() time.Time
	tracer   trace.Tracer
	meter    metric.Meter
	metrics  *engineMetrics

	pollInterval     time.Duration
	leaseDuration    time.Duration
	leaseRenewalRate time.Duration
	maxConcurrent    int

	sem  chan struct{}
	wake chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates an Engine. fns is the complete mapping of event names to functions;
// each event name and each function ID may appear only once.
func New(store Store, fns []Function, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:     store,
		functions: make(map[string]Function, len(fns)),
		byID:      make(map[string]Function, len(fns)),

		workerID: shortuuid.New(),
		logger:   slog.Default(),
		now:      time.Now,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),

		// Default lease management - 30 second lease, renew every 15 seconds
		pollInterval:     time.Second,
		leaseDuration:    30 * time.Second,
		leaseRenewalRate: 15 * time.Second,
		maxConcurrent:    16,

		wake:     make(chan struct{}, 1),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, fn := range fns {
		cfg := fn.Config()
		if cfg.Event == "" || cfg.ID == "" {
			return nil, fmt.Errorf("function %q: event name and ID are required", cfg.ID)
		}
		if _, dup := e.functions[cfg.Event]; dup {
			return nil, fmt.Errorf("event %q is registered twice", cfg.Event)
		}
		if _, dup := e.byID[cfg.ID]; dup {
			return nil, fmt.Errorf("function ID %q is registered twice", cfg.ID)
		}
		e.functions[cfg.Event] = fn
		e.byID[cfg.ID] = fn
	}

	if e.maxConcurrent < 1 {
		e.maxConcurrent = 1
	}
	e.sem = make(chan struct{}, e.maxConcurrent)
	e.metrics = newEngineMetrics(e.meter)
	return e, nil
}

// WorkerID returns the ID this engine uses when leasing runs.
func (e *Engine) WorkerID() string { return e.workerID }

// AdmissionDenied is returned by Submit when a rate limit or throttle rejects an event.
// It is a result, not an error.
type AdmissionDenied struct {
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d AdmissionDenied) RetryAfterSeconds() int {
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// SubmitResult is either an accepted run or an admission denial.
type SubmitResult struct {
	RunID  string
	Denied *AdmissionDenied
}

// Admitted reports whether a run was created.
func (r SubmitResult) Admitted() bool { return r.Denied == nil && r.RunID != "" }

// Submit validates data against the schema of the named event, applies admission control
// and creates a pending run. Denials are reported in the result with a nil error.
// Validation failures return *events.ValidationError.
func (e *Engine) Submit(ctx context.Context, name string, data json.RawMessage) (SubmitResult, error) {
	fn, ok := e.functions[name]
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	cfg := fn.Config()

	normalized, err := fn.Decode(data)
	if err != nil {
		return SubmitResult{}, err
	}

	now := e.now()
	adm, err := cfg.Admission().Admit(ctx, e.store, now, normalized)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("failed to check admission: %w", err)
	}
	e.metrics.admissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("function_id", cfg.ID),
		attribute.Bool("allowed", adm.Allowed),
	))
	if !adm.Allowed {
		e.logger.Info("admission denied", "function_id", cfg.ID, "event", name, "retry_after", adm.RetryAfter)
		return SubmitResult{Denied: &AdmissionDenied{RetryAfter: adm.RetryAfter}}, nil
	}

	evt := events.New(name, normalized)
	evt.ReceivedAt = now
	run := &Run{
		ID:         shortuuid.New(),
		FunctionID: cfg.ID,
		Event:      evt,
		Status:     RunStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return SubmitResult{}, fmt.Errorf("failed to create run: %w", err)
	}

	e.logger.Info("run admitted", "run_id", run.ID, "function_id", cfg.ID, "event_id", evt.ID)
	e.notify()
	return SubmitResult{RunID: run.ID}, nil
}

// Status returns the current state of a run.
func (e *Engine) Status(ctx context.Context, runID string) (*Run, error) {
	return e.store.GetRun(ctx, runID)
}

// Steps returns the step ledger of a run.
func (e *Engine) Steps(ctx context.Context, runID string) ([]*StepRecord, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.GetSteps(ctx, runID)
}

// Cancel marks a pending or running run as cancelled. A step that is executing is
// allowed to finish and its result is discarded.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	finished := e.now()
	_, err := e.store.UpdateRun(ctx, runID, RunUpdate{
		Status:     RunStatusCancelled,
		FinishedAt: &finished,
		Error:      &RunError{Kind: ErrorKindCancelled, Message: "run cancelled"},
		UpdatedAt:  finished,
	})
	if err != nil {
		return err
	}
	e.logger.Info("run cancelled", "run_id", runID)
	return nil
}

func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
