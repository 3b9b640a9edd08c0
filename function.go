package ragflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dynoinc/ragflow/events"
)

// Function is a workflow triggered by one event name.
type Function interface {
	// Config returns the static configuration of the function.
	Config() FunctionConfig
	// Decode validates and normalizes an event payload. The returned bytes are what the
	// run is created with and what Run later receives.
	Decode(data json.RawMessage) (json.RawMessage, error)
	// Run executes the function body. Steps must be taken with Step.
	Run(wc *Context, data json.RawMessage) (any, error)
}

// FunctionConfig configures a Function.
type FunctionConfig struct {
	// ID names the function. It is stored on every run.
	ID string
	// Event is the event name that triggers the function.
	Event string

	RateLimit *RateLimit
	Throttle  *Throttle

	// Retry overrides DefaultRetryPolicy.
	Retry *RetryPolicy
	// StepTimeout bounds every step attempt unless the step sets its own. Zero means no timeout.
	StepTimeout time.Duration
}

// Admission returns the admission policy described by the config.
func (c FunctionConfig) Admission() AdmissionPolicy {
	return AdmissionPolicy{
		FunctionID: c.ID,
		RateLimit:  c.RateLimit,
		Throttle:   c.Throttle,
	}
}

// RetryPolicy returns the configured retry policy or the default.
func (c FunctionConfig) RetryPolicy() RetryPolicy {
	if c.Retry == nil {
		return DefaultRetryPolicy
	}
	return *c.Retry
}

type typedFunction[In any, Out any] struct {
	cfg FunctionConfig
	fn  func(wc *Context, in In) (Out, error)
}

// NewFunction builds a Function whose payload is decoded into In with events.Decode.
// In may implement events.Validator on its pointer to check and default its fields.
func NewFunction[In any, Out any](cfg FunctionConfig, fn func(wc *Context, in In) (Out, error)) Function {
	if cfg.ID == "" {
		cfg.ID = cfg.Event
	}
	return &typedFunction[In, Out]{cfg: cfg, fn: fn}
}

func (f *typedFunction[In, Out]) Config() FunctionConfig { return f.cfg }

func (f *typedFunction[In, Out]) Decode(data json.RawMessage) (json.RawMessage, error) {
	in, err := events.Decode[In](f.cfg.Event, data)
	if err != nil {
		return nil, err
	}
	normalized, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", f.cfg.Event, err)
	}
	return normalized, nil
}

func (f *typedFunction[In, Out]) Run(wc *Context, data json.RawMessage) (any, error) {
	in, err := events.Decode[In](f.cfg.Event, data)
	if err != nil {
		return nil, err
	}
	return f.fn(wc, in)
}
