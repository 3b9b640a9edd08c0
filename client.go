package ragflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Submitter is the part of the Engine a Client needs.
type Submitter interface {
	Submit(ctx context.Context, name string, data json.RawMessage) (SubmitResult, error)
	Status(ctx context.Context, runID string) (*Run, error)
}

// Client sends events and polls their runs until they finish.
type Client struct {
	engine       Submitter
	tracer       trace.Tracer
	pollInterval time.Duration
	timeout      time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithWaitPolling sets the poll interval and overall timeout used by Wait.
func WithWaitPolling(interval, timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.pollInterval = interval
		c.timeout = timeout
	}
}

// NewClient creates a Client. Wait polls every 500ms for up to 120s by default.
func NewClient(engine Submitter, opts ...ClientOption) *Client {
	c := &Client{
		engine:       engine,
		tracer:       otel.Tracer(instrumentationName + "/client"),
		pollInterval: 500 * time.Millisecond,
		timeout:      120 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send encodes payload as JSON and submits it under the event name.
func (c *Client) Send(ctx context.Context, name string, payload any) (SubmitResult, error) {
	ctx, span := c.tracer.Start(ctx, "send "+name)
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	res, err := c.engine.Submit(ctx, name, data)
	if err != nil {
		return SubmitResult{}, err
	}
	span.SetAttributes(attribute.String("ragflow.run_id", res.RunID), attribute.Bool("ragflow.admitted", res.Admitted()))
	return res, nil
}

// Status returns the current state of a run.
func (c *Client) Status(ctx context.Context, runID string) (*Run, error) {
	return c.engine.Status(ctx, runID)
}

// Wait polls the run until it reaches a terminal status or the timeout elapses.
func (c *Client) Wait(ctx context.Context, runID string) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		run, err := c.engine.Status(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return run, fmt.Errorf("timed out waiting for run %s (last status %s): %w", runID, run.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Output decodes the result of a completed run into out. A failed or cancelled run
// returns its RunError.
func Output(run *Run, out any) error {
	switch run.Status {
	case RunStatusCompleted:
		return json.Unmarshal(run.Result, out)
	case RunStatusFailed, RunStatusCancelled:
		if run.Error != nil {
			return run.Error
		}
		return fmt.Errorf("run %s %s", run.ID, run.Status)
	default:
		return fmt.Errorf("run %s is still %s", run.ID, run.Status)
	}
}
