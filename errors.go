package ragflow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dynoinc/ragflow/events"
)

var (
	// ErrRunNotFound is returned when a run does not exist in the store.
	ErrRunNotFound = errors.New("ragflow: run not found")
	// ErrConcurrentUpdate is returned when a store write loses an optimistic concurrency race.
	ErrConcurrentUpdate = errors.New("ragflow: concurrent update")
	// ErrInvalidTransition is returned when a run status would move backwards or leave a terminal state.
	ErrInvalidTransition = errors.New("ragflow: invalid run status transition")
	// ErrStepAlreadySucceeded is returned when a step record would overwrite a succeeded step.
	ErrStepAlreadySucceeded = errors.New("ragflow: step already succeeded")
	// ErrUnknownEvent is returned by Submit for an event name with no registered function.
	ErrUnknownEvent = errors.New("ragflow: no function registered for event")
	// ErrDuplicateStepKey is returned when a function calls Step twice with the same key.
	ErrDuplicateStepKey = errors.New("ragflow: duplicate step key")
)

// ErrorKind is the structured classification of a run or step failure.
type ErrorKind string

const (
	ErrorKindRetryable   ErrorKind = "retryable"
	ErrorKindTerminal    ErrorKind = "terminal"
	ErrorKindEngineFault ErrorKind = "engine_fault"
	ErrorKindCancelled   ErrorKind = "cancelled"
)

// RunError is the error surfaced to callers of Status. It never carries a stack trace.
type RunError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// RetryableError marks a transient failure from an external collaborator.
type RetryableError struct {
	Err error
	// After is an optional hint (for example an HTTP Retry-After) for the earliest retry.
	After time.Duration
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the retry policy schedules another attempt.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// RetryableAfter is Retryable with a minimum delay hint.
func RetryableAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err, After: after}
}

// TerminalError marks a failure that no number of retries will fix.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so the retry policy gives up immediately.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// Terminalf is shorthand for Terminal(fmt.Errorf(...)).
func Terminalf(format string, args ...any) error {
	return Terminal(fmt.Errorf(format, args...))
}

// EngineFault reports that the engine could not read or write its own state.
// It fails the run without consulting the retry policy.
type EngineFault struct {
	Op  string
	Err error
}

func (e *EngineFault) Error() string { return fmt.Sprintf("engine fault: %s: %v", e.Op, e.Err) }
func (e *EngineFault) Unwrap() error { return e.Err }

// Classify maps an error to its ErrorKind. Unrecognised errors are retryable.
func Classify(err error) ErrorKind {
	var (
		terminal   *TerminalError
		permanent  *backoff.PermanentError
		validation *events.ValidationError
		retryable  *RetryableError
		fault      *EngineFault
		netErr     net.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fault):
		return ErrorKindEngineFault
	case errors.As(err, &terminal), errors.As(err, &permanent), errors.As(err, &validation):
		return ErrorKindTerminal
	case errors.As(err, &retryable):
		return ErrorKindRetryable
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return ErrorKindRetryable
	case errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	default:
		return ErrorKindRetryable
	}
}

func toRunError(err error) *RunError {
	if err == nil {
		return nil
	}
	var re *RunError
	if errors.As(err, &re) {
		return re
	}
	return &RunError{Kind: Classify(err), Message: err.Error()}
}
