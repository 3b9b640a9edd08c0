// Package events defines the envelope for externally triggered events and the
// helpers used to decode their payloads into typed, validated structures.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Event is a named, externally triggered occurrence. It is immutable once admitted.
type Event struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`
}

// New stamps a fresh ID and receive time on the given payload.
func New(name string, data json.RawMessage) Event {
	return Event{
		ID:         shortuuid.New(),
		Name:       name,
		Data:       data,
		ReceivedAt: time.Now().UTC(),
	}
}

// Validator is implemented by payloads that check and normalize themselves after decoding.
// Validate may fill in defaults.
type Validator interface {
	Validate() error
}

// ValidationError reports that an event payload does not match the schema of its event name.
type ValidationError struct {
	Event string
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s payload: %v", e.Event, e.Err)
	}
	return fmt.Sprintf("invalid %s payload: %s: %v", e.Event, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// FieldError builds a ValidationError for a single field. The event name is filled in by Decode.
func FieldError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Decode strictly unmarshals data into T and runs its Validate method when present.
// Unknown fields are rejected. Every failure is a *ValidationError.
func Decode[T any](name string, data json.RawMessage) (T, error) {
	var v T
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, &ValidationError{Event: name, Err: err}
	}
	if dec.More() {
		return v, &ValidationError{Event: name, Err: errors.New("trailing data after payload")}
	}

	if vd, ok := any(&v).(Validator); ok {
		if err := vd.Validate(); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Event = name
				return v, ve
			}
			return v, &ValidationError{Event: name, Err: err}
		}
	}
	return v, nil
}
