package ragflow

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/tidwall/gjson"
)

// RateLimit allows at most Limit admissions per Period for each distinct value
// found at Key in the event data.
type RateLimit struct {
	// Key is a gjson path into the event data, for example "source_id".
	Key    string
	Limit  int
	Period time.Duration
}

// Throttle caps the total admissions of one function per Period regardless of key.
type Throttle struct {
	Limit  int
	Period time.Duration
}

// Window is one sliding admission window checked by Store.Admit.
type Window struct {
	Key    string
	Limit  int
	Period time.Duration
}

// Admission is the result of an admission check.
type Admission struct {
	Allowed    bool
	RetryAfter time.Duration
}

// AdmissionPolicy groups the admission windows for one function.
type AdmissionPolicy struct {
	FunctionID string
	RateLimit  *RateLimit
	Throttle   *Throttle
}

// Windows returns the admission windows an event with the given data falls into.
// A missing rate-limit key maps to the empty key.
func (p AdmissionPolicy) Windows(data json.RawMessage) []Window {
	var windows []Window
	if rl := p.RateLimit; rl != nil && rl.Limit > 0 && rl.Period > 0 {
		key := gjson.GetBytes(data, rl.Key).String()
		windows = append(windows, Window{
			Key:    fmt.Sprintf("rate:%s:%s", p.FunctionID, key),
			Limit:  rl.Limit,
			Period: rl.Period,
		})
	}
	if th := p.Throttle; th != nil && th.Limit > 0 && th.Period > 0 {
		windows = append(windows, Window{
			Key:    "throttle:" + p.FunctionID,
			Limit:  th.Limit,
			Period: th.Period,
		})
	}
	return windows
}

// Admit checks and records an admission for data at now. Either window being full denies
// admission and nothing is recorded.
func (p AdmissionPolicy) Admit(ctx context.Context, store Store, now time.Time, data json.RawMessage) (Admission, error) {
	windows := p.Windows(data)
	if len(windows) == 0 {
		return Admission{Allowed: true}, nil
	}
	return store.Admit(ctx, now, windows)
}

// EvaluateWindows applies the sliding-log rule to the admitted timestamps of each window.
// history[i] holds the timestamps already admitted for windows[i], in any order.
// Store implementations call it while holding whatever lock makes the check atomic.
func EvaluateWindows(now time.Time, windows []Window, history [][]time.Time) Admission {
	var retryAfter time.Duration
	denied := false
	for i, w := range windows {
		cutoff := now.Add(-w.Period)
		var inWindow []time.Time
		for _, ts := range history[i] {
			if ts.After(cutoff) {
				inWindow = append(inWindow, ts)
			}
		}
		if len(inWindow) < w.Limit {
			continue
		}

		denied = true
		// The slot frees when the oldest admission that keeps the window full expires.
		slices.SortFunc(inWindow, time.Time.Compare)
		freeAt := inWindow[len(inWindow)-w.Limit].Add(w.Period)
		if wait := freeAt.Sub(now); wait > retryAfter {
			retryAfter = wait
		}
	}
	if denied {
		return Admission{RetryAfter: retryAfter}
	}
	return Admission{Allowed: true}
}
