package ragflow

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides whether a failed step attempt is retried and after how long.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy is used by functions that do not configure their own.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
	MaxAttempts: 3,
}

// Decision is the outcome of RetryPolicy.Decide.
type Decision struct {
	GiveUp bool
	Delay  time.Duration
}

// Retry returns a decision to retry after delay.
func Retry(delay time.Duration) Decision { return Decision{Delay: delay} }

// GiveUp returns a decision to stop retrying.
func GiveUp() Decision { return Decision{GiveUp: true} }

// Decide classifies err and returns Retry(delay) or GiveUp for the attempt that just failed.
// Attempts are 1-based. Terminal errors always give up, and so does any attempt at or past MaxAttempts.
// The delay is min(MaxDelay, BaseDelay*2^(attempt-1)).
func (p RetryPolicy) Decide(stepKey string, attempt int, err error) Decision {
	switch Classify(err) {
	case ErrorKindTerminal, ErrorKindEngineFault, ErrorKindCancelled:
		return GiveUp()
	}
	if attempt < 1 {
		attempt = 1
	}

	delay, ok := p.delay(attempt)
	if !ok {
		return GiveUp()
	}

	var re *RetryableError
	if errors.As(err, &re) && re.After > delay {
		delay = min(re.After, p.maxDelay())
	}
	return Retry(delay)
}

// delay replays a jitter-free exponential backoff up to the given attempt.
func (p RetryPolicy) delay(attempt int) (time.Duration, bool) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.baseDelay()),
		backoff.WithMaxInterval(p.maxDelay()),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	b := backoff.WithMaxRetries(exp, uint64(maxAttempts-1))

	var d time.Duration
	for range attempt {
		d = b.NextBackOff()
		if d == backoff.Stop {
			return 0, false
		}
	}
	return d, true
}

func (p RetryPolicy) baseDelay() time.Duration {
	if p.BaseDelay <= 0 {
		return DefaultRetryPolicy.BaseDelay
	}
	return p.BaseDelay
}

func (p RetryPolicy) maxDelay() time.Duration {
	if p.MaxDelay < p.baseDelay() {
		return p.baseDelay()
	}
	return p.MaxDelay
}
