// Package providers holds what the Ollama and OpenAI adapters share.
package providers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dynoinc/ragflow"
)

// StatusError classifies an HTTP failure. Timeouts, rate limiting and server errors
// are retryable. Any other 4xx is terminal.
func StatusError(op string, code int, body string, retryAfter time.Duration) error {
	err := fmt.Errorf("%s: status %d: %s", op, code, body)
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return ragflow.RetryableAfter(err, retryAfter)
	case code >= 400:
		return ragflow.Terminal(err)
	default:
		return ragflow.Retryable(err)
	}
}

// RetryAfter parses a Retry-After header given in seconds. It returns zero when absent.
func RetryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
