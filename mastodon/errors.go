package mastodon

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is returned for any non-2xx response from the instance. It carries
// the parsed rate-limit headers when present, so that 429 handling can honor
// the reset time.
type APIError struct {
	StatusCode int
	Endpoint   string
	Body       string
	Ratelimit  *RateLimit
}

func (e *APIError) Error() string {
	if e.StatusCode == http.StatusTooManyRequests && e.Ratelimit != nil {
		return fmt.Sprintf("mastodon API error %d on %s (throttled until %s)", e.StatusCode, e.Endpoint, e.Ratelimit.Reset.Local())
	}
	return fmt.Sprintf("mastodon API error %d on %s: %s", e.StatusCode, e.Endpoint, e.Body)
}

// Retryable reports whether the worker queue should retry the failed call.
// Network errors and 5xx are transient; 429 is a backoff instruction; any
// other 4xx is terminal.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsTerminal reports whether err is an upstream error that retrying cannot
// fix (a 4xx other than 429). Non-API errors (network, timeouts) are
// transient.
func IsTerminal(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Retryable()
	}
	return false
}
