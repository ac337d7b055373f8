// Package qbo speaks to the external accounting API: token lifecycle,
// resilient calls with retry and backoff, paged entity queries, the change
// feed, and report fetches.
package qbo

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrReauthorizationRequired indicates the refresh token was rejected and
	// the tenant must reconnect. Never retried automatically.
	ErrReauthorizationRequired = errors.New("qbo: reauthorization required")
	// ErrTimeout indicates the hard per-request timeout fired mid-flight.
	ErrTimeout = errors.New("qbo: request timed out")
)

// APIError carries a non-2xx response that survived the retry policy.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("qbo: api error %d: %s", e.Status, truncate(e.Body, 200))
}

// IsTransientStatus reports whether a status code is worth retrying.
// Pure by design so the retry policy is testable in isolation.
func IsTransientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
