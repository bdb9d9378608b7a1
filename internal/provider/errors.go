package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrUpstream is matched by every StatusError.
var ErrUpstream = errors.New("upstream error")

// StatusError is a non-2xx reply from a vendor API.
type StatusError struct {
	StatusCode int
	Body       string
	// RetryAfter is the vendor's Retry-After hint, zero if absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUpstream }

// Transient reports whether the status is worth retrying against the same provider.
func (e *StatusError) Transient() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	ra := h.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// CallError records that a call to a specific provider failed.
type CallError struct {
	Provider  string
	RequestID string
	Err       error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("provider %s failed request %s: %v", e.Provider, e.RequestID, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// HTTPStatus returns the vendor's status code when the failure was a
// StatusError, and zero otherwise.
func (e *CallError) HTTPStatus() int {
	var se *StatusError
	if errors.As(e.Err, &se) {
		return se.StatusCode
	}
	return 0
}
