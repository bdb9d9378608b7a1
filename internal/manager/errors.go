package manager

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProviderUnavailable is matched by UnavailableError.
	ErrProviderUnavailable = errors.New("no provider available")
	// ErrExhausted is matched by ExhaustedError.
	ErrExhausted = errors.New("all providers exhausted")
	// ErrUnknownProvider is returned when a name is not registered.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrDuplicateProvider is returned when registering a name twice.
	ErrDuplicateProvider = errors.New("provider already registered")
)

// UnavailableError means no provider passed the availability filter, so
// nothing was attempted.
type UnavailableError struct {
	RequestID string
	Model     string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("no provider available for model %q (request %s)", e.Model, e.RequestID)
}

func (e *UnavailableError) Unwrap() error { return ErrProviderUnavailable }

// ExhaustedError is returned once every candidate has been tried and failed.
// It wraps the last underlying failure.
type ExhaustedError struct {
	RequestID string
	Model     string
	Attempted []string
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all providers exhausted for model %q (request %s, attempted: %s): %v",
		e.Model, e.RequestID, strings.Join(e.Attempted, ", "), e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Is lets errors.Is match ErrExhausted in addition to the wrapped cause.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }
