package errors

import (
	"errors"
	"fmt"
)

// Delivery sentinels. Consumer queues return them (wrapped or bare) and
// Categorize classifies them without further wrapping.
var (
	// ErrThrottled means the target refused the message for now. Transient.
	ErrThrottled = errors.New("queue: throttled")

	// ErrInvalidTarget means the target does not exist or cannot be
	// addressed. Permanent.
	ErrInvalidTarget = errors.New("queue: invalid target")

	// ErrUnauthorized means the router may not write to the target. Permanent.
	ErrUnauthorized = errors.New("queue: unauthorized")

	// ErrMessageTooLarge means the message exceeds the target's size
	// limit. Permanent.
	ErrMessageTooLarge = errors.New("queue: message too large")
)

// HTTPError represents an HTTP error with status code, as returned by
// webhook-style consumer targets.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// ValidationError indicates an event or message the target rejected as
// malformed. Resending the same bytes cannot succeed.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// TimeoutError indicates an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}
