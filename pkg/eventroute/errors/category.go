// Package errors classifies delivery failures and drives retries.
//
// Every failed delivery attempt is assigned a Category:
//   - Transient: a later attempt may succeed (throttling, timeouts, 5xx)
//   - Permanent: no attempt will succeed (bad target, auth, malformed input)
//
// Transient failures are retried with exponential backoff under a
// RetryPolicy; permanent failures stop immediately so the caller can
// dead-letter the event.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how a failure should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: throttling, timeouts, temporary network issues.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: authorization failures, nonexistent queues, invalid payloads.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Attempts is the number of attempts that have been made.
	Attempts int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Attempts)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Attempts)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Categorize determines how a delivery failure should be handled.
//
// Errors that carry no classification are treated as transient: a
// delivery that failed for an unknown reason is most often a network
// or broker hiccup, and the retry budget bounds the cost of guessing
// wrong.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	switch {
	case errors.Is(err, ErrInvalidTarget), errors.Is(err, ErrUnauthorized), errors.Is(err, ErrMessageTooLarge):
		return CategoryPermanent
	case errors.Is(err, ErrThrottled):
		return CategoryTransient
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 408, 429, 502, 503, 504:
			return CategoryTransient
		default:
			if httpErr.StatusCode >= 500 {
				return CategoryTransient
			}
			return CategoryPermanent
		}
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CategoryPermanent
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	// A per-attempt deadline expiring is a timeout; an explicit cancel
	// means the caller gave up and retrying is pointless.
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}

	if errors.Is(err, errors.ErrUnsupported) {
		return CategoryPermanent
	}

	return CategoryTransient
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsPermanent reports whether the error can never succeed on retry.
func IsPermanent(err error) bool {
	return Categorize(err) == CategoryPermanent
}
