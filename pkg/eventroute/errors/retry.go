package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures how a channel retries deliveries to one queue.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	MaxAttempts int

	// InitialBackoff is the starting backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied to backoff after each attempt.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64

	// MaxEventAge stops retrying once the event is older than this.
	// Zero disables the age limit.
	MaxEventAge time.Duration

	// AttemptTimeout bounds each individual attempt. Zero means the
	// attempt only ends with its parent context.
	AttemptTimeout time.Duration

	// RetryableFunc optionally overrides the default retryability check.
	RetryableFunc func(error) bool
}

// DefaultRetry is the standard per-queue retry policy.
var DefaultRetry = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
	AttemptTimeout: 5 * time.Second,
}

// NoRetry disables retries.
var NoRetry = RetryPolicy{
	MaxAttempts: 1,
}

// StopReason records why a retry loop ended.
type StopReason int

const (
	// StopSucceeded means an attempt succeeded.
	StopSucceeded StopReason = iota

	// StopPermanent means an attempt failed with a permanent error.
	StopPermanent

	// StopExhausted means MaxAttempts transient failures occurred.
	StopExhausted

	// StopExpired means the event outlived MaxEventAge.
	StopExpired

	// StopCanceled means the parent context ended.
	StopCanceled
)

// String returns the stop reason name.
func (r StopReason) String() string {
	switch r {
	case StopSucceeded:
		return "succeeded"
	case StopPermanent:
		return "permanent"
	case StopExhausted:
		return "exhausted"
	case StopExpired:
		return "expired"
	case StopCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Attempt describes one finished attempt inside a retry loop.
type Attempt struct {
	Number   int
	Err      error
	Category Category
	Duration time.Duration
}

// RetryResult contains the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the result if successful.
	Value T

	// Err is the final error if all attempts failed.
	Err error

	// Attempts is the number of attempts made.
	Attempts int

	// Duration is the total time spent retrying.
	Duration time.Duration

	// Stop is why the loop ended.
	Stop StopReason
}

type runOptions struct {
	origin    time.Time
	onAttempt func(Attempt)
}

// RunOption configures a single retry run.
type RunOption func(*runOptions)

// WithOrigin sets the time the retried work was created, used for the
// MaxEventAge check.
func WithOrigin(t time.Time) RunOption {
	return func(o *runOptions) {
		o.origin = t
	}
}

// WithOnAttempt registers a callback invoked after every attempt.
func WithOnAttempt(fn func(Attempt)) RunOption {
	return func(o *runOptions) {
		o.onAttempt = fn
	}
}

// WithRetry executes a function with retries based on the policy.
func WithRetry[T any](p RetryPolicy, fn func() (T, error)) RetryResult[T] {
	return WithRetryContext(context.Background(), p, func(_ context.Context, _ int) (T, error) {
		return fn()
	})
}

// WithRetryContext executes fn until it succeeds, fails permanently,
// exhausts p.MaxAttempts, outlives p.MaxEventAge or ctx ends. fn
// receives a context bounded by p.AttemptTimeout and the 1-based
// attempt number.
func WithRetryContext[T any](
	ctx context.Context,
	p RetryPolicy,
	fn func(context.Context, int) (T, error),
	opts ...RunOption,
) RetryResult[T] {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := p.InitialBackoff
	var lastErr error

	isRetryable := p.RetryableFunc
	if isRetryable == nil {
		isRetryable = IsRetryable
	}

	canceled := func(attempts int) RetryResult[T] {
		return RetryResult[T]{
			Err:      &CategorizedError{Err: ctx.Err(), Category: CategoryPermanent, Attempts: attempts, Context: "context cancelled"},
			Attempts: attempts,
			Duration: time.Since(start),
			Stop:     StopCanceled,
		}
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return canceled(attempt - 1)
		}

		attemptStart := time.Now()
		result, err := runAttempt(ctx, p.AttemptTimeout, attempt, fn)
		if err == nil {
			if o.onAttempt != nil {
				o.onAttempt(Attempt{Number: attempt, Duration: time.Since(attemptStart)})
			}
			return RetryResult[T]{
				Value:    result,
				Attempts: attempt,
				Duration: time.Since(start),
				Stop:     StopSucceeded,
			}
		}

		// The parent ending mid-attempt is not the target's fault.
		if ctx.Err() != nil {
			return canceled(attempt)
		}

		lastErr = err
		category := CategoryPermanent
		if isRetryable(err) {
			category = CategoryTransient
		}
		if o.onAttempt != nil {
			o.onAttempt(Attempt{Number: attempt, Err: err, Category: category, Duration: time.Since(attemptStart)})
		}

		if category == CategoryPermanent {
			return RetryResult[T]{
				Err:      &CategorizedError{Err: err, Category: CategoryPermanent, Attempts: attempt},
				Attempts: attempt,
				Duration: time.Since(start),
				Stop:     StopPermanent,
			}
		}

		if p.MaxEventAge > 0 && !o.origin.IsZero() && time.Since(o.origin) > p.MaxEventAge {
			return RetryResult[T]{
				Err: &CategorizedError{
					Err:      err,
					Category: CategoryTransient,
					Attempts: attempt,
					Context:  "max event age exceeded",
				},
				Attempts: attempt,
				Duration: time.Since(start),
				Stop:     StopExpired,
			}
		}

		// Don't sleep after the last attempt
		if attempt < maxAttempts {
			timer := time.NewTimer(calculateBackoff(backoff, p.Jitter))
			select {
			case <-ctx.Done():
				timer.Stop()
				return canceled(attempt)
			case <-timer.C:
			}

			backoff = time.Duration(float64(backoff) * p.BackoffFactor)
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
	}

	return RetryResult[T]{
		Err: &CategorizedError{
			Err:      lastErr,
			Category: CategoryTransient,
			Attempts: maxAttempts,
			Context:  "max retries exceeded",
		},
		Attempts: maxAttempts,
		Duration: time.Since(start),
		Stop:     StopExhausted,
	}
}

func runAttempt[T any](
	ctx context.Context,
	timeout time.Duration,
	attempt int,
	fn func(context.Context, int) (T, error),
) (T, error) {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx, attempt)
}

// calculateBackoff returns the backoff duration with jitter applied.
func calculateBackoff(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}

	// base +/- (base * jitter * random)
	jitterAmount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitterAmount)
}

// RetryOption configures a retry policy.
type RetryOption func(*RetryPolicy)

// WithMaxAttempts sets the maximum number of attempts.
func WithMaxAttempts(n int) RetryOption {
	return func(p *RetryPolicy) {
		p.MaxAttempts = n
	}
}

// WithInitialBackoff sets the initial backoff duration.
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.InitialBackoff = d
	}
}

// WithMaxBackoff sets the maximum backoff duration.
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.MaxBackoff = d
	}
}

// WithBackoffFactor sets the backoff multiplier.
func WithBackoffFactor(f float64) RetryOption {
	return func(p *RetryPolicy) {
		p.BackoffFactor = f
	}
}

// WithJitter sets the jitter factor.
func WithJitter(j float64) RetryOption {
	return func(p *RetryPolicy) {
		p.Jitter = j
	}
}

// WithMaxEventAge sets the age after which retries stop.
func WithMaxEventAge(d time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.MaxEventAge = d
	}
}

// WithAttemptTimeout sets the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.AttemptTimeout = d
	}
}

// WithRetryableFunc sets a custom retryability check.
func WithRetryableFunc(fn func(error) bool) RetryOption {
	return func(p *RetryPolicy) {
		p.RetryableFunc = fn
	}
}

// NewRetryPolicy creates a retry policy from DefaultRetry and the given options.
func NewRetryPolicy(opts ...RetryOption) RetryPolicy {
	p := DefaultRetry
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
