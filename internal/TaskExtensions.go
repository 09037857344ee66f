package internal

import (
	"context"
	"fmt"
	"time"
)

// ActionRetryTaskCallback represents a callback function that performs one attempt of a task
type ActionRetryTaskCallback[T any] func(ctx context.Context, attempt int) (T, error)

// ActionOnRetry represents a callback function invoked before a failed task is attempted again
type ActionOnRetry func(retryAttemptCount, retryAttemptTotal int, lastErr error)

// DefaultRetryAttempt is the default number of attempts
const DefaultRetryAttempt = 1

// RetryOptions configures WaitForRetry
type RetryOptions struct {
	// Attempts is the total number of attempts, including the first
	Attempts int
	// Delay is slept between attempts; the sleep ends early when ctx is cancelled
	Delay time.Duration
	// ShouldRetry decides whether an error may be retried. nil retries every error.
	ShouldRetry func(error) bool
	OnRetry     ActionOnRetry
}

// WaitForRetry executes a task until it succeeds, a non-retryable error occurs or the attempts run out.
// The last result is returned together with the last error and the number of attempts made.
func WaitForRetry[T any](ctx context.Context, callback ActionRetryTaskCallback[T], opts RetryOptions) (T, int, error) {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultRetryAttempt
	}

	var (
		result T
		err    error
	)
	attempt := 1
	for ; attempt <= attempts; attempt++ {
		result, err = callback(ctx, attempt)
		if err == nil {
			return result, attempt, nil
		}
		if ctx.Err() != nil || attempt == attempts {
			break
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(err) {
			break
		}

		PushLogWarning(nil, fmt.Sprintf("The operation has thrown an exception! Retrying attempt left: %d/%d\n%v",
			attempt, attempts, err))
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, attempts, err)
		}

		if opts.Delay > 0 {
			timer := time.NewTimer(opts.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result, attempt, err
			case <-timer.C:
			}
		}
	}
	return result, min(attempt, attempts), err
}
