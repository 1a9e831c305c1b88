package backoff

import (
	"context"
	"errors"
)

// ErrAttemptsExhausted is returned when all retry attempts have been used.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Result holds the outcome of a retry operation.
type Result[T any] struct {
	// Value is the successful result value.
	Value T
	// Attempts is the number of attempts made (1-indexed).
	Attempts int
	// LastError is the last error encountered, if any.
	LastError error
}

// Retry executes fn with exponential backoff until it succeeds, the error
// is not retryable, maxAttempts is reached, or ctx is cancelled.
//
// retryable decides whether an error is worth another attempt; nil means
// every error is. fn receives the current attempt number (1-indexed).
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	retryable func(error) bool,
	fn func(attempt int) (T, error),
) (Result[T], error) {
	var result Result[T]
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = lastErr
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}

		lastErr = err
		result.LastError = err

		if retryable != nil && !retryable(err) {
			return result, err
		}

		// No sleep after the final attempt.
		if attempt < maxAttempts {
			if err := SleepBackoff(ctx, policy, attempt); err != nil {
				return result, err
			}
		}
	}

	return result, ErrAttemptsExhausted
}
