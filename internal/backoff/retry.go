package backoff

import (
	"context"
	"time"
)

// RetryResult holds the outcome of Retry.
type RetryResult[T any] struct {
	// Value is the successful result value.
	Value T
	// Attempts is the number of executions performed.
	Attempts int
	// Delays records each wait taken between attempts.
	Delays []time.Duration
}

// Retry runs fn until it succeeds or the attempt budget is spent.
//
// Options are validated before the first attempt. After a failure, fn is run
// again only if attempts remain and ShouldRetry (when set) agrees. The error
// returned on exhaustion is fn's own error, unwrapped. Cancelling ctx aborts
// an inter-attempt wait and returns ctx.Err(); it is not checked otherwise.
func Retry[T any](
	ctx context.Context,
	opts RetryOptions,
	fn func(ctx context.Context, attempt int) (T, error),
) (RetryResult[T], error) {
	var result RetryResult[T]

	opts, err := opts.Normalize()
	if err != nil {
		return result, err
	}

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt

		value, err := fn(ctx, attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}

		if attempt >= opts.MaxAttempts {
			return result, err
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(err, attempt) {
			return result, err
		}

		delay := ComputeDelay(opts, attempt)
		if delay > 0 {
			result.Delays = append(result.Delays, delay)
			if sleepErr := SleepWithContext(ctx, delay); sleepErr != nil {
				return result, sleepErr
			}
		}
	}
}

// SleepWithContext sleeps for the specified duration, respecting context cancellation.
// A non-positive duration returns immediately without starting a timer.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
