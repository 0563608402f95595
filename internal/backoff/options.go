// Package backoff provides the retry budget and exponential inter-attempt
// delays used when invoking tools.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidRetryOptions is wrapped by every validation failure from Normalize.
var ErrInvalidRetryOptions = errors.New("invalid retry options")

// RetryOptions bounds how often and how quickly an operation is retried.
// Zero values select the defaults: one attempt, no delay, multiplier 1.
type RetryOptions struct {
	// MaxAttempts is the total number of executions allowed, including the first.
	MaxAttempts int
	// Delay is the wait before the second attempt.
	Delay time.Duration
	// BackoffMultiplier scales Delay for each further attempt.
	BackoffMultiplier float64
	// ShouldRetry, when set, is consulted after each failure except the last.
	ShouldRetry func(err error, attempt int) bool
}

// Normalize fills defaults and rejects out-of-range values.
func (o RetryOptions) Normalize() (RetryOptions, error) {
	switch {
	case o.MaxAttempts == 0:
		o.MaxAttempts = 1
	case o.MaxAttempts < 0:
		return o, fmt.Errorf("%w: retry.maxAttempts must be an integer >= 1", ErrInvalidRetryOptions)
	}
	if o.Delay < 0 {
		return o, fmt.Errorf("%w: retry.delayMs must be a finite number >= 0", ErrInvalidRetryOptions)
	}
	switch {
	case o.BackoffMultiplier == 0:
		o.BackoffMultiplier = 1
	case math.IsNaN(o.BackoffMultiplier) || math.IsInf(o.BackoffMultiplier, 0) || o.BackoffMultiplier < 1:
		return o, fmt.Errorf("%w: retry.backoffMultiplier must be a finite number >= 1", ErrInvalidRetryOptions)
	}
	return o, nil
}

// Merge overlays the non-zero fields of override onto o.
func (o RetryOptions) Merge(override RetryOptions) RetryOptions {
	if override.MaxAttempts != 0 {
		o.MaxAttempts = override.MaxAttempts
	}
	if override.Delay != 0 {
		o.Delay = override.Delay
	}
	if override.BackoffMultiplier != 0 {
		o.BackoffMultiplier = override.BackoffMultiplier
	}
	if override.ShouldRetry != nil {
		o.ShouldRetry = override.ShouldRetry
	}
	return o
}

// ComputeDelay returns the wait after the given failed attempt (1-indexed):
// Delay * BackoffMultiplier^(attempt-1), rounded to the millisecond.
func ComputeDelay(opts RetryOptions, attempt int) time.Duration {
	if opts.Delay <= 0 {
		return 0
	}
	multiplier := opts.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	exp := math.Max(float64(attempt-1), 0)
	ms := math.Round(float64(opts.Delay) / float64(time.Millisecond) * math.Pow(multiplier, exp))
	if ms <= 0 {
		return 0
	}
	if ms >= float64(math.MaxInt64/int64(time.Millisecond)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms) * time.Millisecond
}
