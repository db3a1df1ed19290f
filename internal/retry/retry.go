// Package retry runs an operation a bounded number of times with a constant
// pause between attempts. The watch loop wraps everything in a further retry
// envelope, so there is no exponential growth here.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FixedConfig describes a constant-delay retry budget.
type FixedConfig struct {
	Interval    time.Duration
	MaxAttempts int

	// OnRetry, when set, is called after every failed attempt that will be
	// followed by another one.
	OnRetry func(attempt int, err error)
}

// Fixed returns a FixedConfig with the given interval and attempt cap.
func Fixed(interval time.Duration, attempts int) FixedConfig {
	return FixedConfig{Interval: interval, MaxAttempts: attempts}
}

type RetryableFunc func() error

// WithRetry calls fn until it succeeds, returns a StopError, the attempt
// budget is spent, or ctx is done. It returns the number of attempts made.
func WithRetry(ctx context.Context, fn RetryableFunc, config FixedConfig) (int, error) {
	maxAttempts := config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return attempt - 1, fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(config.Interval):
			}
		}

		err := fn()
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		var stopErr StopError
		if errors.As(err, &stopErr) {
			return attempt, stopErr.Err
		}

		if attempt < maxAttempts && config.OnRetry != nil {
			config.OnRetry(attempt, err)
		}
	}

	return maxAttempts, fmt.Errorf("operation failed after %d attempts: %w", maxAttempts, lastErr)
}

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}
