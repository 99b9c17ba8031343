// Package retry is a small bounded-retry helper for brittle sub-steps. It has
// no knowledge of what it retries; callers wrap individual operations, not
// whole pipelines, so side effects are not duplicated.
package retry

import (
	"context"
	"log/slog"
	"time"

	"flywheel/internal/common"
)

// Do runs fn up to attempts times, waiting delay between failed attempts.
// It returns on first success with no trailing delay. After exhausting
// attempts the last error is returned unchanged so callers can still
// classify it. attempts <= 0 falls back to a small default suitable for
// idempotent read-like checks.
func Do[T any](ctx context.Context, log *slog.Logger, label string, attempts int, delay time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = common.DefaultRetryAttempts
	}
	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if log != nil {
			log.Debug("attempt failed", "op", label, "attempt", attempt, "of", attempts, "err", err)
		}
		if attempt == attempts {
			break
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return zero, lastErr
			case <-time.After(delay):
			}
		} else if ctx.Err() != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// DoVoid is Do for operations without a result value.
func DoVoid(ctx context.Context, log *slog.Logger, label string, attempts int, delay time.Duration, fn func(context.Context) error) error {
	_, err := Do(ctx, log, label, attempts, delay, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
