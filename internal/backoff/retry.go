package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when all retry attempts have failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Retry calls fn up to attempts times, sleeping between failures according
// to the policy. The returned error wraps both ErrExhausted and the last
// failure. Context cancellation is checked between attempts.
func Retry(ctx context.Context, policy Policy, attempts int, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %w)", err, lastErr)
			}
			return err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt < attempts {
			if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
				return fmt.Errorf("%w (last error: %w)", err, lastErr)
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
