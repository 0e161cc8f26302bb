package shared

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy bounds a retry loop with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches the database retry settings: 3 attempts starting at 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// attempts are used up. The delay doubles after every retryable failure
// (50ms, 100ms, 200ms with the default policy). The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, retryable func(error) bool, fn func(attempt int) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var err error
	for i := 0; i < p.MaxAttempts; i++ {
		err = fn(i + 1)
		if err == nil || !retryable(err) {
			return err
		}
		if i == p.MaxAttempts-1 {
			break
		}

		delay := p.BaseDelay * time.Duration(1<<i)
		slog.Debug("retrying after transient failure", "attempt", i+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
