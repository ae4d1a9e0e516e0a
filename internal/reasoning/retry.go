package reasoning

import (
	"context"
	"time"
)

// Retry runs fn with bounded exponential backoff on transient engine errors.
// retries is the number of re-attempts after the first failure; backoff
// doubles each attempt starting at base. Non-transient errors and context
// cancellation return immediately.
func Retry(ctx context.Context, retries int, base time.Duration, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := base << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !Transient(err) {
			return err
		}
	}
	return lastErr
}
