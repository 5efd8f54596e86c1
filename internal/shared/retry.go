package shared

import (
	"context"
	"time"
)

// RetryOnBusy retries fn up to maxRetries times with exponential backoff
// (baseDelay, 2*baseDelay, 4*baseDelay, ...) whenever fn returns a SQLite
// busy/locked error. A context cancellation aborts the retry loop without
// treating it as a fatal error, since the caller is usually cleaning up.
//
// This generalizes the retry idiom duplicated across the teacher's
// container/ttl.go and api/container.go (both of which hand-rolled the
// same backoff loop around a single repository call).
func RetryOnBusy(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsSQLiteConflictError(lastErr) {
			return lastErr
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<uint(i))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
	return lastErr
}
