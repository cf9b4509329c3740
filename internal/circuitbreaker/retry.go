package circuitbreaker

import (
	"context"
	"time"
)

// Retry re-runs fn up to attempts times with a fixed backoff between
// tries. Only errors accepted by retryable are retried; everything else
// (including success) returns immediately. The last error is returned
// when all attempts fail.
func Retry(ctx context.Context, attempts int, backoff time.Duration, retryable func(error) bool, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}
