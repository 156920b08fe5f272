package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Permanent wraps an error so BackoffRetry stops retrying and returns it
// immediately. Used for protocol-level rejections that will never succeed
// on a retry.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string {
	return p.Err.Error()
}

func (p *Permanent) Unwrap() error {
	return p.Err
}

// BackoffRetry runs fn up to maxAttempts times, doubling the delay between
// attempts starting at minDelay. It returns the last error once the attempt
// budget is exhausted, or immediately on a *Permanent error or context
// cancellation. Every outbound call to the CA, the state store, and peers
// goes through this one policy.
func BackoffRetry(ctx context.Context, maxAttempts int, minDelay time.Duration, fn func(ctx context.Context) error) error {
	var err error
	delay := minDelay
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", maxAttempts, err)
}
