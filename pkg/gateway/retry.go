/**
 * @description
 * This file provides the retry policy for gateway calls. Transport failures
 * and processor 5xx responses are retried with exponential backoff up to a
 * fixed attempt ceiling; definitive rejections (ErrRejected) are returned
 * immediately. Callers reuse the same idempotency key on every attempt so
 * the external side effect is never duplicated.
 */
package gateway

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds how gateway calls are re-attempted.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches the processor guidance: 4 attempts, doubling
// from 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond}
}

// Do runs fn under the policy. It returns fn's last error after the
// ceiling is exhausted, the first ErrRejected unchanged, or the context
// error if the caller is cancelled mid-backoff.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (attempts int, err error) {
	attempts = 0
	delay := p.BaseDelay
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempts < maxAttempts {
		attempts++
		err = fn(ctx)
		if err == nil {
			return attempts, nil
		}
		if errors.Is(err, ErrRejected) {
			return attempts, err
		}
		if attempts == maxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return attempts, err
}
