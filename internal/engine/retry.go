package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/droverhq/drover/pkg/schema"
)

// Retryable reports whether a step failure should be retried under the given
// policy. Transport and timeout failures retry by default, and an open
// circuit counts as transport-class. Business errors retry only when the
// policy opts in with retry_on_business. Everything else, in particular
// validation, dependency failures, and cancellation, is terminal on the first
// failure.
func Retryable(err error, policy *schema.RetryPolicy) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	switch schema.CodeOf(err) {
	case schema.ErrCodeTransport, schema.ErrCodeTimeout, schema.ErrCodeCircuitOpen:
		return true
	case schema.ErrCodeBusiness:
		return policy != nil && policy.RetryOnBusiness
	case "":
		// Uncoded errors leaked from below the client boundary.
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var netErr net.Error
		return errors.As(err, &netErr)
	default:
		return false
	}
}

// Backoff computes the delay before the next attempt. attempt is the 1-based
// number of the attempt that just failed. Linear backoff waits the base delay
// every time; exponential doubles per attempt (base * 2^(attempt-1)). Both
// are capped at maxDelay when it is positive.
func Backoff(policy *schema.RetryPolicy, attempt int, maxDelay time.Duration) time.Duration {
	if policy == nil || policy.Delay.IsZero() {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	base := policy.Delay.Std()
	delay := base
	if policy.Backoff == schema.BackoffExponential {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if maxDelay > 0 && delay >= maxDelay {
				delay = maxDelay
				break
			}
		}
	}

	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// WaitBackoff sleeps for the given delay or returns early with the context
// error if the context is cancelled during the wait.
func WaitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
