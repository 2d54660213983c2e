/**
 * Retry Policies
 *
 * Features:
 * - Per error type attempt limits and exponential delays
 * - Server wait hints (flood wait) stretch the delay
 * - Context-aware sleeping between attempts
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-02: Initial implementation
 * - 2025-03-11: Policies replace the standalone backoff type
 */

package errors

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines the retry behavior for errors.
type RetryPolicy struct {
	// MaxAttempts counts the first call
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Jitter spreads each delay by +/- 25%
	Jitter bool
}

// DefaultRetryPolicies holds the in-call retry policy per error type.
// Types without a policy are never retried inside a call.
func DefaultRetryPolicies() map[ErrorType]*RetryPolicy {
	return map[ErrorType]*RetryPolicy{
		ErrorTypeNetwork: {
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		ErrorTypeAPIQuota: {
			MaxAttempts:  3,
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}

// Delay returns the wait before retry number attempt (1-based). A wait
// hint carried by err wins when it is longer.
func (p *RetryPolicy) Delay(attempt int, err error) time.Duration {
	delay := float64(p.InitialDelay)
	if attempt > 1 {
		delay *= math.Pow(p.Multiplier, float64(attempt-1))
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay += (rand.Float64()*2 - 1) * delay * 0.25
	}

	d := time.Duration(delay)
	if hint := retryAfter(err); hint > d {
		d = hint
	}
	return d
}

// Retry runs operation until it succeeds, shouldRetry rejects the error,
// the policy runs out of attempts or ctx ends. onRetry, when set, sees
// every failure that is retried.
func Retry(
	ctx context.Context,
	policy *RetryPolicy,
	operation func() error,
	shouldRetry func(error) bool,
	onRetry func(attempt int, delay time.Duration, err error),
) error {

	for attempt := 1; ; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		if IsContextError(err) || policy == nil || attempt >= policy.MaxAttempts {
			return err
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}

		delay := policy.Delay(attempt, err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryAfter reads a server-provided wait hint from the error context.
func retryAfter(err error) time.Duration {
	var e *Error
	if !AsError(err, &e) {
		return 0
	}
	if d, ok := e.Context["retry_after"].(time.Duration); ok {
		return d
	}
	return 0
}
