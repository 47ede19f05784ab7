package store

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls the exponential backoff applied to transient
// store failures (Throttled, TransientIO, TransactionConflict).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// DefaultRetryPolicy retries transient classes at least 10 times, which
// rides out throttling bursts without the caller noticing.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      25 * time.Millisecond,
	}
}

// WithRetry runs fn, retrying on transient store errors per the policy.
// Non-retryable errors (NotFound, ConditionFailed, Validation, Fatal)
// surface immediately.
func WithRetry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.BaseDelay
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		wait := delay
		if policy.Jitter > 0 {
			wait += time.Duration(rand.Int64N(int64(policy.Jitter)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return err
}
