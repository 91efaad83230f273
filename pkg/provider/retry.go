package provider

import (
	"context"
	"time"

	"github.com/groundctl/groundctl/pkg/errors"
)

// RetryPolicy bounds retries of transient provider failures. Only
// idempotent calls may be retried; the engine guarantees that by carrying
// a stable idempotency key on Create and Update and by treating Delete as
// delete-if-exists.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt; each further
	// attempt doubles it.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// Do invokes op, retrying while it fails with a transient error. A
// permanent error returns immediately. Cancellation during backoff
// returns the last error observed rather than losing it.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return err
			}

			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if !errors.IsTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}

	return err
}
