package drivefs

import (
	"context"
	"fmt"
	"time"

	"github.com/drivegate/drivegate/pkg/remote"
)

// RetryPolicy bounds the adapter's internal retries for transient backend
// failures. Delays double per attempt up to MaxDelay.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy matches the latency budget of interactive protocol
// clients: three tries within roughly a second and a half.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   250 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// withRetry runs op, retrying transient failures per the policy. The final
// transient failure is surfaced as ErrTransient; non-transient failures
// abort immediately.
func withRetry(ctx context.Context, policy RetryPolicy, op func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := policy.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !remote.IsTransient(err) {
			return err
		}
		if attempt >= attempts {
			return fmt.Errorf("%w: %d attempts: %v", ErrTransient, attempts, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}
