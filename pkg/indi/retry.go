package indi

import (
	"context"
	"fmt"
	"time"
)

// DefaultPollInterval matches the lookup cadence used by INDI client scripts.
const DefaultPollInterval = 500 * time.Millisecond

// RetryPolicy bounds a polling lookup. A zero Timeout and zero MaxAttempts
// poll until the context is cancelled.
type RetryPolicy struct {
	// Interval between attempts (DefaultPollInterval when zero)
	Interval time.Duration
	// Timeout for the whole lookup (0 = none)
	Timeout time.Duration
	// MaxAttempts caps the number of attempts (0 = unlimited)
	MaxAttempts int
}

func (rp RetryPolicy) interval() time.Duration {
	if rp.Interval <= 0 {
		return DefaultPollInterval
	}
	return rp.Interval
}

// Poll calls probe until it reports success, the attempt budget is spent, the
// timeout expires or ctx is cancelled. It returns the number of attempts made
// and notFound (wrapped) when the budget or timeout is exhausted.
func (rp RetryPolicy) Poll(ctx context.Context, notFound error, probe func() bool) (int, error) {
	if rp.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rp.Timeout)
		defer cancel()
	}

	ticker := time.NewTicker(rp.interval())
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		if probe() {
			return attempts, nil
		}
		if rp.MaxAttempts > 0 && attempts >= rp.MaxAttempts {
			return attempts, fmt.Errorf("%w after %d attempts", notFound, attempts)
		}

		select {
		case <-ctx.Done():
			if rp.Timeout > 0 && ctx.Err() == context.DeadlineExceeded {
				return attempts, fmt.Errorf("%w after %v", notFound, rp.Timeout)
			}
			return attempts, ctx.Err()
		case <-ticker.C:
		}
	}
}
