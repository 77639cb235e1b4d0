// Package exposure provides the exposure request/completion handshake between
// a caller and an asynchronously notifying device session.
package exposure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/unklstewy/indicam/pkg/indi"
	"go.uber.org/zap"
)

var (
	// ErrInvalidDuration is returned for non-positive or non-finite durations.
	ErrInvalidDuration = errors.New("exposure: duration must be a positive number of seconds")
	// ErrExposurePending is returned when a request overlaps an unfinished one.
	ErrExposurePending = errors.New("exposure: another exposure is pending")
	// ErrExposureTimeout is returned when the completion notification does not arrive in time.
	ErrExposureTimeout = errors.New("exposure: timed out waiting for image data")
)

// Trigger pushes an exposure duration to the device.
type Trigger interface {
	StartExposure(ctx context.Context, seconds float64) error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, seconds float64) error

// StartExposure calls f.
func (f TriggerFunc) StartExposure(ctx context.Context, seconds float64) error {
	return f(ctx, seconds)
}

// Coordinator serializes exposure requests and blocks each one until the
// session reports new binary data. The completion flag is a single-slot
// channel: OnNotification fills it, RequestExposure drains it.
type Coordinator struct {
	trigger Trigger
	logger  *zap.Logger
	// grace is added to the exposure duration to bound the wait (0 = wait forever)
	grace time.Duration

	ready   chan struct{}
	pending atomic.Bool

	completed atomic.Uint64
	failed    atomic.Uint64
}

// NewCoordinator creates a coordinator. A zero grace waits without a timeout.
func NewCoordinator(trigger Trigger, grace time.Duration, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		trigger: trigger,
		grace:   grace,
		logger:  logger.With(zap.String("component", "exposure_coordinator")),
		ready:   make(chan struct{}, 1),
	}
}

// RequestExposure starts an exposure and waits for its completion
// notification. The completion flag is clear when it returns.
func (c *Coordinator) RequestExposure(ctx context.Context, seconds float64) error {
	if !(seconds > 0) || math.IsInf(seconds, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidDuration, seconds)
	}
	if !c.pending.CompareAndSwap(false, true) {
		return ErrExposurePending
	}
	defer c.pending.Store(false)

	// A signal left over from configuration traffic must not release this wait.
	c.Reset()

	c.logger.Debug("Starting exposure", zap.Float64("seconds", seconds))
	if err := c.trigger.StartExposure(ctx, seconds); err != nil {
		c.failed.Add(1)
		return fmt.Errorf("failed to start exposure: %w", err)
	}

	waitCtx := ctx
	if c.grace > 0 {
		budget := time.Duration(seconds*float64(time.Second)) + c.grace
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	select {
	case <-c.ready:
		c.completed.Add(1)
		c.logger.Debug("Exposure complete", zap.Float64("seconds", seconds))
		return nil
	case <-waitCtx.Done():
		c.failed.Add(1)
		if ctx.Err() == nil {
			return fmt.Errorf("%w after %.1fs exposure", ErrExposureTimeout, seconds)
		}
		return ctx.Err()
	}
}

// OnNotification is called by the session for every property update. Only
// BLOB updates complete an exposure; it reports whether the flag was set.
func (c *Coordinator) OnNotification(kind indi.PropertyKind) bool {
	if kind != indi.KindBLOB {
		return false
	}
	select {
	case c.ready <- struct{}{}:
	default:
		// already signaled
	}
	return true
}

// Signaled reports whether a completion notification is waiting to be consumed.
func (c *Coordinator) Signaled() bool {
	return len(c.ready) > 0
}

// Pending reports whether an exposure request is in flight.
func (c *Coordinator) Pending() bool {
	return c.pending.Load()
}

// Reset discards an unconsumed completion notification.
func (c *Coordinator) Reset() {
	select {
	case <-c.ready:
	default:
	}
}

// Stats returns the number of completed and failed exposures.
func (c *Coordinator) Stats() (completed, failed uint64) {
	return c.completed.Load(), c.failed.Load()
}
