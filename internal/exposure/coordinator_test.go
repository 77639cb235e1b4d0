package exposure

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unklstewy/indicam/pkg/indi"
	"go.uber.org/zap"
)

// recordingTrigger records durations and optionally runs a hook per request.
type recordingTrigger struct {
	mu        sync.Mutex
	durations []float64
	err       error
	onStart   func()
}

func (r *recordingTrigger) StartExposure(ctx context.Context, seconds float64) error {
	r.mu.Lock()
	r.durations = append(r.durations, seconds)
	hook := r.onStart
	err := r.err
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook()
	}
	return nil
}

func (r *recordingTrigger) Durations() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.durations...)
}

func TestRequestExposureWaitsForBLOB(t *testing.T) {
	trigger := &recordingTrigger{}
	coord := NewCoordinator(trigger, 0, zap.NewNop())

	var notified atomic.Bool
	trigger.onStart = func() {
		go func() {
			time.Sleep(30 * time.Millisecond)
			notified.Store(true)
			coord.OnNotification(indi.KindBLOB)
		}()
	}

	err := coord.RequestExposure(context.Background(), 0.5)
	require.NoError(t, err)

	assert.True(t, notified.Load(), "returned before the notification")
	assert.False(t, coord.Signaled(), "flag must be clear after return")
	assert.False(t, coord.Pending())
	assert.Equal(t, []float64{0.5}, trigger.Durations())

	completed, failed := coord.Stats()
	assert.Equal(t, uint64(1), completed)
	assert.Equal(t, uint64(0), failed)
}

func TestRequestExposureFlagClearForManyDurations(t *testing.T) {
	durations := []float64{0.001, 0.1, 1, 30, 3600}
	for _, d := range durations {
		trigger := &recordingTrigger{}
		coord := NewCoordinator(trigger, 0, nil)
		trigger.onStart = func() { coord.OnNotification(indi.KindBLOB) }

		require.NoError(t, coord.RequestExposure(context.Background(), d))
		assert.False(t, coord.Signaled(), "duration %v", d)
	}
}

func TestNonBLOBNotificationsDoNotRelease(t *testing.T) {
	trigger := &recordingTrigger{}
	coord := NewCoordinator(trigger, 0, nil)

	trigger.onStart = func() {
		for _, kind := range []indi.PropertyKind{indi.KindNumber, indi.KindSwitch, indi.KindText, indi.KindLight, indi.KindUnknown} {
			assert.False(t, coord.OnNotification(kind))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := coord.RequestExposure(ctx, 1)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, coord.Signaled())
}

func TestRequestExposureRejectsInvalidDuration(t *testing.T) {
	trigger := &recordingTrigger{}
	coord := NewCoordinator(trigger, 0, nil)

	for _, d := range []float64{0, -1, math.Inf(1), math.NaN()} {
		err := coord.RequestExposure(context.Background(), d)
		assert.True(t, errors.Is(err, ErrInvalidDuration), "duration %v", d)
	}
	assert.Empty(t, trigger.Durations())
}

func TestOverlappingExposureIsRejected(t *testing.T) {
	trigger := &recordingTrigger{}
	coord := NewCoordinator(trigger, 0, nil)

	started := make(chan struct{})
	trigger.onStart = func() { close(started) }

	done := make(chan error, 1)
	go func() {
		done <- coord.RequestExposure(context.Background(), 1)
	}()

	<-started
	assert.True(t, coord.Pending())

	err := coord.RequestExposure(context.Background(), 2)
	assert.True(t, errors.Is(err, ErrExposurePending))
	assert.Equal(t, []float64{1}, trigger.Durations(), "second request must not reach the device")

	coord.OnNotification(indi.KindBLOB)
	require.NoError(t, <-done)
	assert.False(t, coord.Signaled())
}

func TestStaleSignalIsDiscarded(t *testing.T) {
	trigger := &recordingTrigger{}
	coord := NewCoordinator(trigger, 0, nil)

	// BLOB arriving while idle (e.g. after a format change)
	assert.True(t, coord.OnNotification(indi.KindBLOB))
	assert.True(t, coord.Signaled())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := coord.RequestExposure(ctx, 1)
	assert.Error(t, err, "stale signal must not complete a new exposure")
}

func TestRepeatedNotificationsCollapse(t *testing.T) {
	coord := NewCoordinator(&recordingTrigger{}, 0, nil)

	coord.OnNotification(indi.KindBLOB)
	coord.OnNotification(indi.KindBLOB)
	assert.True(t, coord.Signaled())

	coord.Reset()
	assert.False(t, coord.Signaled())
}

func TestRequestExposureTimeout(t *testing.T) {
	coord := NewCoordinator(&recordingTrigger{}, 20*time.Millisecond, nil)

	err := coord.RequestExposure(context.Background(), 0.01)
	assert.True(t, errors.Is(err, ErrExposureTimeout))
	assert.False(t, coord.Pending())

	_, failed := coord.Stats()
	assert.Equal(t, uint64(1), failed)
}

func TestRequestExposureTriggerError(t *testing.T) {
	trigger := &recordingTrigger{err: errors.New("write failed")}
	coord := NewCoordinator(trigger, 0, nil)

	err := coord.RequestExposure(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write failed")
	assert.False(t, coord.Pending())
}

func TestTriggerFunc(t *testing.T) {
	var got float64
	trigger := TriggerFunc(func(_ context.Context, seconds float64) error {
		got = seconds
		return nil
	})
	require.NoError(t, trigger.StartExposure(context.Background(), 2.5))
	assert.Equal(t, 2.5, got)
}
