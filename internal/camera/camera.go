// Package camera drives a single INDI CCD through connect, configure and
// expose/fetch cycles.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unklstewy/indicam/internal/exposure"
	"github.com/unklstewy/indicam/internal/frame"
	"github.com/unklstewy/indicam/pkg/healthcheck"
	"github.com/unklstewy/indicam/pkg/indi"
	"go.uber.org/zap"
)

// Standard CCD property and element names.
const (
	ConnectionProperty = "CONNECTION"
	ConnectElement     = "CONNECT"
	ExposureProperty   = "CCD_EXPOSURE"
	ControlsProperty   = "CCD_CONTROLS"
	GainElement        = "Gain"
	DefaultBLOB        = "CCD1"
)

var (
	// ErrNotReady is returned when the camera is used before Connect succeeded.
	ErrNotReady = errors.New("camera: not connected")
	// ErrDeviceNotConnected is returned when the device never reports CONNECT=On.
	ErrDeviceNotConnected = errors.New("camera: device did not connect")
	// ErrUnknownFormat is returned for capture formats other than raw and rgb.
	ErrUnknownFormat = errors.New("camera: unknown capture format")
	// ErrInvalidFrameCount is returned when a capture asks for no frames.
	ErrInvalidFrameCount = errors.New("camera: frame count must be positive")
)

// Session is the INDI client surface the camera needs. *indi.Client
// satisfies it.
type Session interface {
	IsConnected() bool
	DeviceNames() []string
	IsDeviceConnected(device string) bool
	Property(device, name string) (*indi.Property, bool)
	Properties(device string) []*indi.Property
	WaitDevice(ctx context.Context, device string, policy indi.RetryPolicy) error
	WaitProperty(ctx context.Context, device, name string, kind indi.PropertyKind, policy indi.RetryPolicy) (*indi.Property, error)
	SendNewNumber(ctx context.Context, p *indi.Property) error
	SendNewSwitch(ctx context.Context, p *indi.Property) error
	SetBLOBMode(ctx context.Context, mode indi.BLOBMode, device, name string) error
	Subscribe(h indi.UpdateHandler) func()
}

// EventSink receives exposure lifecycle events.
type EventSink interface {
	ExposureStarted(ctx context.Context, device string, index, total int, seconds float64)
	FrameCaptured(ctx context.Context, f *frame.Frame)
	FrameFailed(ctx context.Context, device string, index int, err error)
}

// Config holds camera settings.
type Config struct {
	// Device is the INDI device name
	Device string
	// BLOB is the property carrying image data
	BLOB string
	// Format is applied during Connect
	Format CaptureFormat
	// Grace is added to each exposure to bound the wait (0 = wait forever)
	Grace time.Duration
	// Retry bounds device and property lookups
	Retry indi.RetryPolicy
}

// Camera drives one CCD device over a shared session.
type Camera struct {
	config  Config
	session Session
	coord   *exposure.Coordinator
	events  EventSink
	logger  *zap.Logger

	mu          sync.RWMutex
	ready       bool
	format      CaptureFormat
	unsubscribe func()
}

// New creates a camera. Call Connect before exposing.
func New(config Config, session Session, events EventSink, logger *zap.Logger) (*Camera, error) {
	if session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if config.Device == "" {
		return nil, fmt.Errorf("device name is required")
	}
	if config.BLOB == "" {
		config.BLOB = DefaultBLOB
	}
	if config.Format == "" {
		config.Format = FormatRaw
	}
	if _, err := ParseCaptureFormat(string(config.Format)); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Camera{
		config:  config,
		session: session,
		events:  events,
		logger:  logger.With(zap.String("component", "camera"), zap.String("device", config.Device)),
	}
	c.coord = exposure.NewCoordinator(exposure.TriggerFunc(c.startExposure), config.Grace, logger)
	return c, nil
}

// Device returns the INDI device name.
func (c *Camera) Device() string {
	return c.config.Device
}

// Connect locates the device, connects it, enables BLOB delivery and applies
// the configured capture format.
func (c *Camera) Connect(ctx context.Context) error {
	device := c.config.Device
	policy := c.config.Retry

	c.logger.Info("Waiting for device")
	if err := c.session.WaitDevice(ctx, device, policy); err != nil {
		return err
	}

	conn, err := c.session.WaitProperty(ctx, device, ConnectionProperty, indi.KindSwitch, policy)
	if err != nil {
		return err
	}
	if !c.session.IsDeviceConnected(device) {
		conn.ResetSwitches()
		el := conn.Element(ConnectElement)
		if el == nil {
			return fmt.Errorf("%s has no %s element", ConnectionProperty, ConnectElement)
		}
		el.Switch = indi.SwitchOn
		if err := c.session.SendNewSwitch(ctx, conn); err != nil {
			return fmt.Errorf("failed to connect device: %w", err)
		}
		if _, err := policy.Poll(ctx, ErrDeviceNotConnected, func() bool {
			return c.session.IsDeviceConnected(device)
		}); err != nil {
			return fmt.Errorf("device %q: %w", device, err)
		}
	}
	c.logger.Info("Device connected")

	if _, err := c.session.WaitProperty(ctx, device, ExposureProperty, indi.KindNumber, policy); err != nil {
		return err
	}
	if _, err := c.session.WaitProperty(ctx, device, ControlsProperty, indi.KindNumber, policy); err != nil {
		return err
	}
	if err := c.session.SetBLOBMode(ctx, indi.BLOBAlso, device, c.config.BLOB); err != nil {
		return fmt.Errorf("failed to enable BLOB delivery: %w", err)
	}
	if _, err := c.session.WaitProperty(ctx, device, c.config.BLOB, indi.KindBLOB, policy); err != nil {
		return err
	}

	c.mu.Lock()
	if c.unsubscribe == nil {
		c.unsubscribe = c.session.Subscribe(c.onUpdate)
	}
	c.ready = true
	c.mu.Unlock()

	return c.SetCaptureFormat(ctx, c.config.Format)
}

// Close stops listening for session updates. The session stays open.
func (c *Camera) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.ready = false
}

// Ready reports whether Connect has completed.
func (c *Camera) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Format returns the capture format last applied to the device.
func (c *Camera) Format() CaptureFormat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.format
}

func (c *Camera) onUpdate(p *indi.Property) {
	if p.Device != c.config.Device {
		return
	}
	if c.coord.OnNotification(p.Kind) {
		c.logger.Debug("Image data received", zap.String("property", p.Name))
	}
}

// SetGain writes gain to the Gain control, or to the first control when the
// driver has no element of that name.
func (c *Camera) SetGain(ctx context.Context, gain float64) error {
	if !c.Ready() {
		return ErrNotReady
	}
	if c.coord.Pending() {
		return exposure.ErrExposurePending
	}
	controls, err := c.session.WaitProperty(ctx, c.config.Device, ControlsProperty, indi.KindNumber, c.config.Retry)
	if err != nil {
		return err
	}
	if len(controls.Elements) == 0 {
		return fmt.Errorf("%s has no elements", ControlsProperty)
	}

	el := controls.Element(GainElement)
	if el == nil {
		el = &controls.Elements[0]
	}
	el.Value = gain
	if err := c.session.SendNewNumber(ctx, controls); err != nil {
		return fmt.Errorf("failed to set gain: %w", err)
	}
	c.coord.Reset()

	c.logger.Info("Gain set", zap.String("element", el.Name), zap.Float64("gain", gain))
	return nil
}

// SetCaptureFormat switches the driver between raw FITS and RGB output.
func (c *Camera) SetCaptureFormat(ctx context.Context, format CaptureFormat) error {
	if !c.Ready() {
		return ErrNotReady
	}
	if c.coord.Pending() {
		return exposure.ErrExposurePending
	}
	if _, err := ParseCaptureFormat(string(format)); err != nil {
		return err
	}

	captureStates, transferStates := FormatSwitches(format)
	for _, step := range []struct {
		name   string
		states [2]indi.SwitchState
	}{
		{CaptureFormatProperty, captureStates},
		{TransferFormatProperty, transferStates},
	} {
		p, err := c.session.WaitProperty(ctx, c.config.Device, step.name, indi.KindSwitch, c.config.Retry)
		if err != nil {
			return err
		}
		if err := applySwitches(p, step.states); err != nil {
			return err
		}
		if err := c.session.SendNewSwitch(ctx, p); err != nil {
			return fmt.Errorf("failed to set %s: %w", step.name, err)
		}
	}
	c.coord.Reset()

	c.mu.Lock()
	c.format = format
	c.mu.Unlock()

	c.logger.Info("Capture format set", zap.String("format", string(format)))
	return nil
}

func (c *Camera) startExposure(ctx context.Context, seconds float64) error {
	p, ok := c.session.Property(c.config.Device, ExposureProperty)
	if !ok || len(p.Elements) == 0 {
		return fmt.Errorf("%w: %s", indi.ErrPropertyNotFound, ExposureProperty)
	}
	p.Elements[0].Value = seconds
	return c.session.SendNewNumber(ctx, p)
}

// Expose takes a single exposure and returns its frame.
func (c *Camera) Expose(ctx context.Context, seconds float64) (*frame.Frame, error) {
	return c.expose(ctx, seconds, 1, 1)
}

func (c *Camera) expose(ctx context.Context, seconds float64, index, total int) (*frame.Frame, error) {
	if !c.Ready() {
		return nil, ErrNotReady
	}
	if c.events != nil {
		c.events.ExposureStarted(ctx, c.config.Device, index, total, seconds)
	}

	if err := c.coord.RequestExposure(ctx, seconds); err != nil {
		return nil, err
	}

	blob, ok := c.session.Property(c.config.Device, c.config.BLOB)
	if !ok || len(blob.Elements) == 0 {
		return nil, fmt.Errorf("%w: %s", indi.ErrPropertyNotFound, c.config.BLOB)
	}
	el := blob.Elements[0]
	if len(el.Data) == 0 {
		return nil, fmt.Errorf("frame %d: %w", index, frame.ErrNoData)
	}

	f := frame.New(c.config.Device, index, total, seconds, el.BLOBFormat, el.Data)
	c.logger.Debug("Frame fetched",
		zap.Int("index", index),
		zap.Int("bytes", f.Size()),
		zap.String("format", f.Format))
	return f, nil
}

// FrameError records a frame that was skipped.
type FrameError struct {
	Index int
	Err   error
}

// CaptureReport summarizes a multi-frame capture.
type CaptureReport struct {
	Requested int
	Captured  []*frame.Frame
	Skipped   []FrameError
	// Err is set when the capture stopped before all frames were attempted
	Err      error
	Started  time.Time
	Finished time.Time
}

// Capture takes frames exposures and passes each one to consumer. A failed
// frame is logged and skipped; only context cancellation stops the loop.
func (c *Camera) Capture(ctx context.Context, seconds float64, frames int, consumer frame.Consumer) *CaptureReport {
	report := &CaptureReport{Requested: frames, Started: time.Now()}
	defer func() { report.Finished = time.Now() }()

	if frames <= 0 {
		report.Err = ErrInvalidFrameCount
		return report
	}

	for i := 1; i <= frames; i++ {
		if err := ctx.Err(); err != nil {
			report.Err = err
			break
		}

		f, err := c.expose(ctx, seconds, i, frames)
		if err == nil && consumer != nil {
			err = consumer.Consume(ctx, f)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				report.Err = ctxErr
				break
			}
			c.logger.Warn("Frame skipped", zap.Int("index", i), zap.Error(err))
			report.Skipped = append(report.Skipped, FrameError{Index: i, Err: err})
			if c.events != nil {
				c.events.FrameFailed(ctx, c.config.Device, i, err)
			}
			continue
		}

		report.Captured = append(report.Captured, f)
		if c.events != nil {
			c.events.FrameCaptured(ctx, f)
		}
		c.logger.Info("Frame captured", zap.Int("index", i), zap.Int("of", frames))
	}

	return report
}

// Devices lists the devices known to the session.
func (c *Camera) Devices() []string {
	return c.session.DeviceNames()
}

// Properties enumerates the camera device's properties.
func (c *Camera) Properties() []PropertyInfo {
	props := c.session.Properties(c.config.Device)
	out := make([]PropertyInfo, 0, len(props))
	for _, p := range props {
		out = append(out, describe(p))
	}
	return out
}

// Pending reports whether an exposure is in flight.
func (c *Camera) Pending() bool {
	return c.coord.Pending()
}

// Name implements healthcheck.Checker.
func (c *Camera) Name() string {
	return "camera"
}

// Check implements healthcheck.Checker.
func (c *Camera) Check(ctx context.Context) *healthcheck.Result {
	completed, failed := c.coord.Stats()
	result := &healthcheck.Result{
		ComponentName: c.Name(),
		Timestamp:     time.Now(),
		Details: map[string]interface{}{
			"device":              c.config.Device,
			"exposures_completed": completed,
			"exposures_failed":    failed,
			"exposure_pending":    c.coord.Pending(),
		},
	}

	switch {
	case !c.session.IsConnected():
		result.Status = healthcheck.StatusUnhealthy
		result.Message = "INDI server connection lost"
	case !c.session.IsDeviceConnected(c.config.Device):
		result.Status = healthcheck.StatusUnhealthy
		result.Message = "device not connected"
	case !c.Ready():
		result.Status = healthcheck.StatusDegraded
		result.Message = "camera not configured"
	default:
		result.Status = healthcheck.StatusHealthy
		result.Message = "camera ready"
	}
	return result
}
