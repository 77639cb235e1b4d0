package camera

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unklstewy/indicam/internal/exposure"
	"github.com/unklstewy/indicam/internal/frame"
	"github.com/unklstewy/indicam/pkg/healthcheck"
	"github.com/unklstewy/indicam/pkg/indi"
	"github.com/unklstewy/indicam/pkg/indi/inditest"
	"go.uber.org/zap"
)

const testDevice = "CCD Simulator"

var testRetry = indi.RetryPolicy{Interval: 5 * time.Millisecond, Timeout: 2 * time.Second}

// recordingSink captures lifecycle events.
type recordingSink struct {
	mu       sync.Mutex
	started  []int
	captured []int
	failed   []int
}

func (s *recordingSink) ExposureStarted(_ context.Context, _ string, index, _ int, _ float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, index)
}

func (s *recordingSink) FrameCaptured(_ context.Context, f *frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captured = append(s.captured, f.Index)
}

func (s *recordingSink) FrameFailed(_ context.Context, _ string, index int, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, index)
}

func newSession(t *testing.T, srv *inditest.Server) *indi.Client {
	t.Helper()

	client, err := indi.NewClient(&indi.Config{Host: srv.Host(), Port: srv.Port()}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func connectedCamera(t *testing.T, ccd inditest.CCD, format CaptureFormat, sink EventSink) (*Camera, *inditest.Server) {
	t.Helper()

	ccd.Name = testDevice
	srv := inditest.NewServer(t, ccd)
	session := newSession(t, srv)

	cam, err := New(Config{
		Device: testDevice,
		Format: format,
		Grace:  2 * time.Second,
		Retry:  testRetry,
	}, session, sink, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, cam.Connect(context.Background()))
	t.Cleanup(cam.Close)
	return cam, srv
}

func TestFormatSwitches(t *testing.T) {
	tests := []struct {
		format       CaptureFormat
		wantCapture  [2]indi.SwitchState
		wantTransfer [2]indi.SwitchState
	}{
		{FormatRaw, [2]indi.SwitchState{indi.SwitchOff, indi.SwitchOn}, [2]indi.SwitchState{indi.SwitchOn, indi.SwitchOff}},
		{FormatRGB, [2]indi.SwitchState{indi.SwitchOn, indi.SwitchOff}, [2]indi.SwitchState{indi.SwitchOff, indi.SwitchOn}},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			capture, transfer := FormatSwitches(tt.format)
			assert.Equal(t, tt.wantCapture, capture)
			assert.Equal(t, tt.wantTransfer, transfer)

			for _, pair := range [][2]indi.SwitchState{capture, transfer} {
				on := 0
				for _, s := range pair {
					if s == indi.SwitchOn {
						on++
					}
				}
				assert.Equal(t, 1, on, "exactly one switch on")
			}
		})
	}
}

func TestParseCaptureFormat(t *testing.T) {
	f, err := ParseCaptureFormat(" RAW ")
	require.NoError(t, err)
	assert.Equal(t, FormatRaw, f)

	f, err = ParseCaptureFormat("rgb")
	require.NoError(t, err)
	assert.Equal(t, FormatRGB, f)

	_, err = ParseCaptureFormat("jpeg")
	assert.True(t, errors.Is(err, ErrUnknownFormat))
}

func TestApplySwitchesTooFewElements(t *testing.T) {
	p := &indi.Property{Name: "X", Kind: indi.KindSwitch, Elements: []indi.Element{{Name: "A"}}}
	assert.Error(t, applySwitches(p, [2]indi.SwitchState{indi.SwitchOn, indi.SwitchOff}))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Device: testDevice}, nil, nil, nil)
	assert.Error(t, err)

	srv := inditest.NewServer(t, inditest.CCD{Name: testDevice})
	session := newSession(t, srv)

	_, err = New(Config{}, session, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{Device: testDevice, Format: "jpeg"}, session, nil, nil)
	assert.True(t, errors.Is(err, ErrUnknownFormat))

	cam, err := New(Config{Device: testDevice}, session, nil, nil)
	require.NoError(t, err)
	assert.False(t, cam.Ready())

	_, err = cam.Expose(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.True(t, errors.Is(cam.SetGain(context.Background(), 1), ErrNotReady))
}

func TestConnectConfiguresDevice(t *testing.T) {
	cam, srv := connectedCamera(t, inditest.CCD{}, FormatRaw, nil)

	assert.True(t, cam.Ready())
	assert.Equal(t, FormatRaw, cam.Format())

	conn, ok := srv.LastRequest(ConnectionProperty)
	require.True(t, ok)
	assert.Equal(t, "On", conn.Values["CONNECT"])

	blob, ok := srv.LastRequest(DefaultBLOB)
	require.True(t, ok)
	assert.Equal(t, "enableBLOB", blob.Tag)
	assert.Equal(t, "Also", blob.Body)

	capture, ok := srv.LastRequest(CaptureFormatProperty)
	require.True(t, ok)
	assert.Equal(t, "Off", capture.Values["INDI_RGB"])
	assert.Equal(t, "On", capture.Values["INDI_RAW"])

	transfer, ok := srv.LastRequest(TransferFormatProperty)
	require.True(t, ok)
	assert.Equal(t, "On", transfer.Values["FORMAT_FITS"])
	assert.Equal(t, "Off", transfer.Values["FORMAT_NATIVE"])
}

func TestConnectSkipsConnectionSwitchWhenConnected(t *testing.T) {
	_, srv := connectedCamera(t, inditest.CCD{Connected: true}, FormatRGB, nil)

	_, ok := srv.LastRequest(ConnectionProperty)
	assert.False(t, ok)

	capture, ok := srv.LastRequest(CaptureFormatProperty)
	require.True(t, ok)
	assert.Equal(t, "On", capture.Values["INDI_RGB"])
	assert.Equal(t, "Off", capture.Values["INDI_RAW"])
}

func TestConnectDeviceNeverAppears(t *testing.T) {
	srv := inditest.NewServer(t, inditest.CCD{Name: testDevice, Hidden: true})
	session := newSession(t, srv)

	cam, err := New(Config{
		Device: testDevice,
		Retry:  indi.RetryPolicy{Interval: time.Millisecond, MaxAttempts: 10},
	}, session, nil, nil)
	require.NoError(t, err)

	err = cam.Connect(context.Background())
	assert.True(t, errors.Is(err, indi.ErrDeviceNotFound))
	assert.False(t, cam.Ready())
	assert.Empty(t, cam.Devices())
}

func TestSetGain(t *testing.T) {
	cam, srv := connectedCamera(t, inditest.CCD{}, FormatRaw, nil)

	require.NoError(t, cam.SetGain(context.Background(), 400))

	req, ok := srv.LastRequest(ControlsProperty)
	require.True(t, ok)
	assert.Equal(t, "400", req.Values[GainElement])
	assert.Equal(t, "10", req.Values["Offset"])
}

func TestExpose(t *testing.T) {
	payload := inditest.Mono16(8, 4, inditest.Ramp(8, 4, 500))
	cam, srv := connectedCamera(t, inditest.CCD{
		Noise: true,
		Frame: func(int) []byte { return payload },
	}, FormatRaw, nil)

	f, err := cam.Expose(context.Background(), 0.5)
	require.NoError(t, err)
	assert.Equal(t, payload, f.Data)
	assert.Equal(t, ".fits", f.Format)
	assert.Equal(t, testDevice, f.Device)
	assert.Equal(t, 0.5, f.Exposure)
	assert.Equal(t, 1, srv.Exposures())
	assert.False(t, cam.Pending())

	req, ok := srv.LastRequest(ExposureProperty)
	require.True(t, ok)
	assert.Equal(t, "0.5", req.Values["CCD_EXPOSURE_VALUE"])
}

func TestCaptureSkipsEmptyPayload(t *testing.T) {
	sink := &recordingSink{}
	cam, srv := connectedCamera(t, inditest.CCD{
		Frame: func(n int) []byte {
			if n == 2 {
				return nil
			}
			return inditest.Mono16(4, 4, inditest.Ramp(4, 4, uint16(n)))
		},
	}, FormatRaw, sink)

	enum := frame.NewEnumerator(nil, nil)
	report := cam.Capture(context.Background(), 0.1, 3, enum)

	require.NoError(t, report.Err)
	assert.Equal(t, 3, report.Requested)
	require.Len(t, report.Captured, 2)
	assert.Equal(t, 1, report.Captured[0].Index)
	assert.Equal(t, 3, report.Captured[1].Index)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, 2, report.Skipped[0].Index)
	assert.True(t, errors.Is(report.Skipped[0].Err, frame.ErrNoData))

	assert.Equal(t, 3, srv.Exposures())
	assert.Len(t, enum.Summaries(), 2)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, sink.started)
	assert.Equal(t, []int{1, 3}, sink.captured)
	assert.Equal(t, []int{2}, sink.failed)
}

func TestCaptureConsumerErrorDoesNotAbort(t *testing.T) {
	cam, _ := connectedCamera(t, inditest.CCD{
		Frame: func(int) []byte { return []byte("not fits") },
	}, FormatRaw, nil)

	r, err := frame.NewRenderer(frame.RendererConfig{Dir: t.TempDir()}, nil)
	require.NoError(t, err)

	report := cam.Capture(context.Background(), 0.1, 2, r)
	require.NoError(t, report.Err)
	assert.Empty(t, report.Captured)
	require.Len(t, report.Skipped, 2)
	assert.True(t, errors.Is(report.Skipped[1].Err, frame.ErrUndecodable))
}

func TestCaptureSkipsHeaderOnlyPayload(t *testing.T) {
	card := []byte("SIMPLE  =                    T")
	headerOnly := append(card, bytes.Repeat([]byte(" "), 2880-len(card))...)

	cam, _ := connectedCamera(t, inditest.CCD{
		Frame: func(n int) []byte {
			if n == 1 {
				return headerOnly
			}
			return inditest.Mono16(4, 4, inditest.Ramp(4, 4, uint16(n)))
		},
	}, FormatRaw, nil)

	r, err := frame.NewRenderer(frame.RendererConfig{Dir: t.TempDir()}, nil)
	require.NoError(t, err)

	report := cam.Capture(context.Background(), 0.1, 3, r)
	require.NoError(t, report.Err)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, 1, report.Skipped[0].Index)
	assert.True(t, errors.Is(report.Skipped[0].Err, frame.ErrUndecodable))
	require.Len(t, report.Captured, 2)
	assert.Equal(t, 2, report.Captured[0].Index)
	assert.Equal(t, 3, report.Captured[1].Index)
}

func TestExposeMalformedBLOBReportsNoData(t *testing.T) {
	cam, srv := connectedCamera(t, inditest.CCD{HoldBLOB: true}, FormatRaw, nil)

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := cam.Expose(context.Background(), 0.1)
		done <- err
	}()

	require.Eventually(t, func() bool { return srv.Exposures() == 1 }, 2*time.Second, 5*time.Millisecond)
	srv.Broadcast(`<setBLOBVector device="` + testDevice + `" name="CCD1" state="Ok">` +
		`<oneBLOB name="CCD1" size="16" format=".fits">!!!not-base64!!!</oneBLOB></setBLOBVector>`)

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, frame.ErrNoData), "got %v", err)
		assert.Less(t, time.Since(start), time.Second, "wait ends on the notification, not the grace period")
	case <-time.After(5 * time.Second):
		t.Fatal("exposure did not finish after malformed BLOB")
	}
	assert.False(t, cam.Pending())
}

func TestConfigurationRejectedWhileExposing(t *testing.T) {
	cam, _ := connectedCamera(t, inditest.CCD{HoldBLOB: true}, FormatRaw, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cam.Expose(ctx, 1)
		done <- err
	}()
	require.Eventually(t, cam.Pending, 2*time.Second, 5*time.Millisecond)

	assert.True(t, errors.Is(cam.SetGain(context.Background(), 100), exposure.ErrExposurePending))
	assert.True(t, errors.Is(cam.SetCaptureFormat(context.Background(), FormatRGB), exposure.ErrExposurePending))
	assert.Equal(t, FormatRaw, cam.Format())

	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
	assert.NoError(t, cam.SetGain(context.Background(), 100))
}

func TestCaptureStopsOnCancel(t *testing.T) {
	cam, srv := connectedCamera(t, inditest.CCD{HoldBLOB: true}, FormatRaw, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	report := cam.Capture(ctx, 0.1, 5, nil)
	assert.True(t, errors.Is(report.Err, context.DeadlineExceeded))
	assert.Empty(t, report.Captured)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, 1, srv.Exposures())
}

func TestCaptureInvalidFrameCount(t *testing.T) {
	cam, _ := connectedCamera(t, inditest.CCD{}, FormatRaw, nil)

	report := cam.Capture(context.Background(), 1, 0, nil)
	assert.True(t, errors.Is(report.Err, ErrInvalidFrameCount))
}

func TestOverlappingExposureRejected(t *testing.T) {
	cam, _ := connectedCamera(t, inditest.CCD{HoldBLOB: true}, FormatRaw, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cam.Expose(ctx, 1)
		done <- err
	}()

	require.Eventually(t, cam.Pending, 2*time.Second, 5*time.Millisecond)

	_, err := cam.Expose(context.Background(), 1)
	assert.True(t, errors.Is(err, exposure.ErrExposurePending))

	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
}

func TestPropertiesEnumeration(t *testing.T) {
	cam, _ := connectedCamera(t, inditest.CCD{}, FormatRaw, nil)

	props := cam.Properties()
	require.NotEmpty(t, props)

	byName := make(map[string]PropertyInfo, len(props))
	for _, p := range props {
		byName[p.Name] = p
	}

	exp, ok := byName[ExposureProperty]
	require.True(t, ok)
	assert.Equal(t, "Number", exp.Type)
	require.Len(t, exp.Elements, 1)
	assert.Equal(t, "CCD_EXPOSURE_VALUE", exp.Elements[0].Name)

	conn := byName[ConnectionProperty]
	assert.Equal(t, "Switch", conn.Type)
	assert.Equal(t, "On", conn.Elements[0].Value)

	assert.Equal(t, "BLOB", byName[DefaultBLOB].Type)
	assert.Equal(t, []string{testDevice}, cam.Devices())
}

func TestCheck(t *testing.T) {
	cam, _ := connectedCamera(t, inditest.CCD{}, FormatRaw, nil)

	var _ healthcheck.Checker = cam
	result := cam.Check(context.Background())
	assert.Equal(t, healthcheck.StatusHealthy, result.Status)
	assert.Equal(t, testDevice, result.Details["device"])

	cam.Close()
	result = cam.Check(context.Background())
	assert.Equal(t, healthcheck.StatusDegraded, result.Status)
}
