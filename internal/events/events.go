// Package events publishes camera lifecycle events over MQTT.
package events

import (
	"context"
	"time"

	"github.com/unklstewy/indicam/internal/frame"
	"github.com/unklstewy/indicam/pkg/healthcheck"
	"github.com/unklstewy/indicam/pkg/mqtt"
	"go.uber.org/zap"
)

// Event types.
const (
	ExposureStarted = "exposure.started"
	FrameCaptured   = "frame.captured"
	FrameFailed     = "frame.failed"
)

// Broker is the MQTT client surface the publisher needs. *mqtt.Client
// satisfies it.
type Broker interface {
	IsConnected() bool
	PublishJSON(ctx context.Context, topic string, qos byte, retained bool, payload interface{}) error
}

// ExposurePayload is published with exposure.started.
type ExposurePayload struct {
	Device  string  `json:"device"`
	Index   int     `json:"index"`
	Total   int     `json:"total"`
	Seconds float64 `json:"seconds"`
}

// FramePayload is published with frame.captured.
type FramePayload struct {
	FrameID    string    `json:"frame_id"`
	Device     string    `json:"device"`
	Index      int       `json:"index"`
	Total      int       `json:"total"`
	Seconds    float64   `json:"seconds"`
	Format     string    `json:"format"`
	Size       int       `json:"size"`
	CapturedAt time.Time `json:"captured_at"`
}

// FailurePayload is published with frame.failed.
type FailurePayload struct {
	Device string `json:"device"`
	Index  int    `json:"index"`
	Error  string `json:"error"`
}

// Publisher sends lifecycle events as mqtt.Message envelopes. Publish
// failures are logged and never interrupt a capture.
type Publisher struct {
	broker Broker
	qos    byte
	logger *zap.Logger
}

// NewPublisher creates a publisher on broker.
func NewPublisher(broker Broker, qos byte, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		broker: broker,
		qos:    qos,
		logger: logger.With(zap.String("component", "events")),
	}
}

// ExposureStarted publishes exposure.started.
func (p *Publisher) ExposureStarted(ctx context.Context, device string, index, total int, seconds float64) {
	p.publish(ctx, device, ExposureStarted, "", ExposurePayload{
		Device:  device,
		Index:   index,
		Total:   total,
		Seconds: seconds,
	})
}

// FrameCaptured publishes frame.captured.
func (p *Publisher) FrameCaptured(ctx context.Context, f *frame.Frame) {
	p.publish(ctx, f.Device, FrameCaptured, f.ID.String(), FramePayload{
		FrameID:    f.ID.String(),
		Device:     f.Device,
		Index:      f.Index,
		Total:      f.Total,
		Seconds:    f.Exposure,
		Format:     f.Format,
		Size:       f.Size(),
		CapturedAt: f.CapturedAt,
	})
}

// FrameFailed publishes frame.failed.
func (p *Publisher) FrameFailed(ctx context.Context, device string, index int, err error) {
	payload := FailurePayload{Device: device, Index: index}
	if err != nil {
		payload.Error = err.Error()
	}
	p.publish(ctx, device, FrameFailed, "", payload)
}

func (p *Publisher) publish(ctx context.Context, device, eventType, correlationID string, payload interface{}) {
	msg, err := mqtt.NewMessage(mqtt.MessageTypeEvent, "camera:"+device, payload)
	if err != nil {
		p.logger.Error("Failed to build event", zap.String("event", eventType), zap.Error(err))
		return
	}
	msg.CorrelationID = correlationID

	topic := mqtt.CameraEventTopic(device, eventType)
	if err := p.broker.PublishJSON(ctx, topic, p.qos, false, msg); err != nil {
		p.logger.Warn("Failed to publish event",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

// Name implements healthcheck.Checker.
func (p *Publisher) Name() string {
	return "mqtt"
}

// Check implements healthcheck.Checker. A lost broker only degrades the
// service since events are best effort.
func (p *Publisher) Check(_ context.Context) *healthcheck.Result {
	result := &healthcheck.Result{
		ComponentName: p.Name(),
		Status:        healthcheck.StatusHealthy,
		Message:       "broker connected",
		Timestamp:     time.Now(),
	}
	if !p.broker.IsConnected() {
		result.Status = healthcheck.StatusDegraded
		result.Message = "broker not connected"
	}
	return result
}
