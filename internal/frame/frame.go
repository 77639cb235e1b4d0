// Package frame holds captured camera frames and the consumers that decode,
// render or enumerate them.
package frame

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoData is returned when a frame carries an empty payload.
	ErrNoData = errors.New("frame: no image data")
	// ErrUndecodable is returned when a payload is not a readable FITS image.
	ErrUndecodable = errors.New("frame: undecodable image data")
)

// Frame is one exposure's payload and capture metadata.
type Frame struct {
	ID         uuid.UUID `json:"id"`
	Device     string    `json:"device"`
	Index      int       `json:"index"`
	Total      int       `json:"total"`
	Exposure   float64   `json:"exposure_seconds"`
	Format     string    `json:"format"`
	CapturedAt time.Time `json:"captured_at"`
	Data       []byte    `json:"-"`
}

// New creates a frame with a fresh ID.
func New(device string, index, total int, exposure float64, format string, data []byte) *Frame {
	return &Frame{
		ID:         uuid.New(),
		Device:     device,
		Index:      index,
		Total:      total,
		Exposure:   exposure,
		Format:     format,
		CapturedAt: time.Now().UTC(),
		Data:       data,
	}
}

// Size returns the payload size in bytes.
func (f *Frame) Size() int {
	return len(f.Data)
}

// Consumer receives captured frames.
type Consumer interface {
	Consume(ctx context.Context, f *Frame) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, f *Frame) error

// Consume calls fn.
func (fn ConsumerFunc) Consume(ctx context.Context, f *Frame) error {
	return fn(ctx, f)
}

// Chain passes each frame to its consumers in order and stops at the first
// error, so later consumers only see frames the earlier ones accepted.
type Chain []Consumer

// Consume implements Consumer.
func (c Chain) Consume(ctx context.Context, f *Frame) error {
	for _, consumer := range c {
		if consumer == nil {
			continue
		}
		if err := consumer.Consume(ctx, f); err != nil {
			return err
		}
	}
	return nil
}
