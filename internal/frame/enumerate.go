package frame

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Summary describes one enumerated frame.
type Summary struct {
	Index    int
	Device   string
	Size     int
	Width    int
	Height   int
	Channels int
}

// Enumerator is a Consumer that reports each frame's payload size and,
// when the payload decodes, its dimensions.
type Enumerator struct {
	out    io.Writer
	logger *zap.Logger

	mu        sync.Mutex
	summaries []Summary
}

// NewEnumerator creates an enumerator writing one line per frame to out
// (nil discards the lines).
func NewEnumerator(out io.Writer, logger *zap.Logger) *Enumerator {
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enumerator{
		out:    out,
		logger: logger.With(zap.String("component", "frame_enumerator")),
	}
}

// Consume implements Consumer. Undecodable payloads are still counted.
func (e *Enumerator) Consume(_ context.Context, f *Frame) error {
	s := Summary{Index: f.Index, Device: f.Device, Size: f.Size()}
	if img, err := Decode(f.Data); err == nil {
		s.Width, s.Height, s.Channels = img.Width, img.Height, img.Channels
	} else {
		e.logger.Debug("Frame not decodable", zap.Int("index", f.Index), zap.Error(err))
	}

	e.mu.Lock()
	e.summaries = append(e.summaries, s)
	e.mu.Unlock()

	line := fmt.Sprintf("frame %d/%d: %d bytes", f.Index, f.Total, s.Size)
	if s.Width > 0 {
		line += fmt.Sprintf(" (%dx%d, %d channel(s))", s.Width, s.Height, s.Channels)
	}
	if _, err := fmt.Fprintln(e.out, line); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// Summaries returns the frames seen so far.
func (e *Enumerator) Summaries() []Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Summary(nil), e.summaries...)
}
