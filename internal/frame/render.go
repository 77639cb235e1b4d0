package frame

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// RendererConfig holds display settings for rendered frames.
type RendererConfig struct {
	// Dir is the output directory for PNG files
	Dir string
	// Size is the edge length of the square output image
	Size vg.Length
	// LowPercentile and HighPercentile bound the display window (0-100)
	LowPercentile  float64
	HighPercentile float64
}

// Renderer is a Consumer that decodes FITS frames and writes them as
// percentile-windowed grayscale PNGs.
type Renderer struct {
	config RendererConfig
	logger *zap.Logger
}

// NewRenderer creates a renderer, creating the output directory if needed.
func NewRenderer(config RendererConfig, logger *zap.Logger) (*Renderer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Dir == "" {
		config.Dir = "."
	}
	if config.Size <= 0 {
		config.Size = 8 * vg.Inch
	}
	if config.LowPercentile == 0 && config.HighPercentile == 0 {
		config.LowPercentile = DefaultLowPercentile
		config.HighPercentile = DefaultHighPercentile
	}
	if config.HighPercentile <= config.LowPercentile {
		return nil, fmt.Errorf("invalid percentile window %v-%v", config.LowPercentile, config.HighPercentile)
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &Renderer{
		config: config,
		logger: logger.With(zap.String("component", "frame_renderer")),
	}, nil
}

// Consume renders f to <dir>/<device>_<index>.png.
func (r *Renderer) Consume(ctx context.Context, f *Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	img, err := Decode(f.Data)
	if err != nil {
		return fmt.Errorf("failed to decode frame %d: %w", f.Index, err)
	}

	path := filepath.Join(r.config.Dir, r.FileName(f))
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer out.Close()

	if err := r.Render(out, img, fmt.Sprintf("Picture %d", f.Index)); err != nil {
		return err
	}

	r.logger.Info("Frame rendered",
		zap.String("path", path),
		zap.Int("width", img.Width),
		zap.Int("height", img.Height))
	return nil
}

// FileName returns the output file name used for f.
func (r *Renderer) FileName(f *Frame) string {
	device := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			return c
		}
		return '_'
	}, f.Device)
	if device == "" {
		device = "frame"
	}
	return fmt.Sprintf("%s_%03d.png", device, f.Index)
}

// Render draws img with its origin at the lower left and writes a PNG to w.
func (r *Renderer) Render(w io.Writer, img *Image, title string) error {
	lo, hi := Window(img.Pixels, r.config.LowPercentile, r.config.HighPercentile)

	p := plot.New()
	p.Title.Text = title
	p.Add(plotter.NewImage(grayscale(img, lo, hi), 0, 0, float64(img.Width), float64(img.Height)))

	wt, err := p.WriterTo(r.config.Size, r.config.Size, "png")
	if err != nil {
		return fmt.Errorf("failed to create canvas: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write png: %w", err)
	}
	return nil
}

// grayscale maps the window onto 8-bit gray, flipping rows so that FITS
// row 0 ends up at the bottom of the picture.
func grayscale(img *Image, lo, hi float64) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		row := img.Height - 1 - y
		for x := 0; x < img.Width; x++ {
			v := Normalize(img.At(x, row), lo, hi)
			g.SetGray(x, y, color.Gray{Y: uint8(v*255 + 0.5)})
		}
	}
	return g
}
