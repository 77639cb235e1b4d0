package frame

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unklstewy/indicam/pkg/indi/inditest"
	"gonum.org/v1/plot/vg"
)

func TestDecodeMono16(t *testing.T) {
	data := inditest.Mono16(4, 3, inditest.Ramp(4, 3, 1000))

	img, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Width)
	assert.Equal(t, 3, img.Height)
	assert.Equal(t, 1, img.Channels)
	assert.Equal(t, 16, img.Bitpix)
	require.Len(t, img.Pixels, 12)
	assert.InDelta(t, 1000.0, img.At(0, 0), 1e-9)
	assert.InDelta(t, 1011.0, img.At(3, 2), 1e-9)
}

func TestDecodeRGB8AveragesChannels(t *testing.T) {
	r := []uint8{30, 0, 255, 90}
	g := []uint8{60, 0, 255, 90}
	b := []uint8{90, 0, 255, 90}

	img, err := Decode(inditest.RGB8(2, 2, r, g, b))
	require.NoError(t, err)
	assert.Equal(t, 3, img.Channels)
	assert.Equal(t, []float64{60, 0, 255, 90}, img.Pixels)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil)
	assert.True(t, errors.Is(err, ErrNoData))

	_, err = Decode([]byte("definitely not a FITS file"))
	assert.True(t, errors.Is(err, ErrUndecodable))

	_, err = Decode(headerOnly())
	assert.True(t, errors.Is(err, ErrUndecodable))
}

// headerOnly is a lone SIMPLE card padded to one FITS block.
func headerOnly() []byte {
	card := []byte("SIMPLE  =                    T")
	return append(card, bytes.Repeat([]byte(" "), 2880-len(card))...)
}

func TestPhysicalValues(t *testing.T) {
	tests := []struct {
		name   string
		raw    []byte
		bitpix int
		bzero  float64
		bscale float64
		want   []float64
	}{
		{"uint8", []byte{1, 255}, 8, 0, 1, []float64{1, 255}},
		{"int16 with bzero", []byte{0x80, 0x00, 0x7f, 0xff}, 16, 32768, 1, []float64{0, 65535}},
		{"int32 scaled", []byte{0, 0, 0, 2}, 32, 1, 0.5, []float64{2}},
		{"float32", []byte{0x3f, 0xc0, 0, 0}, -32, 0, 1, []float64{1.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := physicalValues(tt.raw, tt.bitpix, tt.bzero, tt.bscale)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := physicalValues([]byte{1, 2, 3}, 24, 0, 1)
	assert.True(t, errors.Is(err, ErrUndecodable))
}

func TestWindow(t *testing.T) {
	pixels := make([]float64, 100)
	for i := range pixels {
		pixels[99-i] = float64(i + 1)
	}

	lo, hi := Window(pixels, DefaultLowPercentile, DefaultHighPercentile)
	assert.InDelta(t, 5.0, lo, 1e-9)
	assert.InDelta(t, 95.0, hi, 1e-9)
	assert.Equal(t, 1.0, pixels[99], "input must not be reordered")

	lo, hi = Window([]float64{7, 7, 7, math.NaN()}, 5, 95)
	assert.Equal(t, 7.0, lo)
	assert.Equal(t, 8.0, hi)

	lo, hi = Window(nil, 5, 95)
	assert.Less(t, lo, hi)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, 0.0, Normalize(-5, 0, 10))
	assert.Equal(t, 0.5, Normalize(5, 0, 10))
	assert.Equal(t, 1.0, Normalize(50, 0, 10))
	assert.Equal(t, 0.0, Normalize(math.NaN(), 0, 10))
}

func TestGrayscaleOriginLowerLeft(t *testing.T) {
	img := &Image{Width: 2, Height: 2, Pixels: []float64{0, 0, 10, 10}}

	g := grayscale(img, 0, 10)
	// FITS row 0 (dark) is drawn at the bottom
	assert.Equal(t, uint8(255), g.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(0), g.GrayAt(0, 1).Y)
}

func TestRendererConsume(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	r, err := NewRenderer(RendererConfig{Dir: dir, Size: 2 * vg.Inch}, nil)
	require.NoError(t, err)

	f := New("CCD Simulator", 1, 3, 1.5, ".fits", inditest.Mono16(8, 8, inditest.Ramp(8, 8, 0)))
	require.NoError(t, r.Consume(context.Background(), f))

	path := filepath.Join(dir, "CCD_Simulator_001.png")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(data))
	assert.NoError(t, err)

	err = r.Consume(context.Background(), New("CCD Simulator", 2, 3, 1.5, ".fits", []byte("junk")))
	assert.True(t, errors.Is(err, ErrUndecodable))
}

func TestNewRendererRejectsInvertedWindow(t *testing.T) {
	_, err := NewRenderer(RendererConfig{Dir: t.TempDir(), LowPercentile: 90, HighPercentile: 10}, nil)
	assert.Error(t, err)
}

func TestEnumerator(t *testing.T) {
	var buf bytes.Buffer
	e := NewEnumerator(&buf, nil)
	ctx := context.Background()

	mono := inditest.Mono16(4, 2, inditest.Ramp(4, 2, 0))
	require.NoError(t, e.Consume(ctx, New("CCD", 1, 2, 1, ".fits", mono)))
	require.NoError(t, e.Consume(ctx, New("CCD", 2, 2, 1, ".fits", []byte("abc"))))

	summaries := e.Summaries()
	require.Len(t, summaries, 2)
	assert.Equal(t, len(mono), summaries[0].Size)
	assert.Equal(t, 4, summaries[0].Width)
	assert.Equal(t, 2, summaries[0].Height)
	assert.Equal(t, 3, summaries[1].Size)
	assert.Zero(t, summaries[1].Width)

	assert.Contains(t, buf.String(), "frame 2/2: 3 bytes")
}

func TestChainStopsAtFirstError(t *testing.T) {
	var calls []string
	record := func(name string, err error) Consumer {
		return ConsumerFunc(func(context.Context, *Frame) error {
			calls = append(calls, name)
			return err
		})
	}

	err := Chain{record("first", nil), nil, record("render", ErrUndecodable), record("catalog", nil)}.
		Consume(context.Background(), &Frame{})
	assert.True(t, errors.Is(err, ErrUndecodable))
	assert.Equal(t, []string{"first", "render"}, calls, "consumers after a failure are not called")

	assert.NoError(t, Chain{record("only", nil)}.Consume(context.Background(), &Frame{}))
}
