package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/astrogo/fitsio"
)

// Image is the primary HDU of a FITS payload reduced to a single plane of
// physical values, row-major with row 0 at the bottom of the sensor.
type Image struct {
	Width    int
	Height   int
	Channels int
	Bitpix   int
	Pixels   []float64
}

// At returns the value at column x, row y.
func (img *Image) At(x, y int) float64 {
	return img.Pixels[y*img.Width+x]
}

// Decode reads the primary image HDU of a FITS payload. Colour cubes
// (NAXIS3 = 3) are averaged into luminance.
func Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrNoData
	}

	f, err := fitsio.Open(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	defer f.Close()

	if len(f.HDUs()) == 0 {
		return nil, fmt.Errorf("%w: no HDU", ErrUndecodable)
	}
	hdu, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("%w: primary HDU is not an image", ErrUndecodable)
	}

	hdr := hdu.Header()
	axes := hdr.Axes()
	if len(axes) < 2 || axes[0] <= 0 || axes[1] <= 0 {
		return nil, fmt.Errorf("%w: unsupported axes %v", ErrUndecodable, axes)
	}

	width, height, channels := axes[0], axes[1], 1
	if len(axes) > 2 {
		channels = axes[2]
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("%w: unsupported channel count %d", ErrUndecodable, channels)
	}

	raw := hdu.Raw()
	bitpix := hdr.Bitpix()
	values, err := physicalValues(raw, bitpix, cardFloat(hdr, "BZERO", 0), cardFloat(hdr, "BSCALE", 1))
	if err != nil {
		return nil, err
	}

	plane := width * height
	if len(values) < plane*channels {
		return nil, fmt.Errorf("%w: short pixel data (%d of %d values)", ErrUndecodable, len(values), plane*channels)
	}

	img := &Image{
		Width:    width,
		Height:   height,
		Channels: channels,
		Bitpix:   bitpix,
		Pixels:   make([]float64, plane),
	}
	if channels == 1 {
		copy(img.Pixels, values[:plane])
		return img, nil
	}
	for i := 0; i < plane; i++ {
		img.Pixels[i] = (values[i] + values[plane+i] + values[2*plane+i]) / 3
	}
	return img, nil
}

// physicalValues converts big-endian FITS pixel data into bzero + bscale*raw.
func physicalValues(raw []byte, bitpix int, bzero, bscale float64) ([]float64, error) {
	size := abs(bitpix) / 8
	if size == 0 {
		return nil, fmt.Errorf("%w: invalid BITPIX %d", ErrUndecodable, bitpix)
	}

	n := len(raw) / size
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := raw[i*size : (i+1)*size]
		var v float64
		switch bitpix {
		case 8:
			v = float64(b[0])
		case 16:
			v = float64(int16(binary.BigEndian.Uint16(b)))
		case 32:
			v = float64(int32(binary.BigEndian.Uint32(b)))
		case 64:
			v = float64(int64(binary.BigEndian.Uint64(b)))
		case -32:
			v = float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
		case -64:
			v = math.Float64frombits(binary.BigEndian.Uint64(b))
		default:
			return nil, fmt.Errorf("%w: invalid BITPIX %d", ErrUndecodable, bitpix)
		}
		out[i] = bzero + bscale*v
	}
	return out, nil
}

func cardFloat(hdr *fitsio.Header, name string, def float64) float64 {
	card := hdr.Get(name)
	if card == nil {
		return def
	}
	switch v := card.Value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case float32:
		return float64(v)
	default:
		return def
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
