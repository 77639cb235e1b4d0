package inditest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

const fitsBlock = 2880

// Mono16 builds a single-HDU FITS image with unsigned 16-bit pixels
// (BITPIX 16, BZERO 32768), rows bottom to top as FITS stores them.
func Mono16(width, height int, pixels []uint16) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, 16, []int{width, height}, 32768)
	for _, v := range pixels {
		_ = binary.Write(&buf, binary.BigEndian, int16(int32(v)-32768))
	}
	pad(&buf, 0)
	return buf.Bytes()
}

// RGB8 builds a three-plane 8-bit FITS image (NAXIS3 = 3).
func RGB8(width, height int, r, g, b []uint8) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, 8, []int{width, height, 3}, 0)
	buf.Write(r)
	buf.Write(g)
	buf.Write(b)
	pad(&buf, 0)
	return buf.Bytes()
}

// Ramp returns width*height pixels counting up from start.
func Ramp(width, height int, start uint16) []uint16 {
	pixels := make([]uint16, width*height)
	for i := range pixels {
		pixels[i] = start + uint16(i)
	}
	return pixels
}

func writeHeader(buf *bytes.Buffer, bitpix int, axes []int, bzero int) {
	card(buf, "SIMPLE", "T")
	card(buf, "BITPIX", fmt.Sprint(bitpix))
	card(buf, "NAXIS", fmt.Sprint(len(axes)))
	for i, n := range axes {
		card(buf, fmt.Sprintf("NAXIS%d", i+1), fmt.Sprint(n))
	}
	if bzero != 0 {
		card(buf, "BZERO", fmt.Sprint(bzero))
		card(buf, "BSCALE", "1")
	}
	card(buf, "EXPTIME", "1.0")
	buf.WriteString(fmt.Sprintf("%-80s", "END"))
	pad(buf, ' ')
}

func card(buf *bytes.Buffer, key, value string) {
	buf.WriteString(fmt.Sprintf("%-8s= %20s", key, value) + strings.Repeat(" ", 50))
}

func pad(buf *bytes.Buffer, fill byte) {
	if rem := buf.Len() % fitsBlock; rem != 0 {
		buf.Write(bytes.Repeat([]byte{fill}, fitsBlock-rem))
	}
}
