package camera

import (
	"fmt"
	"strings"

	"github.com/unklstewy/indicam/pkg/indi"
)

// Switch vectors selecting what the driver captures and how it ships the frame.
const (
	CaptureFormatProperty  = "CCD_CAPTURE_FORMAT"
	TransferFormatProperty = "CCD_TRANSFER_FORMAT"
)

// CaptureFormat selects the sensor output.
type CaptureFormat string

const (
	// FormatRaw captures the Bayer/mono sensor data and transfers it as FITS
	FormatRaw CaptureFormat = "raw"
	// FormatRGB captures debayered colour and transfers it natively
	FormatRGB CaptureFormat = "rgb"
)

// ParseCaptureFormat accepts "raw" or "rgb" in any case.
func ParseCaptureFormat(s string) (CaptureFormat, error) {
	switch f := CaptureFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatRaw, FormatRGB:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// FormatSwitches returns the states of the first two elements of the capture
// and transfer format vectors for format. Exactly one switch per vector is on.
func FormatSwitches(format CaptureFormat) (capture, transfer [2]indi.SwitchState) {
	if format == FormatRGB {
		return [2]indi.SwitchState{indi.SwitchOn, indi.SwitchOff},
			[2]indi.SwitchState{indi.SwitchOff, indi.SwitchOn}
	}
	return [2]indi.SwitchState{indi.SwitchOff, indi.SwitchOn},
		[2]indi.SwitchState{indi.SwitchOn, indi.SwitchOff}
}

// applySwitches copies states onto the leading elements of p and turns the
// rest off.
func applySwitches(p *indi.Property, states [2]indi.SwitchState) error {
	if len(p.Elements) < len(states) {
		return fmt.Errorf("%s has %d elements, need %d", p.Name, len(p.Elements), len(states))
	}
	p.ResetSwitches()
	for i, s := range states {
		p.Elements[i].Switch = s
	}
	return nil
}
