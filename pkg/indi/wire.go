package indi

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// timestampLayout is the INDI timestamp format (UTC, optional fraction).
const timestampLayout = "2006-01-02T15:04:05"

// vectorXML matches every def*/set*/del/message element sent by a server.
type vectorXML struct {
	XMLName   xml.Name
	Device    string       `xml:"device,attr"`
	Name      string       `xml:"name,attr"`
	Label     string       `xml:"label,attr"`
	Group     string       `xml:"group,attr"`
	State     string       `xml:"state,attr"`
	Perm      string       `xml:"perm,attr"`
	Rule      string       `xml:"rule,attr"`
	Timeout   string       `xml:"timeout,attr"`
	Timestamp string       `xml:"timestamp,attr"`
	Message   string       `xml:"message,attr"`
	Elements  []elementXML `xml:",any"`
}

type elementXML struct {
	XMLName xml.Name
	Name    string `xml:"name,attr"`
	Label   string `xml:"label,attr"`
	Format  string `xml:"format,attr"`
	Min     string `xml:"min,attr"`
	Max     string `xml:"max,attr"`
	Step    string `xml:"step,attr"`
	Size    string `xml:"size,attr"`
	Value   string `xml:",chardata"`
}

type newVectorXML struct {
	XMLName   xml.Name
	Device    string `xml:"device,attr"`
	Name      string `xml:"name,attr"`
	Timestamp string `xml:"timestamp,attr,omitempty"`
	Elements  []oneXML
}

type oneXML struct {
	XMLName xml.Name
	Name    string `xml:"name,attr"`
	Value   string `xml:",chardata"`
}

type enableBLOBXML struct {
	XMLName xml.Name `xml:"enableBLOB"`
	Device  string   `xml:"device,attr"`
	Name    string   `xml:"name,attr,omitempty"`
	Mode    BLOBMode `xml:",chardata"`
}

type getPropertiesXML struct {
	XMLName xml.Name `xml:"getProperties"`
	Version string   `xml:"version,attr"`
	Device  string   `xml:"device,attr,omitempty"`
	Name    string   `xml:"name,attr,omitempty"`
}

// splitTag splits a vector tag such as "setBLOBVector" into its operation
// ("set") and kind.
func splitTag(tag string) (op string, kind PropertyKind) {
	if len(tag) < 3 || !strings.HasSuffix(tag, "Vector") {
		return "", KindUnknown
	}
	op = tag[:3]
	switch strings.TrimSuffix(tag[3:], "Vector") {
	case "Number":
		kind = KindNumber
	case "Switch":
		kind = KindSwitch
	case "Text":
		kind = KindText
	case "Light":
		kind = KindLight
	case "BLOB":
		kind = KindBLOB
	}
	return op, kind
}

func vectorTag(op string, kind PropertyKind) string {
	return op + kind.String() + "Vector"
}

func oneTag(kind PropertyKind) string {
	return "one" + kind.String()
}

// defineProperty builds a property from a def*Vector element.
func defineProperty(v *vectorXML, kind PropertyKind) (*Property, error) {
	p := &Property{
		Device:    v.Device,
		Name:      v.Name,
		Label:     v.Label,
		Group:     v.Group,
		Kind:      kind,
		State:     PropertyState(v.State),
		Perm:      v.Perm,
		Rule:      SwitchRule(v.Rule),
		Timestamp: parseTimestamp(v.Timestamp),
	}
	if v.Timeout != "" {
		if t, err := strconv.ParseFloat(strings.TrimSpace(v.Timeout), 64); err == nil {
			p.Timeout = t
		}
	}

	p.Elements = make([]Element, 0, len(v.Elements))
	for _, ex := range v.Elements {
		e := Element{Name: ex.Name, Label: ex.Label}
		if err := applyElement(&e, kind, &ex); err != nil {
			return nil, fmt.Errorf("property %s.%s: %w", v.Device, v.Name, err)
		}
		p.Elements = append(p.Elements, e)
	}
	return p, nil
}

// updateProperty applies a set*Vector element to a copy of p. Undecodable BLOB
// bodies leave the element empty; the copy is still returned together with an
// error wrapping ErrMalformedBLOB.
func updateProperty(p *Property, v *vectorXML) (*Property, error) {
	next := p.Clone()
	if v.State != "" {
		next.State = PropertyState(v.State)
	}
	if v.Timeout != "" {
		if t, err := strconv.ParseFloat(strings.TrimSpace(v.Timeout), 64); err == nil {
			next.Timeout = t
		}
	}
	if ts := parseTimestamp(v.Timestamp); !ts.IsZero() {
		next.Timestamp = ts
	}

	var blobErrs []error
	for _, ex := range v.Elements {
		e := next.Element(ex.Name)
		if e == nil {
			continue
		}
		if err := applyElement(e, next.Kind, &ex); err != nil {
			if errors.Is(err, ErrMalformedBLOB) {
				blobErrs = append(blobErrs, err)
				continue
			}
			return nil, fmt.Errorf("property %s.%s: %w", v.Device, v.Name, err)
		}
	}
	if len(blobErrs) > 0 {
		return next, fmt.Errorf("property %s.%s: %w", v.Device, v.Name, errors.Join(blobErrs...))
	}
	return next, nil
}

func applyElement(e *Element, kind PropertyKind, ex *elementXML) error {
	if ex.Label != "" {
		e.Label = ex.Label
	}
	switch kind {
	case KindNumber:
		if ex.Format != "" {
			e.Format = ex.Format
		}
		value, err := ParseNumber(ex.Value)
		if err != nil {
			return fmt.Errorf("element %s: %w", ex.Name, err)
		}
		e.Value = value
		if ex.Min != "" {
			e.Min, _ = ParseNumber(ex.Min)
		}
		if ex.Max != "" {
			e.Max, _ = ParseNumber(ex.Max)
		}
		if ex.Step != "" {
			e.Step, _ = ParseNumber(ex.Step)
		}
	case KindSwitch:
		e.Switch = SwitchState(strings.TrimSpace(ex.Value))
	case KindText:
		e.Text = strings.TrimSpace(ex.Value)
	case KindLight:
		e.Light = PropertyState(strings.TrimSpace(ex.Value))
	case KindBLOB:
		// defBLOB carries no payload.
		if ex.XMLName.Local != "oneBLOB" {
			return nil
		}
		data, format, err := decodeBLOB(ex.Value, ex.Format)
		if err != nil {
			e.Data = nil
			e.BLOBFormat = format
			e.Size = 0
			return fmt.Errorf("element %s: %w: %v", ex.Name, ErrMalformedBLOB, err)
		}
		e.Data = data
		e.BLOBFormat = format
		e.Size = len(data)
	}
	return nil
}

// decodeBLOB decodes the base64 body of a oneBLOB and inflates ".z" payloads.
func decodeBLOB(body, format string) ([]byte, string, error) {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, body)
	if compact == "" {
		return nil, format, nil
	}

	data, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, format, fmt.Errorf("failed to decode base64 blob: %w", err)
	}

	if strings.HasSuffix(format, ".z") {
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, format, fmt.Errorf("failed to open compressed blob: %w", err)
		}
		defer zr.Close()
		inflated, err := io.ReadAll(zr)
		if err != nil {
			return nil, format, fmt.Errorf("failed to inflate blob: %w", err)
		}
		return inflated, strings.TrimSuffix(format, ".z"), nil
	}
	return data, format, nil
}

// encodeNew serializes a new*Vector request for p.
func encodeNew(p *Property) ([]byte, error) {
	switch p.Kind {
	case KindNumber, KindSwitch, KindText:
	default:
		return nil, fmt.Errorf("cannot send %s property %s", p.Kind, p.Name)
	}

	msg := newVectorXML{
		XMLName:   xml.Name{Local: vectorTag("new", p.Kind)},
		Device:    p.Device,
		Name:      p.Name,
		Timestamp: time.Now().UTC().Format(timestampLayout),
		Elements:  make([]oneXML, 0, len(p.Elements)),
	}
	for _, e := range p.Elements {
		one := oneXML{XMLName: xml.Name{Local: oneTag(p.Kind)}, Name: e.Name}
		switch p.Kind {
		case KindNumber:
			one.Value = strconv.FormatFloat(e.Value, 'g', -1, 64)
		case KindSwitch:
			one.Value = string(e.Switch)
		case KindText:
			one.Value = e.Text
		}
		msg.Elements = append(msg.Elements, one)
	}
	return xml.Marshal(msg)
}

// ParseNumber parses an INDI number, accepting decimal and sexagesimal
// ("-12:30:15.5", "12 30", "12;30") notation.
func ParseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}

	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ':' || r == ';' || unicode.IsSpace(r)
	})
	if len(fields) == 0 || len(fields) > 3 {
		return 0, fmt.Errorf("invalid number %q", s)
	}

	negative := strings.HasPrefix(fields[0], "-")
	var total float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q: %w", s, err)
		}
		total += math.Abs(v) / math.Pow(60, float64(i))
	}
	if negative {
		total = -total
	}
	return total, nil
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, err := time.ParseInLocation(timestampLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}
	}
	return ts
}
