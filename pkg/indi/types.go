// Package indi provides an INDI device-control protocol client.
//
// The client speaks the INDI XML protocol over TCP, mirrors the properties
// defined by the server in a local device table, and delivers property
// updates to subscribers from its read goroutine.
package indi

import (
	"errors"
	"time"
)

// DefaultPort is the standard indiserver TCP port.
const DefaultPort = 7624

// ProtocolVersion is the INDI protocol version announced in getProperties.
const ProtocolVersion = "1.7"

var (
	// ErrNotConnected is returned when an operation needs a live server connection.
	ErrNotConnected = errors.New("indi: not connected")
	// ErrDeviceNotFound is returned when a device lookup gives up.
	ErrDeviceNotFound = errors.New("indi: device not found")
	// ErrPropertyNotFound is returned when a property lookup gives up.
	ErrPropertyNotFound = errors.New("indi: property not found")
	// ErrKindMismatch is returned when a property exists with a different kind.
	ErrKindMismatch = errors.New("indi: property kind mismatch")
	// ErrMalformedBLOB is reported when a BLOB body cannot be decoded.
	ErrMalformedBLOB = errors.New("indi: malformed BLOB payload")
)

// PropertyKind identifies the INDI vector type of a property.
type PropertyKind int

const (
	// KindUnknown is the zero value.
	KindUnknown PropertyKind = iota
	// KindNumber is a numeric vector.
	KindNumber
	// KindSwitch is an on/off vector.
	KindSwitch
	// KindText is a text vector.
	KindText
	// KindLight is a read-only status vector.
	KindLight
	// KindBLOB is a binary payload vector.
	KindBLOB
)

// String returns the INDI name of the kind.
func (k PropertyKind) String() string {
	switch k {
	case KindNumber:
		return "Number"
	case KindSwitch:
		return "Switch"
	case KindText:
		return "Text"
	case KindLight:
		return "Light"
	case KindBLOB:
		return "BLOB"
	default:
		return "Unknown"
	}
}

// PropertyState is the INDI property state (also used for light values).
type PropertyState string

const (
	StateIdle  PropertyState = "Idle"
	StateOk    PropertyState = "Ok"
	StateBusy  PropertyState = "Busy"
	StateAlert PropertyState = "Alert"
)

// SwitchState is the value of a single switch element.
type SwitchState string

const (
	SwitchOn  SwitchState = "On"
	SwitchOff SwitchState = "Off"
)

// SwitchRule constrains how many switches of a vector may be on.
type SwitchRule string

const (
	RuleOneOfMany SwitchRule = "OneOfMany"
	RuleAtMostOne SwitchRule = "AtMostOne"
	RuleAnyOfMany SwitchRule = "AnyOfMany"
)

// BLOBMode controls whether the server sends BLOBs on a connection.
type BLOBMode string

const (
	// BLOBNever disables BLOB delivery (server default).
	BLOBNever BLOBMode = "Never"
	// BLOBAlso delivers BLOBs along with other property updates.
	BLOBAlso BLOBMode = "Also"
	// BLOBOnly delivers BLOBs and nothing else.
	BLOBOnly BLOBMode = "Only"
)

// Element is one member of a property vector. Only the fields matching the
// owning property's kind are meaningful.
type Element struct {
	Name  string
	Label string

	// Number
	Value  float64
	Min    float64
	Max    float64
	Step   float64
	Format string

	// Text
	Text string

	// Switch
	Switch SwitchState

	// Light
	Light PropertyState

	// BLOB. Data is shared between snapshots and must be treated as read-only.
	Data       []byte
	Size       int
	BLOBFormat string
}

// Property is a snapshot of a named device property.
type Property struct {
	Device    string
	Name      string
	Label     string
	Group     string
	Kind      PropertyKind
	State     PropertyState
	Perm      string
	Rule      SwitchRule
	Timeout   float64
	Timestamp time.Time
	Elements  []Element
}

// Clone returns a copy whose element slice can be modified independently.
func (p *Property) Clone() *Property {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Elements = make([]Element, len(p.Elements))
	copy(cp.Elements, p.Elements)
	return &cp
}

// Element returns a pointer to the named element, or nil.
func (p *Property) Element(name string) *Element {
	for i := range p.Elements {
		if p.Elements[i].Name == name {
			return &p.Elements[i]
		}
	}
	return nil
}

// ResetSwitches turns every switch of the vector off.
func (p *Property) ResetSwitches() {
	for i := range p.Elements {
		p.Elements[i].Switch = SwitchOff
	}
}

// OnSwitches returns the names of the switches that are on.
func (p *Property) OnSwitches() []string {
	var names []string
	for _, e := range p.Elements {
		if e.Switch == SwitchOn {
			names = append(names, e.Name)
		}
	}
	return names
}

// UpdateHandler receives property updates (set*Vector) from the server. It is
// called on the client's read goroutine and must not block.
type UpdateHandler func(p *Property)
