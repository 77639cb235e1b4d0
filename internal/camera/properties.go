package camera

import (
	"fmt"
	"strconv"

	"github.com/unklstewy/indicam/pkg/indi"
)

// PropertyInfo is a printable view of one device property.
type PropertyInfo struct {
	Name     string        `json:"name"`
	Label    string        `json:"label,omitempty"`
	Group    string        `json:"group,omitempty"`
	Type     string        `json:"type"`
	State    string        `json:"state"`
	Elements []ElementInfo `json:"elements"`
}

// ElementInfo is a printable view of one property element.
type ElementInfo struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
	Value string `json:"value"`
}

// describe converts a property snapshot into its printable view.
func describe(p *indi.Property) PropertyInfo {
	info := PropertyInfo{
		Name:     p.Name,
		Label:    p.Label,
		Group:    p.Group,
		Type:     p.Kind.String(),
		State:    string(p.State),
		Elements: make([]ElementInfo, 0, len(p.Elements)),
	}
	for _, e := range p.Elements {
		info.Elements = append(info.Elements, ElementInfo{
			Name:  e.Name,
			Label: e.Label,
			Value: elementValue(p.Kind, e),
		})
	}
	return info
}

func elementValue(kind indi.PropertyKind, e indi.Element) string {
	switch kind {
	case indi.KindNumber:
		return strconv.FormatFloat(e.Value, 'g', -1, 64)
	case indi.KindSwitch:
		return string(e.Switch)
	case indi.KindText:
		return e.Text
	case indi.KindLight:
		return string(e.Light)
	case indi.KindBLOB:
		return fmt.Sprintf("<blob %d bytes %s>", len(e.Data), e.BLOBFormat)
	}
	return ""
}
