package mqtt

import (
	"fmt"
	"strings"
)

// Topic layout: indicam/{component}/{name}/{action}/{resource}
const (
	// TopicPrefix is the root prefix for all topics
	TopicPrefix = "indicam"

	ComponentCamera  = "camera"
	ComponentService = "service"

	ActionEvent  = "event"
	ActionHealth = "health"
)

// TopicBuilder helps construct topic strings following conventions.
type TopicBuilder struct {
	parts []string
}

// NewTopicBuilder creates a builder starting with the prefix.
func NewTopicBuilder() *TopicBuilder {
	return &TopicBuilder{parts: []string{TopicPrefix}}
}

// Component adds the component kind and instance name.
func (tb *TopicBuilder) Component(kind, name string) *TopicBuilder {
	tb.parts = append(tb.parts, kind, Segment(name))
	return tb
}

// Action adds an action segment.
func (tb *TopicBuilder) Action(action string) *TopicBuilder {
	tb.parts = append(tb.parts, action)
	return tb
}

// Resource adds a resource segment.
func (tb *TopicBuilder) Resource(resource string) *TopicBuilder {
	tb.parts = append(tb.parts, Segment(resource))
	return tb
}

// Build constructs the final topic string.
func (tb *TopicBuilder) Build() string {
	return strings.Join(tb.parts, "/")
}

// Segment makes s safe to use as one topic level: separators and wildcards
// become underscores.
func Segment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, s)
}

// CameraEventTopic returns the topic for a camera lifecycle event.
func CameraEventTopic(device, eventType string) string {
	return NewTopicBuilder().
		Component(ComponentCamera, device).
		Action(ActionEvent).
		Resource(eventType).
		Build()
}

// HealthTopic returns the health status topic for a service.
func HealthTopic(service string) string {
	return NewTopicBuilder().
		Component(ComponentService, service).
		Action(ActionHealth).
		Resource("status").
		Build()
}

// ParseTopic returns the levels after the prefix.
func ParseTopic(topic string) ([]string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[0] != TopicPrefix {
		return nil, fmt.Errorf("invalid topic format: must start with %s", TopicPrefix)
	}
	return parts[1:], nil
}
