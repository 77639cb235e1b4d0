package mqtt

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType represents the type of message being sent.
type MessageType string

const (
	// MessageTypeEvent represents a lifecycle event
	MessageTypeEvent MessageType = "event"
	// MessageTypeStatus represents a status update such as a health report
	MessageTypeStatus MessageType = "status"
)

// Message is the envelope wrapped around every published payload.
type Message struct {
	// ID is a unique identifier for this message
	ID string `json:"id"`
	// Type indicates the message type
	Type MessageType `json:"type"`
	// Source identifies the sender (e.g., "camera:CCD Simulator")
	Source string `json:"source"`
	// Timestamp when the message was created
	Timestamp time.Time `json:"timestamp"`
	// CorrelationID links related messages (e.g., all events of one capture)
	CorrelationID string `json:"correlation_id,omitempty"`
	// Payload contains the actual message data as JSON
	Payload json.RawMessage `json:"payload"`
}

// NewMessage creates an envelope around payload.
func NewMessage(msgType MessageType, source string, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payloadBytes,
	}, nil
}

// UnmarshalPayload deserializes the payload into v.
func (m *Message) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}
