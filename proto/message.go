package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topic names carried in the envelope "type" field.
const (
	TopicDeviceStatus = "device_status"
	TopicSensorData   = "sensor_data"
	TopicAlert        = "alert"
	TopicPerformance  = "performance"
	TopicSystem       = "system"
)

var knownTopics = map[string]bool{
	TopicDeviceStatus: true,
	TopicSensorData:   true,
	TopicAlert:        true,
	TopicPerformance:  true,
	TopicSystem:       true,
}

// KnownTopic reports whether topic is one of the fixed dashboard topics.
func KnownTopic(topic string) bool {
	return knownTopics[topic]
}

type Envelope struct {
	Type      string          `json:"type"`              // topic: "device_status", "sensor_data", "alert", ...
	Data      json.RawMessage `json:"data,omitempty"`    // raw JSON; schema depends on the topic
	Timestamp int64           `json:"timestamp"`         // UNIX timestamp in milliseconds
	Service   string          `json:"service,omitempty"` // originating backend service, if any
}

// MalformedEnvelopeError is returned for frames that cannot be delivered.
type MalformedEnvelopeError struct {
	Reason string
	Cause  error
}

func (e *MalformedEnvelopeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed envelope: %s: %v", e.Reason, e.Cause)
	}
	return "malformed envelope: " + e.Reason
}

func (e *MalformedEnvelopeError) Unwrap() error {
	return e.Cause
}

// Validate checks the fields every deliverable envelope must carry.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return &MalformedEnvelopeError{Reason: "missing type"}
	}
	if e.Timestamp == 0 {
		return &MalformedEnvelopeError{Reason: "missing timestamp"}
	}
	return nil
}

// ParseEnvelope decodes a single inbound frame.
func ParseEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, &MalformedEnvelopeError{Reason: "invalid JSON", Cause: err}
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// NewEnvelope marshals payload and stamps it with the current time.
func NewEnvelope(topic string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}
	return Envelope{
		Type:      topic,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Heartbeat is the liveness ping written while a connection is open.
func Heartbeat() Envelope {
	return Envelope{
		Type:      TopicSystem,
		Data:      json.RawMessage(`{"action":"ping"}`),
		Timestamp: time.Now().UnixMilli(),
	}
}
