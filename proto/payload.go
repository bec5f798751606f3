package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Payload is implemented by every typed topic payload.
type Payload interface {
	Topic() string
	Validate() error
}

type DeviceStatus struct {
	DeviceID string  `json:"deviceId"`
	Status   string  `json:"status"` // "online", "offline", "warning"
	Name     string  `json:"name,omitempty"`
	CPU      float64 `json:"cpuUsage,omitempty"`
	Memory   float64 `json:"memoryUsage,omitempty"`
	Disk     float64 `json:"diskUsage,omitempty"`
}

type SensorReading struct {
	DeviceID   string  `json:"deviceId"`
	SensorType string  `json:"sensorType"` // "temperature", "humidity", ...
	Value      float64 `json:"value"`
	Unit       string  `json:"unit,omitempty"`
}

type Alert struct {
	ID          string `json:"id,omitempty"`
	DeviceID    string `json:"deviceId,omitempty"`
	Severity    string `json:"severity"` // "critical", "warning", "info"
	Status      string `json:"status,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type PerformanceMetrics struct {
	CPU          float64 `json:"cpuUsage"`
	Memory       float64 `json:"memoryUsage"`
	Disk         float64 `json:"diskUsage"`
	Network      float64 `json:"networkTraffic,omitempty"`
	ResponseTime float64 `json:"responseTime,omitempty"`
	Uptime       float64 `json:"uptime,omitempty"`
}

type SystemEvent struct {
	Action  string `json:"action"` // "ping", "pong", "notice", ...
	Message string `json:"message,omitempty"`
}

func (DeviceStatus) Topic() string       { return TopicDeviceStatus }
func (SensorReading) Topic() string      { return TopicSensorData }
func (Alert) Topic() string              { return TopicAlert }
func (PerformanceMetrics) Topic() string { return TopicPerformance }
func (SystemEvent) Topic() string        { return TopicSystem }

var validDeviceStates = map[string]bool{
	"online":  true,
	"offline": true,
	"warning": true,
}

var validSeverities = map[string]bool{
	"critical": true,
	"warning":  true,
	"info":     true,
}

func (d DeviceStatus) Validate() error {
	if strings.TrimSpace(d.DeviceID) == "" {
		return errors.New("device status requires deviceId")
	}
	if !validDeviceStates[d.Status] {
		return fmt.Errorf("invalid device status %q for %s", d.Status, d.DeviceID)
	}
	return validatePercents("device_status", map[string]float64{"cpuUsage": d.CPU, "memoryUsage": d.Memory, "diskUsage": d.Disk})
}

func (s SensorReading) Validate() error {
	if strings.TrimSpace(s.DeviceID) == "" || strings.TrimSpace(s.SensorType) == "" {
		return errors.New("sensor reading requires deviceId and sensorType")
	}
	return nil
}

func (a Alert) Validate() error {
	if !validSeverities[a.Severity] {
		return fmt.Errorf("invalid alert severity %q", a.Severity)
	}
	return nil
}

func (p PerformanceMetrics) Validate() error {
	return validatePercents("performance", map[string]float64{"cpuUsage": p.CPU, "memoryUsage": p.Memory, "diskUsage": p.Disk})
}

func (s SystemEvent) Validate() error {
	if strings.TrimSpace(s.Action) == "" {
		return errors.New("system event requires action")
	}
	return nil
}

func validatePercents(path string, values map[string]float64) error {
	for field, v := range values {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s.%s must be within [0, 100], got %v", path, field, v)
		}
	}
	return nil
}

// Decode unmarshals the envelope data into the payload type bound to its topic.
func Decode[T Payload](env Envelope) (T, error) {
	var out T
	if env.Type != out.Topic() {
		return out, fmt.Errorf("topic mismatch: envelope is %q, payload expects %q", env.Type, out.Topic())
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}
