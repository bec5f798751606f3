package app

import (
	"log/slog"
	"time"

	"github.com/mbocsi/devlink/proto"
)

// Handle observes every valid inbound envelope and keeps the device and
// alert views current.
func (a *App) Handle(env proto.Envelope) {
	switch env.Type {
	case proto.TopicDeviceStatus:
		a.handleDeviceStatus(env)

	case proto.TopicAlert:
		a.handleAlert(env)

	case proto.TopicSystem:
		a.handleSystem(env)

	case proto.TopicSensorData, proto.TopicPerformance:
		slog.Debug("Data received", "type", env.Type, "service", env.Service, "bytes", len(env.Data))

	default:
		slog.Warn("Unhandled message type", "type", env.Type, "service", env.Service)
	}
}

func (a *App) handleDeviceStatus(env proto.Envelope) {
	status, err := proto.Decode[proto.DeviceStatus](env)
	if err != nil {
		slog.Warn("Invalid device status", "error", err)
		return
	}
	a.Devices.Store(status, time.UnixMilli(env.Timestamp))
}

func (a *App) handleAlert(env proto.Envelope) {
	alert, err := proto.Decode[proto.Alert](env)
	if err != nil {
		slog.Warn("Invalid alert", "error", err)
		return
	}
	a.Alerts.Add(alert, time.UnixMilli(env.Timestamp))
	if alert.Severity == "critical" {
		slog.Warn("Critical alert", "id", alert.ID, "device", alert.DeviceID, "title", alert.Title)
	}
}

func (a *App) handleSystem(env proto.Envelope) {
	event, err := proto.Decode[proto.SystemEvent](env)
	if err != nil {
		slog.Warn("Invalid system event", "error", err)
		return
	}
	slog.Debug("System event", "action", event.Action, "message", event.Message)
}
