package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbocsi/devlink/client"
	"github.com/mbocsi/devlink/proto"
)

func (s *MCPServer) registerConnectionTools() {
	statusTool := mcp.NewTool("connection_status",
		mcp.WithDescription("Get the hub connection state, reconnect attempts and outbound queue length"),
	)
	s.Server.AddTool(statusTool, s.handleConnectionStatus)

	sendTool := mcp.NewTool("send_message",
		mcp.WithDescription("Send an envelope to the hub, queueing it while disconnected"),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Message type, e.g. device_command"),
		),
		mcp.WithObject("payload",
			mcp.Description("Message data as a JSON object"),
		),
	)
	s.Server.AddTool(sendTool, s.handleSendMessage)
}

func (s *MCPServer) registerCacheTools() {
	statsTool := mcp.NewTool("cache_stats",
		mcp.WithDescription("Get response cache statistics"),
	)
	s.Server.AddTool(statsTool, s.handleCacheStats)

	clearTool := mcp.NewTool("clear_cache",
		mcp.WithDescription("Clear cached responses by key pattern or service; clears everything when both are empty"),
		mcp.WithString("pattern",
			mcp.Description("Regular expression matched against cache keys"),
		),
		mcp.WithString("service",
			mcp.Description("Logical service name, e.g. devices"),
		),
	)
	s.Server.AddTool(clearTool, s.handleClearCache)
}

func (s *MCPServer) registerDeviceTools() {
	listTool := mcp.NewTool("list_devices",
		mcp.WithDescription("List the latest reported status of every device"),
	)
	s.Server.AddTool(listTool, s.handleListDevices)

	alertsTool := mcp.NewTool("recent_alerts",
		mcp.WithDescription("List recently received alerts, newest last"),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of alerts to return (default 20)"),
		),
	)
	s.Server.AddTool(alertsTool, s.handleRecentAlerts)
}

func (s *MCPServer) handleConnectionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conn := s.app.Conn
	status := map[string]any{
		"state":       conn.Status(),
		"url":         conn.URL(),
		"attempts":    conn.Attempts(),
		"queueLength": conn.QueueLen(),
		"inFlight":    s.app.API.InFlight(),
	}
	if err := conn.LastError(); err != nil {
		status["lastError"] = err.Error()
	}
	return jsonResult(status)
}

func (s *MCPServer) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msgType, err := request.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required and must be a string"), nil
	}

	data := json.RawMessage("{}")
	if payload, ok := request.GetArguments()["payload"]; ok && payload != nil {
		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal payload: %v", err)), nil
		}
		data = payloadBytes
	}

	env := proto.Envelope{Type: msgType, Data: data, Timestamp: time.Now().UnixMilli()}
	if err := s.app.Conn.Send(env); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
	}

	if s.app.Conn.Status() != client.Connected {
		return mcp.NewToolResultText(fmt.Sprintf("Queued %s message (%d waiting)", msgType, s.app.Conn.QueueLen())), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Sent %s message", msgType)), nil
}

func (s *MCPServer) handleCacheStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.app.API.CacheStats())
}

func (s *MCPServer) handleClearCache(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if service := request.GetString("service", ""); service != "" {
		removed := s.app.API.ClearServiceCache(service)
		return mcp.NewToolResultText(fmt.Sprintf("Removed %d entries for service %s", removed, service)), nil
	}

	removed, err := s.app.API.ClearCache(request.GetString("pattern", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid pattern: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Removed %d entries", removed)), nil
}

func (s *MCPServer) handleListDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices := s.app.Devices.List()
	return jsonResult(map[string]any{
		"count":   len(devices),
		"devices": devices,
	})
}

func (s *MCPServer) handleRecentAlerts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	alerts := s.app.Alerts.Recent()
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[len(alerts)-limit:]
	}
	return jsonResult(alerts)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	resultBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(resultBytes)), nil
}
