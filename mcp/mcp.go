// Package mcp exposes operator tools for a running devlink app over a stdio
// MCP server.
package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
	"github.com/mbocsi/devlink/app"
)

type MCPServer struct {
	Server *server.MCPServer
	app    *app.App
}

func NewMCPServer(a *app.App, version string) *MCPServer {
	s := &MCPServer{
		Server: server.NewMCPServer("devlink", version, server.WithToolCapabilities(false)),
		app:    a,
	}
	s.registerConnectionTools()
	s.registerCacheTools()
	s.registerDeviceTools()
	return s
}

// Run serves MCP over stdin/stdout until stdin closes. Logs must not go to stdout.
func (s *MCPServer) Run() error {
	slog.Info("Started stdio MCP server")
	defer func() {
		slog.Info("Shut down stdio MCP server")
	}()
	return server.ServeStdio(s.Server)
}
