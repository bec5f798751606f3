package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbocsi/devlink/api"
	"github.com/mbocsi/devlink/app"
	"github.com/mbocsi/devlink/config"
	"github.com/mbocsi/devlink/logging"
	"github.com/mbocsi/devlink/mcp"
	"github.com/mbocsi/devlink/web"
)

func main() {
	configPath := flag.String("config", "devlink.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "devlink: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the MCP protocol
	if cfg.MCP.Enabled && cfg.Log.Output == "stdout" {
		cfg.Log.Output = "stderr"
	}

	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "devlink: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to build app", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Web.Enabled {
		go func() {
			if err := web.NewServer(a).ListenAndServe(ctx, cfg.Web.Addr); err != nil {
				slog.Error("Status server stopped", "error", err)
			}
		}()
	}
	if cfg.MCP.Enabled {
		go func() {
			if err := mcp.NewMCPServer(a, api.ClientVersion).Run(); err != nil {
				slog.Error("MCP server stopped", "error", err)
			}
			stop()
		}()
	}

	if err := a.Start(ctx); err != nil {
		slog.Error("Failed to connect", "url", a.Conn.URL(), "error", err)
		if !cfg.Web.Enabled && !cfg.MCP.Enabled {
			a.Shutdown()
			os.Exit(1)
		}
	} else {
		slog.Info("Connected", "url", a.Conn.URL())
	}

	<-ctx.Done()
	a.Shutdown()
}
