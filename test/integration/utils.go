//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/mbocsi/devlink/app"
	"github.com/mbocsi/devlink/config"
	"github.com/mbocsi/devlink/logging"
	"github.com/mbocsi/devlink/server"
)

func init() {
	slog.SetDefault(logging.Suppressed())
}

func getRandomPort(t *testing.T) int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to get port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

// hubServer runs a hub on a fixed address so it can be stopped and started again.
type hubServer struct {
	t    *testing.T
	addr string
	hub  *server.Hub
	srv  *http.Server
}

func newHubServer(t *testing.T) *hubServer {
	h := &hubServer{t: t, addr: fmt.Sprintf("127.0.0.1:%d", getRandomPort(t))}
	h.start()
	t.Cleanup(h.stop)
	return h
}

func (h *hubServer) url() string {
	return "ws://" + h.addr + "/ws"
}

func (h *hubServer) start() {
	h.t.Helper()
	h.hub = server.NewHub()
	mux := http.NewServeMux()
	mux.Handle("/ws", h.hub)

	var l net.Listener
	var err error
	for i := 0; i < 50; i++ {
		if l, err = net.Listen("tcp", h.addr); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		h.t.Fatalf("Failed to listen on %s: %v", h.addr, err)
	}

	h.srv = &http.Server{Handler: mux}
	go func() {
		if err := h.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.t.Errorf("Hub server failed: %v", err)
		}
	}()
}

// stop closes the listener and drops every client without a close frame.
func (h *hubServer) stop() {
	if h.srv == nil {
		return
	}
	for _, c := range h.hub.Clients() {
		h.hub.DropClient(c.ID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.srv.Shutdown(ctx)
	h.srv = nil
}

func newApp(t *testing.T, url string, attempts int) *app.App {
	t.Helper()
	cfg := config.Default()
	cfg.Connection.URL = url
	cfg.Connection.ReconnectAttempts = attempts
	cfg.Connection.ReconnectInterval = 20 * time.Millisecond
	cfg.Connection.ReconnectCap = 100 * time.Millisecond
	cfg.Connection.ConnectTimeout = time.Second

	a, err := app.New(cfg)
	if err != nil {
		t.Fatalf("app.New failed: %v", err)
	}
	t.Cleanup(a.Shutdown)
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func newAppFromConfig(t *testing.T, cfg *config.Config) *app.App {
	t.Helper()
	a, err := app.New(cfg)
	if err != nil {
		t.Fatalf("app.New failed: %v", err)
	}
	t.Cleanup(a.Shutdown)
	return a
}
