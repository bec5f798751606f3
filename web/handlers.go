package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mbocsi/devlink/api"
	"github.com/mbocsi/devlink/client"
	"github.com/mbocsi/devlink/proto"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	State     client.State   `json:"state"`
	URL       string         `json:"url"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"lastError,omitempty"`
	QueueLen  int            `json:"queueLength"`
	Topics    map[string]int `json:"topics"`
	Devices   map[string]int `json:"devices"`
	InFlight  int            `json:"inFlight"`
	Cache     api.CacheStats `json:"cache"`
}

func (s *Server) HandleStatus(wr http.ResponseWriter, r *http.Request) {
	conn := s.app.Conn
	topics := make(map[string]int)
	for _, topic := range s.app.Router.Topics() {
		topics[topic] = s.app.Router.Subscribers(topic)
	}

	resp := StatusResponse{
		State:    conn.Status(),
		URL:      conn.URL(),
		Attempts: conn.Attempts(),
		QueueLen: conn.QueueLen(),
		Topics:   topics,
		Devices:  s.app.Devices.Count(),
		InFlight: s.app.API.InFlight(),
		Cache:    s.app.API.CacheStats(),
	}
	if err := conn.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	writeJSON(wr, http.StatusOK, resp)
}

func (s *Server) HandleDevices(wr http.ResponseWriter, r *http.Request) {
	writeJSON(wr, http.StatusOK, s.app.Devices.List())
}

func (s *Server) HandleDeviceDetail(wr http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	device, ok := s.app.Devices.Get(id)
	if !ok {
		http.Error(wr, fmt.Sprintf("device %s not found", id), http.StatusNotFound)
		return
	}
	writeJSON(wr, http.StatusOK, device)
}

func (s *Server) HandleAlerts(wr http.ResponseWriter, r *http.Request) {
	writeJSON(wr, http.StatusOK, s.app.Alerts.Recent())
}

// HandleSendMessage sends an envelope through the connection, queueing it
// when the connection is down.
func (s *Server) HandleSendMessage(wr http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(wr, "Invalid message body", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(wr, "type is required", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("{}")
	}

	env := proto.Envelope{Type: req.Type, Data: req.Payload, Timestamp: time.Now().UnixMilli()}
	if err := s.app.Conn.Send(env); err != nil {
		s.handleError(wr, err)
		return
	}

	queued := s.app.Conn.Status() != client.Connected
	writeJSON(wr, http.StatusAccepted, map[string]any{"type": req.Type, "queued": queued})
}

// HandleConnect waits for the connection cycle, bounded by the request context.
func (s *Server) HandleConnect(wr http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.app.Conn.Connect(ctx); err != nil {
		s.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, map[string]any{"state": s.app.Conn.Status()})
}

func (s *Server) HandleDisconnect(wr http.ResponseWriter, r *http.Request) {
	s.app.Conn.Disconnect()
	writeJSON(wr, http.StatusOK, map[string]any{"state": s.app.Conn.Status()})
}

func (s *Server) HandleCacheStats(wr http.ResponseWriter, r *http.Request) {
	writeJSON(wr, http.StatusOK, s.app.API.CacheStats())
}

// HandleClearCache clears entries matching the pattern query parameter, or
// every entry when it is empty.
func (s *Server) HandleClearCache(wr http.ResponseWriter, r *http.Request) {
	removed, err := s.app.API.ClearCache(r.URL.Query().Get("pattern"))
	if err != nil {
		http.Error(wr, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(wr, http.StatusOK, map[string]int{"removed": removed})
}

func writeJSON(wr http.ResponseWriter, status int, v any) {
	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(status)
	if err := json.NewEncoder(wr).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// handleError maps connection errors to HTTP status codes
func (s *Server) handleError(wr http.ResponseWriter, err error) {
	slog.Error("Request error", "error", err)

	var exhausted *client.ReconnectExhaustedError
	switch {
	case errors.Is(err, client.ErrQueueFull):
		http.Error(wr, err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &exhausted):
		http.Error(wr, err.Error(), http.StatusBadGateway)
	case errors.Is(err, client.ErrConnectTimeout), errors.Is(err, context.DeadlineExceeded):
		http.Error(wr, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, client.ErrDisconnected), errors.Is(err, context.Canceled):
		http.Error(wr, err.Error(), http.StatusConflict)
	default:
		http.Error(wr, "Internal server error", http.StatusInternalServerError)
	}
}
