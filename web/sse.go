package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mbocsi/devlink/proto"
)

const sseBuffer = 32

// HandleTopicEvents streams Server-Sent Events for a specific topic
func (s *Server) HandleTopicEvents(wr http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "name")

	wr.Header().Set("Content-Type", "text/event-stream")
	wr.Header().Set("Cache-Control", "no-cache")
	wr.Header().Set("Connection", "keep-alive")
	wr.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := wr.(http.Flusher)
	if !ok {
		slog.Error("Streaming unsupported", "topic", topic)
		http.Error(wr, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Slow readers lose events rather than block dispatch.
	events := make(chan proto.Envelope, sseBuffer)
	unsubscribe := s.app.Router.SubscribeAll(func(env proto.Envelope) {
		if env.Type != topic {
			return
		}
		select {
		case events <- env:
		default:
			slog.Warn("SSE buffer full, dropping event", "topic", topic)
		}
	})
	defer unsubscribe()

	fmt.Fprintf(wr, "event: connected\ndata: %q\n\n", topic)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case env := <-events:
			frame, err := json.Marshal(env)
			if err != nil {
				slog.Error("Failed to encode event", "topic", topic, "error", err)
				continue
			}
			fmt.Fprintf(wr, "event: message\ndata: %s\n\n", frame)
			flusher.Flush()
		}
	}
}
