package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards are served from other origins during development
	},
}

// ServeHTTP upgrades the request and serves it until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}

	p := &wsPeer{conn: conn}
	c, ok := h.register("ws", p)
	if !ok {
		slog.Warn("Max clients reached, rejecting connection", "remote_addr", r.RemoteAddr)
		p.close(websocket.CloseTryAgainLater, "hub full")
		conn.Close()
		return
	}
	defer func() {
		h.unregister(c.ID)
		conn.Close()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("WebSocket connection error", "id", c.ID, "error", err)
			}
			return
		}
		h.handleFrame(c.ID, frame)
	}
}

type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *wsPeer) send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

func (p *wsPeer) close(code int, reason string) error {
	deadline := time.Now().Add(time.Second)
	if err := p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *wsPeer) drop() error {
	return p.conn.Close()
}

func (p *wsPeer) remoteAddr() string {
	return p.conn.RemoteAddr().String()
}
