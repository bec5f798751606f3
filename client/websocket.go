package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport dials the hub over gorilla/websocket.
type WebSocketTransport struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{Dialer: websocket.DefaultDialer}
}

func (t *WebSocketTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid WebSocket URL: %w", err)
	}

	// If no scheme is provided, assume ws://
	switch u.Scheme {
	case "":
		u.Scheme = "ws"
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), t.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}

	slog.Debug("WebSocket session opened", "url", u.String())
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Write(frame []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to send WebSocket message: %w", err)
	}
	return nil
}

func (c *wsConn) Read() ([]byte, error) {
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, &ClosedError{Code: closeErr.Code, Reason: closeErr.Text}
		}
		return nil, fmt.Errorf("WebSocket connection error: %w", err)
	}
	return frame, nil
}

func (c *wsConn) Close(code int, reason string) error {
	deadline := time.Now().Add(time.Second)
	err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		// Log error but don't return it - we still want to close the connection
		slog.Debug("Failed to send close message", "error", err)
	}
	return c.conn.Close()
}
