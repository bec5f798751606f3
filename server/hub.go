// Package server is a small devlink hub. It accepts dashboard connections over
// WebSocket or newline-delimited TCP, records what they send and broadcasts
// envelopes to them. It backs local development and the connection tests.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbocsi/devlink/proto"
)

// ErrUnknownClient is returned when an operation names a client that is not connected.
var ErrUnknownClient = errors.New("unknown client")

type peer interface {
	send(frame []byte) error
	close(code int, reason string) error
	drop() error
	remoteAddr() string
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID          string    `json:"id"`
	Protocol    string    `json:"protocol"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type hubClient struct {
	ClientInfo
	peer peer
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*hubClient
	received []proto.Envelope

	maxClients int
	replyPings bool
	onMessage  func(clientID string, env proto.Envelope)
	onConnect  func(ClientInfo)
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*hubClient),
		maxClients: 16,
		replyPings: true,
	}
}

func (h *Hub) SetMaxClients(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxClients = n
}

// SetReplyPings controls whether heartbeat pings are answered with a pong.
func (h *Hub) SetReplyPings(reply bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replyPings = reply
}

func (h *Hub) OnMessage(fn func(clientID string, env proto.Envelope)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = fn
}

func (h *Hub) OnConnect(fn func(ClientInfo)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = fn
}

func generateClientId(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// register returns false when the hub is full.
func (h *Hub) register(protocol string, p peer) (*hubClient, bool) {
	h.mu.Lock()
	if len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		return nil, false
	}
	c := &hubClient{
		ClientInfo: ClientInfo{
			ID:          generateClientId(protocol),
			Protocol:    protocol,
			RemoteAddr:  p.remoteAddr(),
			ConnectedAt: time.Now(),
		},
		peer: p,
	}
	h.clients[c.ID] = c
	onConnect := h.onConnect
	h.mu.Unlock()

	slog.Info("Client connected", "id", c.ID, "protocol", protocol, "addr", c.RemoteAddr)
	if onConnect != nil {
		onConnect(c.ClientInfo)
	}
	return c, true
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
	slog.Info("Client disconnected", "id", id)
}

// handleFrame records one inbound frame from client id.
func (h *Hub) handleFrame(id string, frame []byte) {
	env, err := proto.ParseEnvelope(frame)
	if err != nil {
		slog.Warn("Invalid message received", "client", id, "error", err)
		return
	}
	slog.Debug("Message received", "client", id, "type", env.Type, "size", len(env.Data))

	h.mu.Lock()
	h.received = append(h.received, env)
	onMessage := h.onMessage
	reply := h.replyPings
	c := h.clients[id]
	h.mu.Unlock()

	if reply && c != nil && env.Type == proto.TopicSystem {
		if event, err := proto.Decode[proto.SystemEvent](env); err == nil && event.Action == "ping" {
			pong, _ := proto.NewEnvelope(proto.TopicSystem, proto.SystemEvent{Action: "pong"})
			if err := h.sendTo(c, pong); err != nil {
				slog.Warn("Failed to answer ping", "client", id, "error", err)
			}
		}
	}
	if onMessage != nil {
		onMessage(id, env)
	}
}

// Broadcast sends env to every client and returns how many received it.
func (h *Hub) Broadcast(env proto.Envelope) int {
	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if err := h.sendTo(c, env); err != nil {
			slog.Warn("Broadcast failed", "client", c.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// SendRaw writes frame to one client unchanged, for malformed-input tests.
func (h *Hub) SendRaw(id string, frame []byte) error {
	c, ok := h.client(id)
	if !ok {
		return ErrUnknownClient
	}
	return c.peer.send(frame)
}

func (h *Hub) sendTo(c *hubClient, env proto.Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.peer.send(frame)
}

// CloseClient closes one client with the given close code.
func (h *Hub) CloseClient(id string, code int, reason string) error {
	c, ok := h.client(id)
	if !ok {
		return ErrUnknownClient
	}
	return c.peer.close(code, reason)
}

// DropClient tears the connection down without a close frame.
func (h *Hub) DropClient(id string) error {
	c, ok := h.client(id)
	if !ok {
		return ErrUnknownClient
	}
	return c.peer.drop()
}

// CloseAll closes every client with code.
func (h *Hub) CloseAll(code int, reason string) {
	for _, info := range h.Clients() {
		h.CloseClient(info.ID, code, reason)
	}
}

func (h *Hub) client(id string) (*hubClient, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ClientInfo, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c.ClientInfo)
	}
	return out
}

// Received returns every valid envelope received so far, in arrival order.
func (h *Hub) Received() []proto.Envelope {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]proto.Envelope(nil), h.received...)
}
