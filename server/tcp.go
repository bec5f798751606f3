package server

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"sync"
)

// ServeTCP accepts newline-delimited JSON clients on l until l is closed.
func (h *Hub) ServeTCP(l net.Listener) error {
	slog.Info("Starting tcp hub", "addr", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go h.handleTCP(conn)
	}
}

func (h *Hub) handleTCP(conn net.Conn) {
	p := &tcpPeer{conn: conn}
	c, ok := h.register("tcp", p)
	if !ok {
		slog.Warn("Max clients reached, rejecting connection", "remote_addr", conn.RemoteAddr())
		conn.Close()
		return
	}
	defer func() {
		h.unregister(c.ID)
		conn.Close()
	}()

	reader := bufio.NewScanner(conn)
	for reader.Scan() {
		h.handleFrame(c.ID, reader.Bytes())
	}
	if err := reader.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Warn("Connection error", "id", c.ID, "error", err)
	}
}

// tcpPeer has no close codes; close and drop both hang up.
type tcpPeer struct {
	mu   sync.Mutex
	conn net.Conn
}

func (p *tcpPeer) send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := make([]byte, 0, len(frame)+1)
	data = append(data, frame...)
	_, err := p.conn.Write(append(data, '\n'))
	return err
}

func (p *tcpPeer) close(code int, reason string) error {
	return p.conn.Close()
}

func (p *tcpPeer) drop() error {
	return p.conn.Close()
}

func (p *tcpPeer) remoteAddr() string {
	return p.conn.RemoteAddr().String()
}
