package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// TCPTransport speaks newline-delimited JSON frames, for device gateways that
// do not terminate WebSocket.
type TCPTransport struct {
	Dialer net.Dialer
}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

func (t *TCPTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	conn, err := t.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &tcpConn{conn: conn, scanner: bufio.NewScanner(conn)}, nil
}

type tcpConn struct {
	conn    net.Conn
	scanner *bufio.Scanner

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (c *tcpConn) Write(frame []byte) error {
	data := make([]byte, 0, len(frame)+1)
	data = append(data, frame...)
	data = append(data, '\n')
	_, err := c.conn.Write(data)
	return err
}

func (c *tcpConn) Read() ([]byte, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		return frame, nil
	}

	c.mu.Lock()
	local := c.closed
	c.mu.Unlock()
	if local {
		return nil, &ClosedError{Code: CloseNormal, Reason: "closed locally"}
	}

	if err := c.scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	// TCP carries no close code; a peer hangup is treated as abnormal so the
	// connection reconnects.
	return nil, &ClosedError{Code: CloseAbnormal, Reason: "connection closed"}
}

func (c *tcpConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}
