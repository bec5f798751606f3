package client

import "context"

// Close codes shared by every transport. They follow the WebSocket registry so
// a TCP gateway and a WebSocket hub report closes the same way.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// Transport dials a fresh Conn for every connect cycle.
type Transport interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Conn is one open session. Read returns *ClosedError when the remote end closes.
type Conn interface {
	Write(frame []byte) error
	Read() ([]byte, error) // for one-at-a-time processing
	Close(code int, reason string) error
}
