package client

import (
	"errors"
	"fmt"
)

var (
	ErrConnectTimeout = errors.New("connect timeout")
	ErrDisconnected   = errors.New("connection disconnected by owner")
	ErrQueueFull      = errors.New("outbound queue full")
	ErrNotConnected   = errors.New("transport is not connected")
)

// ClosedError reports a close frame (or its equivalent) received from the remote end.
type ClosedError struct {
	Code   int
	Reason string
}

func (e *ClosedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed (%d)", e.Code)
	}
	return fmt.Sprintf("connection closed (%d): %s", e.Code, e.Reason)
}

// ReconnectExhaustedError is returned to Connect callers when the cycle ends in Failed.
type ReconnectExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ReconnectExhaustedError) Error() string {
	return fmt.Sprintf("reconnect exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ReconnectExhaustedError) Unwrap() error {
	return e.Last
}
