// Package client keeps one resilient real-time connection to a devlink hub.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbocsi/devlink/backoff"
	"github.com/mbocsi/devlink/broker"
	"github.com/mbocsi/devlink/proto"
)

type Config struct {
	URL               string
	ReconnectAttempts int
	ReconnectPolicy   backoff.Policy
	HeartbeatInterval time.Duration // zero disables the heartbeat
	ConnectTimeout    time.Duration
	QueueLimit        int // zero means unbounded
	QueueOverflow     Overflow
}

func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:8080/ws",
		ReconnectAttempts: 5,
		ReconnectPolicy:   backoff.ReconnectPolicy(),
		HeartbeatInterval: 30 * time.Second,
		ConnectTimeout:    10 * time.Second,
	}
}

// StatusChange is emitted on every state transition.
type StatusChange struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

type statusListener struct {
	fn func(StatusChange)
}

// Connection owns the live session to the hub. It reconnects with backoff,
// sends heartbeats while connected, queues envelopes sent while offline and
// forwards inbound envelopes to its router.
type Connection struct {
	cfg       Config
	transport Transport
	router    *broker.Router
	queue     *Queue

	mu         sync.Mutex
	state      State
	attempts   int
	session    uint64 // bumped on every dial and disconnect; stale callbacks compare against it
	conn       Conn
	lastErr    error
	waiters    []chan error
	retry      *time.Timer
	cancelDial context.CancelFunc
	stopBeat   chan struct{}
	listeners  []*statusListener
	pending    []StatusChange
	notifying  bool

	// serializes every write to the current Conn, queue flushes included
	writeMu sync.Mutex

	now func() time.Time
}

func NewConnection(t Transport, router *broker.Router, cfg Config) *Connection {
	if router == nil {
		router = broker.NewRouter()
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Connection{
		cfg:       cfg,
		transport: t,
		router:    router,
		queue:     NewQueue(cfg.QueueLimit, cfg.QueueOverflow),
		state:     Disconnected,
		now:       time.Now,
	}
}

// Connect starts a connect cycle, or joins the one in progress, and waits for
// it to settle. It returns nil once Connected, *ReconnectExhaustedError when
// the cycle ends in Failed, ErrDisconnected when Disconnect interrupts it, or
// ctx.Err() if ctx is done first. In the last case the cycle keeps running.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Connected:
		c.mu.Unlock()
		return nil
	case Failed:
		c.attempts = 0
		c.startCycleLocked()
	case Disconnected:
		c.startCycleLocked()
	}

	done := make(chan error, 1)
	c.waiters = append(c.waiters, done)
	c.mu.Unlock()
	c.notify()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) startCycleLocked() {
	slog.Info("Connecting", "url", c.cfg.URL)
	c.transitionLocked(EventDial)
	c.dialLocked()
}

func (c *Connection) dialLocked() {
	c.session++
	session := c.session

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	c.cancelDial = cancel
	go c.dial(ctx, cancel, session, c.cfg.URL)
}

func (c *Connection) dial(ctx context.Context, cancel context.CancelFunc, session uint64, addr string) {
	defer cancel()

	conn, err := c.transport.Dial(ctx, addr)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, c.cfg.ConnectTimeout, err)
	}

	c.mu.Lock()
	if c.session != session || c.state != Connecting {
		c.mu.Unlock()
		if conn != nil {
			conn.Close(CloseNormal, "stale session")
		}
		return
	}
	if err != nil {
		slog.Warn("Connect attempt failed", "url", addr, "attempt", c.attempts+1, "error", err)
		c.failLocked(err)
		c.mu.Unlock()
		c.notify()
		return
	}

	c.conn = conn
	c.cancelDial = nil
	c.attempts = 0
	c.lastErr = nil
	c.transitionLocked(EventOpen)
	stop := make(chan struct{})
	c.stopBeat = stop
	c.resolveLocked(nil)
	c.mu.Unlock()
	c.notify()

	slog.Info("Connected", "url", addr)
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeat(conn, stop)
	}
	go c.readLoop(session, conn)
	c.flush()
}

// failLocked handles a failed cycle or a dropped session.
func (c *Connection) failLocked(err error) {
	c.lastErr = err
	c.stopHeartbeatLocked()
	if c.conn != nil {
		go c.conn.Close(CloseAbnormal, "session failed")
		c.conn = nil
	}

	c.attempts++
	if c.attempts >= c.cfg.ReconnectAttempts {
		slog.Error("Reconnect attempts exhausted", "attempts", c.attempts, "error", err)
		c.transitionLocked(EventGiveUp)
		c.resolveLocked(&ReconnectExhaustedError{Attempts: c.attempts, Last: err})
		return
	}

	c.transitionLocked(EventFail)
	delay := c.cfg.ReconnectPolicy.Delay(c.attempts - 1)
	session := c.session
	slog.Info("Reconnecting", "attempt", c.attempts, "delay", delay)
	c.retry = time.AfterFunc(delay, func() { c.retryCycle(session) })
}

func (c *Connection) retryCycle(session uint64) {
	c.mu.Lock()
	if c.session != session || c.state != Reconnecting {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.transitionLocked(EventRetry)
	c.dialLocked()
	c.mu.Unlock()
	c.notify()
}

// Disconnect closes the session with the normal close code and stops any
// pending reconnect. Waiting Connect callers receive ErrDisconnected.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.session++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.attempts = 0
	if c.state != Disconnected {
		c.transitionLocked(EventDisconnect)
	}
	c.resolveLocked(ErrDisconnected)
	c.mu.Unlock()
	c.notify()

	if conn != nil {
		if err := conn.Close(CloseNormal, "client disconnect"); err != nil {
			slog.Debug("Close failed", "error", err)
		}
		slog.Info("Disconnected")
	}
}

// SetURL changes the hub address used by the next connect cycle.
func (c *Connection) SetURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.URL = url
}

func (c *Connection) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.URL
}

func (c *Connection) readLoop(session uint64, conn Conn) {
	for {
		frame, err := conn.Read()
		if err != nil {
			c.handleReadError(session, err)
			return
		}

		env, err := proto.ParseEnvelope(frame)
		if err != nil {
			slog.Warn("Dropping malformed frame", "error", err, "size", len(frame))
			continue
		}
		slog.Debug("Message Received", "type", env.Type, "service", env.Service, "size", len(env.Data))
		c.router.Dispatch(env)
	}
}

func (c *Connection) handleReadError(session uint64, err error) {
	c.mu.Lock()
	if c.session != session || c.state != Connected {
		c.mu.Unlock()
		return
	}

	var closed *ClosedError
	if errors.As(err, &closed) && closed.Code == CloseNormal {
		slog.Info("Hub closed the connection", "code", closed.Code, "reason", closed.Reason)
		c.session++
		c.stopHeartbeatLocked()
		conn := c.conn
		c.conn = nil
		c.transitionLocked(EventCloseNormal)
		c.mu.Unlock()
		c.notify()
		if conn != nil {
			conn.Close(CloseNormal, "")
		}
		return
	}

	slog.Warn("Connection lost", "error", err)
	c.failLocked(err)
	c.mu.Unlock()
	c.notify()
}

func (c *Connection) heartbeat(conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.write(conn, proto.Heartbeat())
			c.writeMu.Unlock()
			if err != nil {
				slog.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

func (c *Connection) stopHeartbeatLocked() {
	if c.stopBeat != nil {
		close(c.stopBeat)
		c.stopBeat = nil
	}
}

// Send transmits env when connected and queues it otherwise. A failed write
// also queues the envelope. The only errors are ErrQueueFull from a bounded
// queue and marshal failures.
func (c *Connection) Send(env proto.Envelope) error {
	if env.Timestamp == 0 {
		env.Timestamp = c.now().UnixMilli()
	}
	if _, err := json.Marshal(env); err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	c.mu.Lock()
	if c.state != Connected {
		// enqueue under mu so a concurrent Connected transition flushes it
		err := c.queue.Enqueue(env)
		c.mu.Unlock()
		return err
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	if c.queue.Len() > 0 {
		c.writeMu.Unlock()
		if err := c.queue.Enqueue(env); err != nil {
			return err
		}
		c.flush()
		return nil
	}
	err := c.write(conn, env)
	c.writeMu.Unlock()

	if err != nil {
		slog.Warn("Send failed, queueing envelope", "type", env.Type, "error", err)
		return c.queue.Enqueue(env)
	}
	return nil
}

func (c *Connection) flush() {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	sent, err := c.queue.Flush(func(env proto.Envelope) error {
		return c.write(conn, env)
	})
	if err != nil {
		slog.Warn("Queue flush interrupted", "sent", sent, "remaining", c.queue.Len(), "error", err)
		return
	}
	if sent > 0 {
		slog.Info("Flushed outbound queue", "sent", sent)
	}
}

// write must be called with writeMu held.
func (c *Connection) write(conn Conn, env proto.Envelope) error {
	if conn == nil {
		return ErrNotConnected
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := conn.Write(frame); err != nil {
		return err
	}
	slog.Debug("Sent Message", "type", env.Type, "size", len(env.Data))
	return nil
}

func (c *Connection) transitionLocked(e Event) {
	next, ok := Transition(c.state, e)
	if !ok {
		slog.Error("Invalid state transition", "state", c.state, "event", e)
		return
	}
	slog.Debug("State transition", "from", c.state, "to", next, "event", e)
	c.state = next
	c.pending = append(c.pending, StatusChange{State: next, Timestamp: c.now()})
}

func (c *Connection) resolveLocked(err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}

// notify drains pending status changes in order. Only one goroutine drains at
// a time and listeners run without mu held, so they may call back in.
func (c *Connection) notify() {
	c.mu.Lock()
	if c.notifying {
		c.mu.Unlock()
		return
	}
	c.notifying = true
	for len(c.pending) > 0 {
		change := c.pending[0]
		c.pending = c.pending[1:]
		listeners := c.listeners
		c.mu.Unlock()

		for _, l := range listeners {
			callListener(l, change)
		}

		c.mu.Lock()
	}
	c.notifying = false
	c.mu.Unlock()
}

func callListener(l *statusListener, change StatusChange) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Status listener panicked", "state", change.State, "panic", rec)
		}
	}()
	l.fn(change)
}

// OnStatusChange registers fn for every later transition.
func (c *Connection) OnStatusChange(fn func(StatusChange)) broker.Unsubscribe {
	l := &statusListener{fn: fn}

	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, existing := range c.listeners {
				if existing == l {
					c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

func (c *Connection) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the failed cycles since the last successful open.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastError returns the error that ended the most recent failed cycle.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Connection) QueueLen() int {
	return c.queue.Len()
}

func (c *Connection) Router() *broker.Router {
	return c.router
}

func (c *Connection) Subscribe(topic string, handler broker.Handler) broker.Unsubscribe {
	return c.router.Subscribe(topic, handler)
}

func (c *Connection) SubscribeBatch(topics []string, handler broker.BatchHandler) broker.Unsubscribe {
	return c.router.SubscribeBatch(topics, handler)
}

func (c *Connection) SubscribeAll(fn func(proto.Envelope)) broker.Unsubscribe {
	return c.router.SubscribeAll(fn)
}
