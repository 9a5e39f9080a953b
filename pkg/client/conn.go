// Package client implements the client half of the notification engine:
// a reconnecting multiplexed connection, a subscription manager that keeps
// live subscriptions aligned with the client's interest set, and a
// reconnection supervisor that refetches authoritative state after a drop.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/open-realtime/chat-stack/pkg/session"
)

// ErrNotConnected is returned by Start/Stop while the connection is down.
var ErrNotConnected = errors.New("client: not connected")

// Status describes the connection's health as seen by the application.
type Status int

const (
	StatusConnected Status = iota
	StatusDisconnected
	// StatusDegraded is reported after repeated failed reconnect attempts.
	StatusDegraded
)

// Wire is the subset of the websocket connection the client logic needs.
type Wire interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc establishes one physical connection.
type DialFunc func(ctx context.Context) (Wire, error)

// WebsocketDialer dials the server's realtime websocket endpoint.
func WebsocketDialer(url string) DialFunc {
	return func(ctx context.Context) (Wire, error) {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// frame mirrors the session envelope with the payload kept raw for merge
// functions.
type frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Operation string          `json:"operation,omitempty"`
	Arguments map[string]any  `json:"arguments,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// FrameHandler receives the frames for one logical subscription.
type FrameHandler struct {
	OnData  func(payload json.RawMessage)
	OnError func(message string)
}

// Conn is a reconnecting multiplexed connection. Subscription ids are
// connection-scoped: after a reconnect every logical subscription must be
// re-issued from scratch, which the reconnect hooks take care of.
type Conn struct {
	dial   DialFunc
	logger *slog.Logger

	mu       sync.Mutex
	ws       Wire
	handlers map[string]FrameHandler
	hooks    map[int]func()
	nextHook int

	writeMu sync.Mutex

	nextID atomic.Int64

	onStatus      func(Status)
	degradedAfter int
	backoffBase   time.Duration
	backoffMax    time.Duration

	closed    chan struct{}
	closeOnce sync.Once
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithStatusFunc installs a callback for connection status transitions.
func WithStatusFunc(fn func(Status)) ConnOption {
	return func(c *Conn) { c.onStatus = fn }
}

// WithBackoff overrides the reconnect backoff bounds.
func WithBackoff(base, max time.Duration) ConnOption {
	return func(c *Conn) {
		if base > 0 {
			c.backoffBase = base
		}
		if max > 0 {
			c.backoffMax = max
		}
	}
}

// NewConn creates a Conn. Call Run to connect.
func NewConn(dial DialFunc, logger *slog.Logger, opts ...ConnOption) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		dial:          dial,
		logger:        logger.With("component", "client"),
		handlers:      make(map[string]FrameHandler),
		hooks:         make(map[int]func()),
		degradedAfter: 5,
		backoffBase:   500 * time.Millisecond,
		backoffMax:    30 * time.Second,
		closed:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnReconnect registers a hook invoked after every (re)connection, in
// registration order, before inbound frames are processed. Returns an
// unregister function.
func (c *Conn) OnReconnect(fn func()) func() {
	c.mu.Lock()
	id := c.nextHook
	c.nextHook++
	c.hooks[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.hooks, id)
		c.mu.Unlock()
	}
}

// Run connects and services the connection until ctx is cancelled or Close
// is called, reconnecting with capped exponential backoff on failure.
func (c *Conn) Run(ctx context.Context) error {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		default:
		}

		ws, err := c.dial(ctx)
		if err != nil {
			attempts++
			c.logger.Warn("connect failed", "attempt", attempts, "error", err)
			if attempts == c.degradedAfter {
				c.notify(StatusDegraded)
			}
			if !c.sleep(ctx, c.backoff(attempts)) {
				return ctx.Err()
			}
			continue
		}
		attempts = 0

		c.mu.Lock()
		c.ws = ws
		// Connection-scoped ids: anything registered against the previous
		// connection is dead.
		c.handlers = make(map[string]FrameHandler)
		hooks := make([]func(), 0, len(c.hooks))
		for i := 0; i < c.nextHook; i++ {
			if hook, ok := c.hooks[i]; ok {
				hooks = append(hooks, hook)
			}
		}
		c.mu.Unlock()

		c.notify(StatusConnected)
		for _, hook := range hooks {
			hook()
		}

		c.readFrames(ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()
		c.notify(StatusDisconnected)
	}
}

func (c *Conn) readFrames(ws Wire) {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			c.logger.Debug("connection lost", "error", err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("malformed frame", "error", err)
			continue
		}

		c.mu.Lock()
		handler, ok := c.handlers[f.ID]
		if f.Type == session.FrameError {
			// Error frames are terminal for the id.
			delete(c.handlers, f.ID)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}

		switch f.Type {
		case session.FrameData:
			if handler.OnData != nil {
				handler.OnData(f.Payload)
			}
		case session.FrameError:
			if handler.OnError != nil {
				handler.OnError(f.Message)
			}
		}
	}
}

// Start opens a logical subscription and returns its connection-scoped id.
func (c *Conn) Start(operation string, args map[string]any, handler FrameHandler) (string, error) {
	id := strconv.FormatInt(c.nextID.Add(1), 10)

	c.mu.Lock()
	if c.ws == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	c.handlers[id] = handler
	c.mu.Unlock()

	err := c.writeFrame(frame{
		Type:      session.FrameStart,
		ID:        id,
		Operation: operation,
		Arguments: args,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
		return "", err
	}
	return id, nil
}

// Stop closes a logical subscription. After it returns, the handler is
// deregistered and receives nothing further.
func (c *Conn) Stop(id string) error {
	c.mu.Lock()
	delete(c.handlers, id)
	connected := c.ws != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.writeFrame(frame{Type: session.FrameStop, ID: id})
}

func (c *Conn) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close shuts the connection down permanently.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		ws := c.ws
		c.ws = nil
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
	})
}

func (c *Conn) notify(s Status) {
	if c.onStatus != nil {
		c.onStatus(s)
	}
}

func (c *Conn) backoff(attempts int) time.Duration {
	d := c.backoffBase << (attempts - 1)
	if d > c.backoffMax || d <= 0 {
		d = c.backoffMax
	}
	return d
}

func (c *Conn) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.closed:
		return false
	case <-timer.C:
		return true
	}
}
