// Package session implements the multiplexed transport layer: one
// persistent full-duplex connection per client carrying many logical
// subscriptions, distinguished by client-chosen frame ids.
package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"

	"github.com/open-realtime/chat-stack/pkg/broker"
	"github.com/open-realtime/chat-stack/pkg/subscriptions"
)

// Conn is the subset of the websocket connection the session logic needs.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session owns every subscription created over one physical connection.
// When the connection closes, all of them are unsubscribed from the broker;
// nothing survives a reconnect, clients re-issue starts from scratch.
type Session struct {
	id       string
	conn     Conn
	broker   *broker.Broker
	registry *subscriptions.Registry
	logger   *slog.Logger

	out  chan Frame
	done chan struct{}

	mu   sync.Mutex
	subs map[string]*broker.Subscription
	// used tracks every id that ever saw a start on this connection; ids
	// are not reusable even after stop/error.
	used map[string]struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	pingInterval time.Duration
}

// NewSession wraps an accepted connection.
func NewSession(conn Conn, b *broker.Broker, registry *subscriptions.Registry, logger *slog.Logger, outBuffer int, pingInterval time.Duration) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if outBuffer <= 0 {
		outBuffer = 64
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	id := uuid.NewString()
	return &Session{
		id:           id,
		conn:         conn,
		broker:       b,
		registry:     registry,
		logger:       logger.With("component", "session", "session", id),
		out:          make(chan Frame, outBuffer),
		done:         make(chan struct{}),
		subs:         make(map[string]*broker.Subscription),
		used:         make(map[string]struct{}),
		pingInterval: pingInterval,
	}
}

// ID returns the server-assigned session id.
func (s *Session) ID() string { return s.id }

// ActiveSubscriptions returns the number of currently active subscriptions.
func (s *Session) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Run services the connection until it closes, then tears down every owned
// subscription. Blocks; call from the connection handler goroutine.
func (s *Session) Run() {
	s.wg.Add(1)
	go s.writeLoop()

	s.readLoop()
	s.shutdown()
	s.wg.Wait()
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				s.logger.Debug("read error", "error", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("malformed frame, dropping", "error", err)
			continue
		}

		switch frame.Type {
		case FrameStart:
			s.handleStart(frame)
		case FrameStop:
			s.handleStop(frame.ID)
		default:
			s.logger.Warn("unexpected frame type", "type", frame.Type)
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.out:
			data, err := json.Marshal(frame)
			if err != nil {
				s.logger.Error("failed to marshal frame", "error", err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("write failed, closing session", "error", err)
				s.shutdown()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown()
				return
			}
		}
	}
}

// send enqueues a frame for the writer, giving up if the session is gone.
func (s *Session) send(frame Frame) {
	select {
	case s.out <- frame:
	case <-s.done:
	}
}

func (s *Session) handleStart(frame Frame) {
	if frame.ID == "" {
		s.send(Frame{Type: FrameError, Message: "start frame requires an id"})
		return
	}

	s.mu.Lock()
	if _, taken := s.used[frame.ID]; taken {
		// Protocol violation: one start per id per connection lifetime.
		// Terminate whatever is active under the id; error is terminal.
		existing := s.subs[frame.ID]
		delete(s.subs, frame.ID)
		s.mu.Unlock()
		if existing != nil {
			s.broker.Unsubscribe(existing)
		}
		s.send(Frame{Type: FrameError, ID: frame.ID, Message: "subscription id already used on this connection"})
		return
	}
	s.used[frame.ID] = struct{}{}
	s.mu.Unlock()

	binding, err := s.registry.Resolve(frame.Operation, frame.Arguments)
	if err != nil {
		s.logger.Debug("start rejected", "id", frame.ID, "operation", frame.Operation, "error", err)
		s.send(Frame{Type: FrameError, ID: frame.ID, Message: err.Error()})
		return
	}

	frameID := frame.ID
	sink := func(ev broker.Event) {
		s.send(Frame{Type: FrameData, ID: frameID, Payload: binding.Project(ev.Payload)})
	}
	onFail := func(err error) {
		s.mu.Lock()
		delete(s.subs, frameID)
		s.mu.Unlock()
		s.send(Frame{Type: FrameError, ID: frameID, Message: err.Error()})
	}

	sub, err := s.broker.Subscribe(binding.Topic, binding.Predicate, sink, broker.WithFailureHook(onFail))
	if err != nil {
		s.send(Frame{Type: FrameError, ID: frame.ID, Message: err.Error()})
		return
	}

	s.mu.Lock()
	if isClosed(s.done) {
		// Connection closed while subscribing; don't leak the listener.
		s.mu.Unlock()
		s.broker.Unsubscribe(sub)
		return
	}
	s.subs[frame.ID] = sub
	s.mu.Unlock()

	s.logger.Debug("subscription started", "id", frame.ID, "operation", frame.Operation, "topic", binding.Topic)
}

func (s *Session) handleStop(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()

	if !ok {
		// Stop for an unknown or already-terminal id is a no-op.
		return
	}
	s.broker.Unsubscribe(sub)
	s.logger.Debug("subscription stopped", "id", id)
}

// shutdown unsubscribes every owned subscription and closes the connection.
// Cleanup is mandatory: a session that skips this leaks broker listeners.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		subs := make([]*broker.Subscription, 0, len(s.subs))
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
		s.subs = make(map[string]*broker.Subscription)
		s.mu.Unlock()

		for _, sub := range subs {
			s.broker.Unsubscribe(sub)
		}
		_ = s.conn.Close()

		s.logger.Debug("session closed", "subscriptions", len(subs))
	})
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

// Hub tracks live sessions for observability.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*Session)}
}

func (h *Hub) add(s *Session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Subscriptions returns the total number of active subscriptions across all
// live sessions.
func (h *Hub) Subscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, s := range h.sessions {
		total += s.ActiveSubscriptions()
	}
	return total
}
