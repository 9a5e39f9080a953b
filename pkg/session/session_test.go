package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/open-realtime/chat-stack/pkg/broker"
	"github.com/open-realtime/chat-stack/pkg/chat"
	"github.com/open-realtime/chat-stack/pkg/subscriptions"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeConn is an in-memory Conn. The test feeds inbound frames through the
// inbound channel and collects everything the session writes.
type fakeConn struct {
	inbound chan []byte

	mu     sync.Mutex
	frames []Frame
	wrote  chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		wrote:   make(chan struct{}, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return 0, nil, errors.New("connection reset")
		}
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("use of closed connection")
	default:
	}
	if messageType != websocket.TextMessage {
		return nil // pings
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	f.wrote <- struct{}{}
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(t *testing.T, frame Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	f.inbound <- data
}

// waitFrame blocks until the session has written another frame.
func (f *fakeConn) waitFrame(t *testing.T) Frame {
	t.Helper()
	select {
	case <-f.wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[len(f.frames)-1]
}

func newTestSession(conn Conn, b *broker.Broker) *Session {
	return NewSession(conn, b, subscriptions.NewRegistry(), testLogger(), 16, time.Minute)
}

func runSession(s *Session) chan struct{} {
	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()
	return done
}

func waitSubscriptions(t *testing.T, s *Session, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.ActiveSubscriptions() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d active subscriptions, got %d", n, s.ActiveSubscriptions())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartDataStopLifecycle(t *testing.T) {
	b := broker.New(testLogger())
	defer b.Close()

	conn := newFakeConn()
	s := newTestSession(conn, b)
	done := runSession(s)

	conn.push(t, Frame{Type: FrameStart, ID: "1", Operation: "groupAdded",
		Arguments: subscriptions.Args{"userId": float64(5)}})
	waitSubscriptions(t, s, 1)

	// A matching event becomes a data frame carrying the start's id.
	group := chat.Group{ID: 10, CreatorID: 2, MemberIDs: []int64{2, 5}}
	if err := b.Publish(context.Background(), chat.TopicGroupAdded, group); err != nil {
		t.Fatal(err)
	}
	frame := conn.waitFrame(t)
	if frame.Type != FrameData || frame.ID != "1" {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	// Stop tears the broker listener down.
	conn.push(t, Frame{Type: FrameStop, ID: "1"})
	waitSubscriptions(t, s, 0)
	deadline := time.Now().Add(2 * time.Second)
	for b.Listeners(chat.TopicGroupAdded) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("broker listener leaked after stop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()
	<-done
}

func TestStartFiltersByPredicate(t *testing.T) {
	b := broker.New(testLogger())
	defer b.Close()

	conn := newFakeConn()
	s := newTestSession(conn, b)
	done := runSession(s)

	conn.push(t, Frame{Type: FrameStart, ID: "sub-1", Operation: "messageAdded",
		Arguments: subscriptions.Args{
			"groupIds": []any{float64(1)},
			"userId":   float64(7),
		}})
	waitSubscriptions(t, s, 1)

	ctx := context.Background()
	// Own message and foreign-group message are filtered out.
	_ = b.Publish(ctx, chat.TopicMessageAdded, chat.Message{ID: "a", GroupID: 1, SenderID: 7})
	_ = b.Publish(ctx, chat.TopicMessageAdded, chat.Message{ID: "b", GroupID: 2, SenderID: 3})
	// This one gets through.
	_ = b.Publish(ctx, chat.TopicMessageAdded, chat.Message{ID: "c", GroupID: 1, SenderID: 3})

	frame := conn.waitFrame(t)
	if frame.Type != FrameData || frame.ID != "sub-1" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	payload, err := json.Marshal(frame.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(payload), `"c"`) {
		t.Errorf("expected message c to be delivered, got %s", payload)
	}

	conn.mu.Lock()
	n := len(conn.frames)
	conn.mu.Unlock()
	if n != 1 {
		t.Errorf("filtered events leaked to the wire: %d frames", n)
	}

	conn.Close()
	<-done
}

func TestStartWithoutIDIsRejected(t *testing.T) {
	b := broker.New(testLogger())
	defer b.Close()

	conn := newFakeConn()
	s := newTestSession(conn, b)
	done := runSession(s)

	conn.push(t, Frame{Type: FrameStart, Operation: "groupAdded",
		Arguments: subscriptions.Args{"userId": float64(1)}})

	frame := conn.waitFrame(t)
	if frame.Type != FrameError {
		t.Fatalf("expected error frame, got %+v", frame)
	}
	if s.ActiveSubscriptions() != 0 {
		t.Error("rejected start must not create a subscription")
	}

	conn.Close()
	<-done
}

func TestUnknownOperationSendsError(t *testing.T) {
	b := broker.New(testLogger())
	defer b.Close()

	conn := newFakeConn()
	s := newTestSession(conn, b)
	done := runSession(s)

	conn.push(t, Frame{Type: FrameStart, ID: "1", Operation: "bogus"})

	frame := conn.waitFrame(t)
	if frame.Type != FrameError || frame.ID != "1" {
		t.Fatalf("expected error frame for id 1, got %+v", frame)
	}

	conn.Close()
	<-done
}

func TestDuplicateIDTerminatesExisting(t *testing.T) {
	b := broker.New(testLogger())
	defer b.Close()

	conn := newFakeConn()
	s := newTestSession(conn, b)
	done := runSession(s)

	args := subscriptions.Args{"userId": float64(5)}
	conn.push(t, Frame{Type: FrameStart, ID: "dup", Operation: "groupAdded", Arguments: args})
	waitSubscriptions(t, s, 1)

	conn.push(t, Frame{Type: FrameStart, ID: "dup", Operation: "groupAdded", Arguments: args})
	frame := conn.waitFrame(t)
	if frame.Type != FrameError || frame.ID != "dup" {
		t.Fatalf("expected error frame for duplicate id, got %+v", frame)
	}
	waitSubscriptions(t, s, 0)

	// The id is burned for the rest of the connection: a third start with the
	// same id is an error too, even though nothing is live under it.
	conn.push(t, Frame{Type: FrameStart, ID: "dup", Operation: "groupAdded", Arguments: args})
	frame = conn.waitFrame(t)
	if frame.Type != FrameError || frame.ID != "dup" {
		t.Fatalf("expected error frame for reused id, got %+v", frame)
	}

	conn.Close()
	<-done
}

func TestStopUnknownIDIsNoop(t *testing.T) {
	b := broker.New(testLogger())
	defer b.Close()

	conn := newFakeConn()
	s := newTestSession(conn, b)
	done := runSession(s)

	conn.push(t, Frame{Type: FrameStop, ID: "never-started"})
	// Session keeps running; a subsequent start works.
	conn.push(t, Frame{Type: FrameStart, ID: "1", Operation: "groupAdded",
		Arguments: subscriptions.Args{"userId": float64(5)}})
	waitSubscriptions(t, s, 1)

	conn.Close()
	<-done
}

func TestConnectionCloseCleansUpSubscriptions(t *testing.T) {
	b := broker.New(testLogger())
	defer b.Close()

	conn := newFakeConn()
	s := newTestSession(conn, b)
	done := runSession(s)

	conn.push(t, Frame{Type: FrameStart, ID: "1", Operation: "groupAdded",
		Arguments: subscriptions.Args{"userId": float64(5)}})
	conn.push(t, Frame{Type: FrameStart, ID: "2", Operation: "messageAdded",
		Arguments: subscriptions.Args{"groupIds": []any{float64(1)}, "userId": float64(5)}})
	waitSubscriptions(t, s, 2)

	conn.Close()
	<-done

	if n := b.Listeners(chat.TopicGroupAdded); n != 0 {
		t.Errorf("group-added listeners leaked: %d", n)
	}
	if n := b.Listeners(chat.TopicMessageAdded); n != 0 {
		t.Errorf("message-added listeners leaked: %d", n)
	}
	if s.ActiveSubscriptions() != 0 {
		t.Error("session still tracks subscriptions after close")
	}
}

func TestHubCounts(t *testing.T) {
	h := NewHub()
	b := broker.New(testLogger())
	defer b.Close()

	s1 := newTestSession(newFakeConn(), b)
	s2 := newTestSession(newFakeConn(), b)
	h.add(s1)
	h.add(s2)

	if h.Count() != 2 {
		t.Errorf("Count = %d, want 2", h.Count())
	}
	if h.Subscriptions() != 0 {
		t.Errorf("Subscriptions = %d, want 0", h.Subscriptions())
	}

	h.remove(s1)
	if h.Count() != 1 {
		t.Errorf("Count = %d after remove, want 1", h.Count())
	}
}
