// Package broker implements the in-process topic registry and
// predicate-filtered fan-out engine. Publishers fire events at named topics;
// each subscription carries a predicate deciding which events it receives
// and a sink the matching events are delivered to, in publish order.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrEmptyTopic is returned by Subscribe for an empty topic name.
	ErrEmptyTopic = errors.New("broker: empty topic name")
	// ErrNilSink is returned by Subscribe when no sink is provided.
	ErrNilSink = errors.New("broker: nil sink")
	// ErrClosed is returned by Subscribe and Publish after Close.
	ErrClosed = errors.New("broker: closed")
)

// Event is a published payload tagged with its topic. Payloads are treated
// as immutable: the publisher hands over a fully resolved value and every
// listener reads the same one.
type Event struct {
	Topic   string
	Payload any
}

// Predicate decides whether a subscription receives an event. It must be
// pure, side-effect free, and non-blocking; it runs on the publisher's
// goroutine. A nil predicate matches everything.
type Predicate func(Event) bool

// Sink consumes events accepted by the predicate. Each subscription has a
// dedicated delivery goroutine, so a slow sink only delays its own events.
type Sink func(Event)

// topicState holds one topic's listener list in registration order. Each
// topic carries its own lock so publishes to different topics never contend.
type topicState struct {
	mu        sync.Mutex
	listeners []*Subscription
}

// Broker is an explicitly constructed fan-out registry. It is safe for
// concurrent use by any number of publishers and subscribers.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]*topicState
	closed bool

	nextID  atomic.Uint64
	bufSize int
	logger  *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithBufferSize sets the per-subscription delivery queue size.
func WithBufferSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// New creates a Broker.
func New(logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		topics:  make(map[string]*topicState),
		bufSize: defaultBufferSize,
		logger:  logger.With("component", "broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

const defaultBufferSize = 100

// Subscribe registers sink on topic. Events published to topic for which
// pred returns true are delivered to sink in publish order. The returned
// Subscription stays live until Unsubscribe, a predicate/sink failure, or
// broker Close.
func (b *Broker) Subscribe(topic string, pred Predicate, sink Sink, opts ...SubOption) (*Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if sink == nil {
		return nil, ErrNilSink
	}

	sub := &Subscription{
		id:    b.nextID.Add(1),
		topic: topic,
		pred:  pred,
		sink:  sink,
		queue: make(chan Event, b.bufSize),
		quit:  make(chan struct{}),
		b:     b,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	t, ok := b.topics[topic]
	if !ok {
		t = &topicState{}
		b.topics[topic] = t
	}
	b.mu.Unlock()

	t.mu.Lock()
	t.listeners = append(t.listeners, sub)
	t.mu.Unlock()

	go sub.deliverLoop()

	b.logger.Debug("subscribed", "topic", topic, "subscription", sub.id)
	return sub, nil
}

// Publish evaluates every listener on topic in registration order and
// enqueues the event for each whose predicate accepts it. Listener failures
// are isolated: a panicking predicate terminates only that subscription and
// is never surfaced to the publisher. Publishing to a topic with no
// listeners is a no-op.
func (b *Broker) Publish(ctx context.Context, topic string, payload any) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	t := b.topics[topic]
	b.mu.RUnlock()

	if t == nil {
		return nil
	}

	ev := Event{Topic: topic, Payload: payload}

	// Snapshot under the topic lock so a concurrent unsubscribe either
	// happens before this publish or completes the delivery in flight.
	t.mu.Lock()
	snapshot := make([]*Subscription, len(t.listeners))
	copy(snapshot, t.listeners)
	t.mu.Unlock()

	for _, sub := range snapshot {
		if sub.closed.Load() {
			continue
		}

		accepted, err := sub.evaluate(ev)
		if err != nil {
			b.logger.Error("predicate failure, terminating subscription",
				"topic", topic, "subscription", sub.id, "error", err)
			sub.terminate(err)
			continue
		}
		if !accepted {
			continue
		}

		select {
		case sub.queue <- ev:
		default:
			// Best-effort contract: a consumer that cannot keep up loses
			// events rather than stalling the publisher or its peers.
			b.logger.Warn("delivery queue full, dropping event",
				"topic", topic, "subscription", sub.id)
		}
	}

	return nil
}

// Unsubscribe removes sub from its topic. Idempotent: removing an already
// removed subscription is a no-op. When it returns, the sink is guaranteed
// not to be invoked again. Must not be called from the subscription's own
// sink; use a separate goroutine for that.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if !sub.detach() {
		return
	}
	// Barrier: wait out any sink invocation already in flight.
	sub.deliverMu.Lock()
	sub.deliverMu.Unlock() //nolint:staticcheck // empty critical section is the barrier
	b.logger.Debug("unsubscribed", "topic", sub.topic, "subscription", sub.id)
}

// Listeners reports the number of live subscriptions on topic.
func (b *Broker) Listeners(topic string) int {
	b.mu.RLock()
	t := b.topics[topic]
	b.mu.RUnlock()
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

// Topics returns a snapshot of topic names and their listener counts.
func (b *Broker) Topics() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snapshot := make(map[string]int, len(b.topics))
	for name, t := range b.topics {
		t.mu.Lock()
		n := len(t.listeners)
		t.mu.Unlock()
		if n > 0 {
			snapshot[name] = n
		}
	}
	return snapshot
}

// Close terminates every subscription and rejects further use.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]*topicState)
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		listeners := t.listeners
		t.listeners = nil
		t.mu.Unlock()
		for _, sub := range listeners {
			sub.stop()
		}
	}
	return nil
}

// removeListener detaches sub from its topic's listener list.
func (b *Broker) removeListener(sub *Subscription) {
	b.mu.RLock()
	t := b.topics[sub.topic]
	b.mu.RUnlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	for i, s := range t.listeners {
		if s == sub {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}
