package broker

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Subscription is a live binding of predicate+sink to a topic. It is owned
// by whoever called Subscribe; the transport session layer owns one per
// active client subscription.
type Subscription struct {
	id    uint64
	topic string
	pred  Predicate
	sink  Sink

	// onFail runs at most once when the subscription is terminated by a
	// predicate or sink failure (not by a plain Unsubscribe).
	onFail func(error)

	queue chan Event
	quit  chan struct{}

	closed   atomic.Bool
	stopOnce sync.Once

	// deliverMu is held for the duration of each sink invocation; Unsubscribe
	// takes it once after detaching to wait out an in-flight delivery.
	deliverMu sync.Mutex

	b *Broker
}

// SubOption configures a Subscription at Subscribe time.
type SubOption func(*Subscription)

// WithFailureHook installs a hook invoked when the subscription is
// terminated by a predicate or sink failure. The hook runs once, off the
// publisher's critical path for sink failures and on the publisher's
// goroutine for predicate failures; it must not block.
func WithFailureHook(fn func(error)) SubOption {
	return func(s *Subscription) { s.onFail = fn }
}

// ID returns the broker-assigned subscription id.
func (s *Subscription) ID() uint64 { return s.id }

// Topic returns the topic this subscription listens on.
func (s *Subscription) Topic() string { return s.topic }

// evaluate runs the predicate, converting a panic into an error so one bad
// filter cannot take down the publish.
func (s *Subscription) evaluate(ev Event) (accepted bool, err error) {
	if s.pred == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			accepted = false
			err = fmt.Errorf("predicate panic: %v", r)
		}
	}()
	return s.pred(ev), nil
}

// deliverLoop drains the subscription's queue in order, invoking the sink
// for each event. Panic recovery mirrors the worker-pool handlers: the
// failure is logged, the subscription terminated, and nothing propagates.
func (s *Subscription) deliverLoop() {
	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.queue:
			// Re-check after dequeue so an unsubscribe that raced the enqueue
			// wins: the event is silently discarded, never half-delivered.
			select {
			case <-s.quit:
				return
			default:
			}

			if err := s.invoke(ev); err != nil {
				s.b.logger.Error("sink failure, terminating subscription",
					"topic", s.topic, "subscription", s.id, "error", err)
				s.terminate(err)
				return
			}
		}
	}
}

func (s *Subscription) invoke(ev Event) (err error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.closed.Load() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	s.sink(ev)
	return nil
}

// detach marks the subscription closed and removes it from the topic
// registry. Returns false if it was already detached.
func (s *Subscription) detach() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	s.b.removeListener(s)
	s.stopOnce.Do(func() { close(s.quit) })
	return true
}

// stop is detach without registry removal, used by Broker.Close which has
// already emptied the registry.
func (s *Subscription) stop() {
	s.closed.Store(true)
	s.stopOnce.Do(func() { close(s.quit) })
}

// terminate detaches the subscription after a listener failure and fires
// the failure hook. Safe from both the publisher goroutine (predicate
// failure) and the delivery goroutine (sink failure).
func (s *Subscription) terminate(err error) {
	if !s.detach() {
		return
	}
	if s.onFail != nil {
		s.onFail(err)
	}
}
