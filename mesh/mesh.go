// Package mesh implements the in-process event mesh (C1): topic-based
// publish/subscribe with fan-out delivery, and request/response with
// per-call timeouts. It is the single wiring point every other subsystem
// is injected through, in place of the global event-bus singleton the
// specification's design notes call out.
package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/gvsrusa/sevak-roocode-sub001/logging"
)

// Handle is an opaque subscription or handler-registration token.
// Unsubscribe takes a subscription's Handle; RemoveHandler removes a
// request handler by topic and does not take a Handle.
type Handle uint64

// ResponseStatus describes how a request/response call settled.
type ResponseStatus int

const (
	StatusOK ResponseStatus = iota
	StatusTimeout
	StatusNoHandler
	StatusHandlerError
)

// Response is the settled result of a request/response call.
type Response struct {
	Status ResponseStatus
	Value  interface{}
	Err    error
}

// Handler answers a single request/response call for a topic.
type Handler func(ctx context.Context, payload interface{}) (interface{}, error)

// Subscriber receives fire-and-forget publications for a topic.
type Subscriber func(payload interface{})

type subscription struct {
	handle Handle
	fn     Subscriber
}

// Bus is the process-local event mesh. Delivery is synchronous: each
// subscriber is invoked in registration order on the publisher's
// goroutine, and Publish returns once every subscriber has returned, so a
// slow subscriber delays the publisher. A subscriber panic is recovered,
// logged, and does not prevent later subscribers from running.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription
	handlers    map[string]Handler
	nextHandle  Handle
	clock       clock.Clock
	logger      logging.Logger
}

// New builds an empty Bus using the real wall clock.
func New(logger logging.Logger) *Bus {
	return NewWithClock(logger, clock.New())
}

// NewWithClock builds an empty Bus using the given clock, so tests can
// control request/response timeouts deterministically.
func NewWithClock(logger logging.Logger, c clock.Clock) *Bus {
	return &Bus{
		subscribers: make(map[string][]subscription),
		handlers:    make(map[string]Handler),
		clock:       c,
		logger:      logger.Named("mesh"),
	}
}

// Subscribe registers fn to receive every publication on topic, in
// registration order relative to other subscribers of the same topic.
func (b *Bus) Subscribe(topic string, fn Subscriber) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextHandle++
	h := b.nextHandle
	b.subscribers[topic] = append(b.subscribers[topic], subscription{handle: h, fn: fn})
	return h
}

// Unsubscribe removes a subscription previously returned by Subscribe.
func (b *Bus) Unsubscribe(topic string, h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[topic]
	for i, s := range subs {
		if s.handle == h {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every subscriber of topic, in registration
// order. A subscriber that panics is logged and does not stop delivery to
// the rest.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers[topic]))
	copy(subs, b.subscribers[topic])
	b.mu.RUnlock()

	for _, s := range subs {
		b.invokeSubscriber(topic, s, payload)
	}
}

func (b *Bus) invokeSubscriber(topic string, s subscription, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("subscriber panicked", "topic", topic, "handle", s.handle, "panic", r)
		}
	}()
	s.fn(payload)
}

// HandleRequest registers the handler for topic's request/response calls.
// The first registration for a topic wins; later registrations are
// ignored, matching the specification's "singular per topic, first
// registered wins" contract.
func (b *Bus) HandleRequest(topic string, fn Handler) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[topic]; exists {
		return 0
	}
	b.nextHandle++
	h := b.nextHandle
	b.handlers[topic] = fn
	return h
}

// RemoveHandler removes the registered handler for topic, if any.
func (b *Bus) RemoveHandler(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
}

// Request calls topic's handler with payload, resolving within timeout. A
// topic with no registered handler resolves immediately with
// StatusNoHandler. The handler runs on its own goroutine so a hung handler
// cannot prevent the timeout from firing. Timeout is measured on the bus's
// clock (real wall time in production, fake time in tests).
func (b *Bus) Request(ctx context.Context, topic string, payload interface{}, timeout time.Duration) Response {
	b.mu.RLock()
	handler, ok := b.handlers[topic]
	b.mu.RUnlock()
	if !ok {
		return Response{Status: StatusNoHandler}
	}

	type result struct {
		value interface{}
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: errors.Errorf("handler panicked: %v", r)}
			}
		}()
		v, err := handler(ctx, payload)
		resultCh <- result{value: v, err: err}
	}()

	timer := b.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return Response{Status: StatusHandlerError, Err: res.err}
		}
		return Response{Status: StatusOK, Value: res.value}
	case <-timer.C:
		return Response{Status: StatusTimeout, Err: errors.Errorf("request to %q timed out after %s", topic, timeout)}
	case <-ctx.Done():
		return Response{Status: StatusTimeout, Err: ctx.Err()}
	}
}
