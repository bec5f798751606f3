// Package broker routes inbound envelopes to topic subscribers.
package broker

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mbocsi/devlink/proto"
)

// Handler receives the data of one envelope on a subscribed topic.
type Handler func(data json.RawMessage)

// BatchHandler is used by SubscribeBatch and additionally receives the topic.
type BatchHandler func(topic string, data json.RawMessage)

// Unsubscribe removes a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

type subscription struct {
	topic   string
	handler Handler
}

type listener struct {
	fn func(proto.Envelope)
}

// Router maps topics to ordered subscriber lists and dispatches envelopes to them.
type Router struct {
	mu   sync.RWMutex
	subs map[string][]*subscription // topic -> subscribers in registration order
	all  []*listener
}

func NewRouter() *Router {
	return &Router{
		subs: make(map[string][]*subscription),
	}
}

func (r *Router) Subscribe(topic string, handler Handler) Unsubscribe {
	sub := &subscription{topic: topic, handler: handler}

	r.mu.Lock()
	r.subs[topic] = append(r.subs[topic], sub)
	r.mu.Unlock()
	slog.Debug("Subscribed", "topic", topic)

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(sub) })
	}
}

// SubscribeBatch subscribes handler to every topic and returns one composite Unsubscribe.
func (r *Router) SubscribeBatch(topics []string, handler BatchHandler) Unsubscribe {
	unsubs := make([]Unsubscribe, 0, len(topics))
	for _, topic := range topics {
		unsubs = append(unsubs, r.Subscribe(topic, func(data json.RawMessage) {
			handler(topic, data)
		}))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, unsub := range unsubs {
				unsub()
			}
		})
	}
}

// SubscribeAll registers a listener that sees every valid envelope after topic subscribers.
func (r *Router) SubscribeAll(fn func(proto.Envelope)) Unsubscribe {
	l := &listener{fn: fn}

	r.mu.Lock()
	r.all = append(r.all, l)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, existing := range r.all {
				if existing == l {
					r.all = append(r.all[:i:i], r.all[i+1:]...)
					break
				}
			}
		})
	}
}

// On subscribes a typed handler to the topic bound to T. Envelopes whose data
// does not decode or validate as T are logged and skipped.
func On[T proto.Payload](r *Router, fn func(T)) Unsubscribe {
	var zero T
	topic := zero.Topic()
	return r.Subscribe(topic, func(data json.RawMessage) {
		payload, err := proto.Decode[T](proto.Envelope{Type: topic, Data: data, Timestamp: 1})
		if err != nil {
			slog.Warn("Dropping undecodable payload", "topic", topic, "error", err)
			return
		}
		fn(payload)
	})
}

func (r *Router) remove(sub *subscription) {
	slog.Debug("Unsubscribing", "topic", sub.topic)
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.subs[sub.topic]
	if !ok {
		return
	}
	for i, existing := range subs {
		if existing == sub {
			// copy so an in-progress dispatch keeps its snapshot intact
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.subs, sub.topic)
		return
	}
	r.subs[sub.topic] = subs
}

// Dispatch delivers env to its topic subscribers, then to SubscribeAll listeners.
// Malformed envelopes are logged and dropped. A panicking handler is logged and
// does not prevent delivery to the others.
func (r *Router) Dispatch(env proto.Envelope) {
	if err := env.Validate(); err != nil {
		slog.Warn("Dropping malformed envelope", "type", env.Type, "timestamp", env.Timestamp, "error", err)
		return
	}

	r.mu.RLock()
	subs := r.subs[env.Type]
	all := r.all
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if r.live(sub) && invoke(env.Type, func() { sub.handler(env.Data) }) {
			delivered++
		}
	}
	for _, l := range all {
		invoke(env.Type, func() { l.fn(env) })
	}

	slog.Debug("Envelope dispatched",
		"type", env.Type,
		"service", env.Service,
		"subscribers", delivered,
		"size", len(env.Data),
	)
}

// live reports whether sub is still registered; an earlier handler in the
// same dispatch may have unsubscribed it.
func (r *Router) live(sub *subscription) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, existing := range r.subs[sub.topic] {
		if existing == sub {
			return true
		}
	}
	return false
}

func invoke(topic string, fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Subscriber panicked", "topic", topic, "panic", rec)
			ok = false
		}
	}()
	fn()
	return true
}

// Topics returns the topics that currently have subscribers.
func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.subs))
	for topic := range r.subs {
		topics = append(topics, topic)
	}
	return topics
}

// Subscribers returns the number of handlers registered on topic.
func (r *Router) Subscribers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[topic])
}
