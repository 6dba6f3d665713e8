package realtime

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reservei/backoffice/pkg/idx"
	"github.com/reservei/backoffice/pkg/slogx"
)

// Topic names a stream of server-pushed events.
type Topic string

const (
	TopicNotification    Topic = "notification"
	TopicUserStatus      Topic = "userStatus"
	TopicRealTimeUpdate  Topic = "realTimeUpdate"
	TopicConnectionState Topic = "connectionState"
)

// Envelope is one event as delivered to subscribers. Payload is a
// json.RawMessage for server events and a ConnectionState for
// TopicConnectionState.
type Envelope struct {
	Topic      Topic
	Payload    any
	ReceivedAt time.Time
}

// Handler receives envelopes synchronously on the dispatching goroutine.
type Handler func(Envelope)

// Subscription is a live registration on a Bus.
type Subscription struct {
	ID    idx.ID
	Topic Topic

	handler Handler
	bus     *Bus
	active  atomic.Bool
}

// Unsubscribe removes the registration. It is safe to call more than once
// and from inside a handler; once it returns no further envelopes are
// delivered.
func (s *Subscription) Unsubscribe() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.bus.remove(s)
}

// Bus fans envelopes out to the handlers registered for their topic, in
// registration order.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[Topic][]*Subscription
}

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: slogx.OrDiscard(logger),
		subs:   make(map[Topic][]*Subscription),
	}
}

// Subscribe registers h for topic.
func (b *Bus) Subscribe(topic Topic, h Handler) *Subscription {
	sub := &Subscription{
		ID:      idx.New(),
		Topic:   topic,
		handler: h,
		bus:     b,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub
}

// Count returns the number of live subscriptions on topic.
func (b *Bus) Count(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Publish delivers env to a snapshot of the topic's subscribers. Handlers
// added during delivery see the next envelope only.
func (b *Bus) Publish(env Envelope) {
	b.publishWhile(env, nil)
}

// publishWhile is Publish that stops as soon as live reports false. live is
// checked before every handler.
func (b *Bus) publishWhile(env Envelope, live func() bool) {
	b.mu.RLock()
	snapshot := append([]*Subscription(nil), b.subs[env.Topic]...)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if live != nil && !live() {
			return
		}
		if !sub.active.Load() {
			continue
		}
		b.deliver(sub, env)
	}
}

func (b *Bus) deliver(sub *Subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"topic", env.Topic,
				"subscription", sub.ID.String(),
				"panic", r,
			)
		}
	}()
	sub.handler(env)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.Topic]
	i := slices.Index(list, sub)
	if i < 0 {
		return
	}
	list = slices.Delete(list, i, i+1)
	if len(list) == 0 {
		delete(b.subs, sub.Topic)
		return
	}
	b.subs[sub.Topic] = list
}

// ============================================================================
// Typed helpers
// ============================================================================

// OnNotification subscribes to notification events.
func (b *Bus) OnNotification(fn func(json.RawMessage)) *Subscription {
	return b.Subscribe(TopicNotification, rawHandler(fn))
}

// OnUserStatus subscribes to presence changes of other users.
func (b *Bus) OnUserStatus(fn func(json.RawMessage)) *Subscription {
	return b.Subscribe(TopicUserStatus, rawHandler(fn))
}

// OnRealTimeUpdate subscribes to entity change broadcasts.
func (b *Bus) OnRealTimeUpdate(fn func(json.RawMessage)) *Subscription {
	return b.Subscribe(TopicRealTimeUpdate, rawHandler(fn))
}

// OnConnectionChange subscribes to connection lifecycle events.
func (b *Bus) OnConnectionChange(fn func(ConnectionState)) *Subscription {
	return b.Subscribe(TopicConnectionState, func(env Envelope) {
		if st, ok := env.Payload.(ConnectionState); ok {
			fn(st)
		}
	})
}

func rawHandler(fn func(json.RawMessage)) Handler {
	return func(env Envelope) {
		if raw, ok := env.Payload.(json.RawMessage); ok {
			fn(raw)
		}
	}
}
