// Package eventbus is a small process-wide named-topic publish/subscribe bus.
//
// ConnectOrchestrator and LoxClient are the only two publishers; preferences
// UI, settings persistence glue, and the other out-of-scope collaborators
// named in spec.md §1 are the consumers. No pack library offers a generic
// named-topic bus decoupled from a specific transport (Matrix events, cloud
// pub/sub, a message broker) narrow enough to fit here, so this is built on
// stdlib sync primitives — see DESIGN.md.
package eventbus

import "sync"

// Topic names used across the two subsystems ("Emitted topics").
const (
	TopicStageChange            = "stage-change"
	TopicBootstrapProgress      = "bootstrap-progress"
	TopicBootstrapComplete      = "bootstrap-complete"
	TopicError                  = "error"
	TopicUpdateActiveLoxID      = "update-active-lox-id"
	TopicUpdateBridges          = "update-bridges"
	TopicUpdateEvents           = "update-events"
	TopicUpdateNextUnlock       = "update-next-unlock"
	TopicUpdateRemainingInvites = "update-remaining-invites"
	TopicNewInvite              = "new-invite"
)

// Handler receives a payload published on a topic. The payload's concrete
// type is topic-specific (documented at each Emit call site); handlers type
// assert it themselves.
type Handler func(payload any)

// Bus is a process-wide, in-memory publish/subscribe channel.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*subscription
	nextID   uint64
}

type subscription struct {
	id uint64
	fn Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]*subscription)}
}

// Subscription can be passed to Unsubscribe to stop receiving a topic.
type Subscription struct {
	topic string
	id    uint64
}

// Subscribe registers fn to be called for every Emit on topic. It returns a
// handle that Unsubscribe accepts.
func (b *Bus) Subscribe(topic string, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], &subscription{id: id, fn: fn})
	return Subscription{topic: topic, id: id}
}

// Unsubscribe removes a previously registered subscription. It is a no-op if
// the subscription was already removed.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.handlers[sub.topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Emit synchronously calls every handler currently subscribed to topic, in
// subscription order. Emit must only be called once the state the payload
// describes has already been persisted ("Topic emissions for a
// given state transition happen after the persisted state reflects it").
func (b *Bus) Emit(topic string, payload any) {
	b.mu.RLock()
	// Copy the slice under the lock so a handler that subscribes/unsubscribes
	// doesn't race the iteration below.
	subs := make([]*subscription, len(b.handlers[topic]))
	copy(subs, b.handlers[topic])
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(payload)
	}
}
