// Package bus is the in-process event fabric: services publish named events
// (memory.stored, broadcast.sent, bridge.down) and the transport layer
// subscribes one handler per live session to fan them out.
package bus

import (
	"sync"
)

// Event is a server-side event published to subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Handler handles a published event.
type Handler func(Event)

// Publisher abstracts event publish + subscription. Used by the transport
// server and the services to decouple from the concrete Bus.
type Publisher interface {
	Subscribe(id string, handler Handler)
	Unsubscribe(id string)
	Publish(event Event)
}

// Bus is a fan-out event bus. Handlers run on the publisher's goroutine and
// must not block; slow consumers buffer on their own side.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]Handler)}
}

// Subscribe registers a handler under an id, replacing any previous handler
// with the same id.
func (b *Bus) Subscribe(id string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

// Unsubscribe removes a handler.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers the event to every subscriber.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Well-known event names.
const (
	EventMemoryStored  = "memory.stored"
	EventBroadcastSent = "broadcast.sent"
	EventBridgeUp      = "bridge.up"
	EventBridgeDown    = "bridge.down"
	EventDriftAlert    = "drift.alert"
	EventBackupDue     = "backup.due"
)
