// Package bus provides the in-process event hub connecting the engine to the
// dashboard websocket feed and the operator alert notifier.
package bus

import "sync"

// Event is a broadcast server-side event.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Event names.
const (
	EventActivity = "activity"
	EventShutdown = "shutdown"
)

// EventHandler handles a broadcast event. Handlers must not block.
type EventHandler func(Event)

// Hub fans events out to subscribers. Safe for concurrent use.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]EventHandler
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[string]EventHandler)}
}

// Subscribe registers a handler under id, replacing any previous handler.
func (h *Hub) Subscribe(id string, fn EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[id] = fn
}

// Unsubscribe removes the handler registered under id.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Broadcast delivers the event to every subscriber synchronously.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	handlers := make([]EventHandler, 0, len(h.subs))
	for _, fn := range h.subs {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}
