// Package bus carries the wire types shared across the pipeline and a small
// in-process event broadcaster for the operator feed.
package bus

import "sync"

// Broadcaster is an in-process fan-out of pipeline events.
// Handlers run on the broadcasting goroutine; subscribers that need to block
// (e.g. websocket writers) must hand off to their own goroutine or channel.
type Broadcaster struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewBroadcaster creates an empty event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{handlers: make(map[string]EventHandler)}
}

// Subscribe registers a handler under an id, replacing any previous handler
// with the same id.
func (b *Broadcaster) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	b.handlers[id] = handler
	b.mu.Unlock()
}

// Unsubscribe removes the handler registered under id.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

// Broadcast delivers the event to all current subscribers.
func (b *Broadcaster) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
