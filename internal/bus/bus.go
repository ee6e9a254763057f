package bus

import (
	"strings"
	"sync"
)

// Bus routes events to handlers registered per event name. Handlers run
// synchronously on the publishing goroutine. Channel subscribers, such as
// the debug /watch stream, additionally receive every event whose name starts
// with their namespace; a subscriber with a full buffer misses the event.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	subs     map[int]*subscription
	next     int
}

type handlerEntry struct {
	id int
	fn Handler
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		subs:     make(map[int]*subscription),
	}
}

// On registers h for events named name and returns a function that removes
// it. Handlers for the same name run in registration order. The returned
// function is safe to call more than once.
func (b *Bus) On(name string, h Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[name] = append(b.handlers[name], handlerEntry{id: id, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.off(name, id) })
	}
}

func (b *Bus) off(name string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[name]
	for i, e := range entries {
		if e.id == id {
			b.handlers[name] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(b.handlers[name]) == 0 {
		delete(b.handlers, name)
	}
}

// HandlerCount returns the number of handlers registered for name.
func (b *Bus) HandlerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

// Publish invokes every handler registered for evt.Name, then delivers evt to
// all channel subscribers whose namespace is a prefix of evt.Name.
// Handlers may register or unregister handlers while being invoked.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	entries := append([]handlerEntry(nil), b.handlers[evt.Name]...)
	b.mu.RUnlock()

	for _, e := range entries {
		e.fn(evt)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Name, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
}

// Subscribe returns a channel receiving events whose name starts with
// namespace, buffered to bufSize, and a function that removes the
// subscription. The channel is never closed.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
