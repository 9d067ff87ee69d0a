package chat

import (
	"sync"
	"time"
)

// Handler receives a dispatched event. Handlers must treat the event as
// read-only; it is shared by every listener of the dispatch.
type Handler func(e *Event)

type listenerEntry struct {
	id      uint64
	handler Handler
}

// Router is a listener registry keyed by event type. The client owns one
// and every channel owns one.
type Router struct {
	mu        sync.Mutex
	listeners map[EventType][]listenerEntry
	nextID    uint64
}

func newRouter() *Router {
	return &Router{listeners: make(map[EventType][]listenerEntry)}
}

// On registers h for events of type t, or for every event when t is
// AllEvents. The returned function removes the listener and is safe to
// call more than once.
func (r *Router) On(t EventType, h Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[t] = append(r.listeners[t], listenerEntry{id: id, handler: h})
	r.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() { r.off(t, id) })
	}
}

func (r *Router) off(t EventType, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.listeners[t]
	for i, e := range entries {
		if e.id == id {
			r.listeners[t] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}

	if len(r.listeners[t]) == 0 {
		delete(r.listeners, t)
	}
}

// Count reports the listeners registered for t.
func (r *Router) Count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.listeners[t])
}

// dispatch calls the AllEvents listeners and then the listeners for the
// event's type. Listeners run outside the lock so they may register or
// remove listeners.
func (r *Router) dispatch(e *Event) {
	r.mu.Lock()
	all := r.listeners[AllEvents]
	typed := r.listeners[e.Type]
	handlers := make([]Handler, 0, len(all)+len(typed))

	for _, l := range all {
		handlers = append(handlers, l.handler)
	}

	for _, l := range typed {
		handlers = append(handlers, l.handler)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
}

// Recorder receives client telemetry. internal/metrics implements it with
// prometheus collectors.
type Recorder interface {
	EventDispatched(eventType string)
	ReconnectAttempt()
	TransportFallback()
	ConnectionHealthy(healthy bool)
	QueryObserved(op string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) EventDispatched(string)              {}
func (nopRecorder) ReconnectAttempt()                   {}
func (nopRecorder) TransportFallback()                  {}
func (nopRecorder) ConnectionHealthy(bool)              {}
func (nopRecorder) QueryObserved(string, time.Duration) {}
