// Package bus fans messages out between the local contexts of one device:
// WebSocket clients, the terminal console and, through Bridge, sibling
// processes sharing the data directory.
package bus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/petervdpas/reliefmesh/internal/proto"
)

type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

func New() *Bus {
	return &Bus{endpoints: make(map[string]*Endpoint)}
}

// Join attaches a new context to the bus. name is informational; every
// endpoint gets a unique id.
func (b *Bus) Join(name string) *Endpoint {
	e := &Endpoint{
		bus:      b,
		id:       uuid.NewString(),
		name:     name,
		handlers: make(map[int]func(proto.Message)),
	}
	b.mu.Lock()
	b.endpoints[e.id] = e
	b.mu.Unlock()
	return e
}

// Len returns the number of joined endpoints.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.endpoints)
}

func (b *Bus) deliver(from string, m proto.Message) {
	b.mu.RLock()
	targets := make([]*Endpoint, 0, len(b.endpoints))
	for id, e := range b.endpoints {
		if id != from {
			targets = append(targets, e)
		}
	}
	b.mu.RUnlock()

	for _, e := range targets {
		e.dispatch(m)
	}
}

// Endpoint is one context's handle on the bus.
type Endpoint struct {
	bus  *Bus
	id   string
	name string

	mu       sync.Mutex
	handlers map[int]func(proto.Message)
	next     int
	closed   bool
}

func (e *Endpoint) ID() string   { return e.id }
func (e *Endpoint) Name() string { return e.name }

// Broadcast delivers m to every other endpoint. The sender never sees its
// own message. Handlers run on the caller's goroutine and must not block.
func (e *Endpoint) Broadcast(m proto.Message) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	e.bus.deliver(e.id, m)
}

// OnMessage registers a handler and returns a func that removes it.
func (e *Endpoint) OnMessage(h func(proto.Message)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}
	id := e.next
	e.next++
	e.handlers[id] = h
	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

// Close detaches the endpoint and drops all its handlers.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.handlers = map[int]func(proto.Message){}
	e.mu.Unlock()

	e.bus.mu.Lock()
	delete(e.bus.endpoints, e.id)
	e.bus.mu.Unlock()
}

func (e *Endpoint) dispatch(m proto.Message) {
	e.mu.Lock()
	hs := make([]func(proto.Message), 0, len(e.handlers))
	for _, h := range e.handlers {
		hs = append(hs, h)
	}
	e.mu.Unlock()

	for _, h := range hs {
		h(m)
	}
}
