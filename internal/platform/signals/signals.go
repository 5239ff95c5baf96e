// Package signals provides a minimal in-process signal bus. The core emits
// named application-level signals (e.g. session termination) and UI/navigation
// layers subscribe to them without importing the emitting packages.
package signals

import (
	"sync"
	"time"
)

// SessionTerminated is emitted exactly once per termination sequence by the
// session guard. Its Reason field carries the termination reason code.
const SessionTerminated = "session.terminated"

// Signal is a named application-level event.
type Signal struct {
	Name   string
	Reason string
	At     time.Time
}

// Handler receives emitted signals. Handlers run synchronously on the
// emitting goroutine and must not block.
type Handler func(Signal)

// Bus fans emitted signals out to subscribed handlers. Thread-safe.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty signal bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for the given signal name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Emit delivers the signal to every handler subscribed to its name. Emitting
// a signal nobody listens to is not an error.
func (b *Bus) Emit(sig Signal) {
	if sig.At.IsZero() {
		sig.At = time.Now()
	}
	b.mu.RLock()
	hs := make([]Handler, len(b.handlers[sig.Name]))
	copy(hs, b.handlers[sig.Name])
	b.mu.RUnlock()

	for _, h := range hs {
		h(sig)
	}
}
