// Package transporttest provides an in-memory stand-in for transport.Conn.
package transporttest

import (
	"encoding/json"
	"sync"

	"github.com/matheus3301/chatsync/internal/transport"
)

// Frame is an emitted event.
type Frame struct {
	Event   string
	Payload any
}

// Fake records emitted frames and dispatches events synchronously to
// registered handlers, in registration order.
type Fake struct {
	mu        sync.Mutex
	connected bool
	emitted   []Frame
	handlers  map[string][]entry
	nextID    transport.HandlerID
}

type entry struct {
	id transport.HandlerID
	fn transport.Handler
}

// New returns a connected fake.
func New() *Fake {
	return &Fake{connected: true, handlers: make(map[string][]entry)}
}

// Emit records the frame. Frames emitted while disconnected are dropped,
// like the real connection does.
func (f *Fake) Emit(event string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.emitted = append(f.emitted, Frame{Event: event, Payload: payload})
	return true
}

func (f *Fake) On(event string, fn transport.Handler) transport.HandlerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.handlers[event] = append(f.handlers[event], entry{id: f.nextID, fn: fn})
	return f.nextID
}

func (f *Fake) Off(event string, id transport.HandlerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.handlers[event]
	for i, e := range entries {
		if e.id == id {
			f.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Connected reports the simulated link state.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Handlers returns the number of handlers registered for event.
func (f *Fake) Handlers(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

// Fire dispatches event to its handlers. payload is JSON-encoded unless it
// is already a json.RawMessage, []byte or string.
func (f *Fake) Fire(event string, payload any) {
	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	case string:
		data = json.RawMessage(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			panic(err)
		}
		data = b
	}

	f.mu.Lock()
	entries := append([]entry(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, e := range entries {
		e.fn(data)
	}
}

// Disconnect simulates a dropped link.
func (f *Fake) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.Fire(transport.EventDisconnect, nil)
}

// Connect simulates a (re)connect and fires the connect event.
func (f *Fake) Connect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.Fire(transport.EventConnect, nil)
}

// Emitted returns a copy of the recorded frames.
func (f *Fake) Emitted() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Frame(nil), f.emitted...)
}

// EmittedEvents returns the recorded frames named event.
func (f *Fake) EmittedEvents(event string) []Frame {
	var out []Frame
	for _, fr := range f.Emitted() {
		if fr.Event == event {
			out = append(out, fr)
		}
	}
	return out
}

// Reset forgets recorded frames.
func (f *Fake) Reset() {
	f.mu.Lock()
	f.emitted = nil
	f.mu.Unlock()
}
