// Package eventbus fans structured engine events out to subscribers.
//
// Every state transition in the engine emits exactly one event here; the
// bus is the only side channel between the engine and observers (fault
// monitor feedback, GUI/CLI, logs). Slow subscribers lose events rather
// than stalling the engine.
package eventbus

import (
	"sync"
	"time"
)

// Kind groups events for subscribers that filter.
type Kind string

const (
	KindDeviceState  Kind = "device_state"
	KindSessionState Kind = "session_state"
	KindHealth       Kind = "health"
	KindRouter       Kind = "router"
	KindClock        Kind = "clock"
	KindWarn         Kind = "warn"
)

// Event is one structured observation.
type Event struct {
	Time    time.Time      `json:"time"`
	Kind    Kind           `json:"kind"`
	Device  string         `json:"device,omitempty"`
	Session string         `json:"session,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Bus delivers events to the current snapshot of subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	buffer int

	dropMu  sync.Mutex
	dropped uint64
}

// New creates a bus whose per-subscriber channels hold buffer events.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns a receive channel and a cancel func. The channel is
// closed on cancel; subscribers must not close it themselves.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking; a full
// subscriber channel drops the event for that subscriber only.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropMu.Lock()
			b.dropped++
			b.dropMu.Unlock()
		}
	}
}

// Dropped reports how many deliveries were lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped
}
