package bus

import (
	"strings"
	"sync"
)

// Bus is the in-process publish/subscribe fan-out between the session worker
// and UI-facing consumers. Delivery is per-subscriber buffered and
// non-blocking: a slow consumer drops events rather than stalling the worker,
// which is the redispatch boundary between chat logic and rendering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Subscriber buffer full; drop rather than block the worker.
		}
	}
}

// Subscribe registers a consumer for event kinds starting with prefix.
// The empty prefix matches everything. Returns the delivery channel and an
// unsubscribe function; unsubscribing does not close the channel.
func (b *Bus) Subscribe(prefix string, buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
