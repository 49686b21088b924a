package coord

import (
	"sync"

	"github.com/mistakeknot/arbiter/internal/core"
)

// Observer receives coordination events. Delivery is synchronous and
// fire-and-forget: a slow observer delays the publisher but nothing is
// buffered or dropped, and there is no back-pressure signal.
type Observer func(core.Event)

// Bus fans coordination events out to registered observers.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	observers map[int]Observer
}

func NewBus() *Bus {
	return &Bus{observers: make(map[int]Observer)}
}

// Subscribe registers an observer and returns an unsubscribe func.
func (b *Bus) Subscribe(fn Observer) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.observers[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}
}

// Publish delivers ev to every observer registered at call time.
func (b *Bus) Publish(ev core.Event) {
	b.mu.RLock()
	observers := make([]Observer, 0, len(b.observers))
	for _, fn := range b.observers {
		observers = append(observers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range observers {
		fn(ev)
	}
}
