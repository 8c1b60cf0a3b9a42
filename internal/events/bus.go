package events

import (
	"sync"
)

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan Notification
	all  []chan Notification
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Notification)}
}

// Subscribe registers a listener for one event type and returns the channel and an
// unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notification, buffer)
	b.subs[e] = append(b.subs[e], ch)
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[e] = remove(b.subs[e], ch)
	}
}

// SubscribeAll registers a listener for every event type.
func (b *Bus) SubscribeAll(buffer int) (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notification, buffer)
	b.all = append(b.all, ch)
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, ch)
	}
}

func remove(subs []chan Notification, ch chan Notification) []chan Notification {
	for i, c := range subs {
		if c == ch {
			close(c)
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Emit fans the notification out to subscribers without blocking; slow subscribers
// miss events.
func (b *Bus) Emit(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[n.Type] {
		select {
		case ch <- n:
		default:
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- n:
		default:
		}
	}
}
