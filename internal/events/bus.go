package events

import (
	"sync"
	"time"
)

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan Message
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Message)}
}

// Subscribe registers a listener for an event (or EventAll) and returns the
// channel and an unsubscribe function that closes it.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, buffer)
	b.subs[e] = append(b.subs[e], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[e]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[e] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}
	return ch, unsub
}

// Publish fans the payload out without blocking; slow subscribers drop messages.
// A nil Bus is a no-op.
func (b *Bus) Publish(e Event, payload any) {
	if b == nil {
		return
	}
	msg := Message{Topic: e, At: time.Now().UTC(), Payload: payload}

	topics := []Event{e}
	if e != EventAll {
		topics = append(topics, EventAll)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, topic := range topics {
		for _, ch := range b.subs[topic] {
			select {
			case ch <- msg:
			default:
			}
		}
	}
}
