package events

import (
	"sync"
	"sync/atomic"
)

// Bus fans values out to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full loses its oldest queued value.
type Bus[T any] struct {
	mu      sync.Mutex
	subs    map[uint64]chan T
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

// NewBus returns an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]chan T)}
}

// Subscribe registers a subscriber with the given buffer size (at least 1).
// The returned func unsubscribes and closes the channel; it is safe to call
// more than once. Subscribing to a closed bus yields a closed channel.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers v to every subscriber.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		for {
			select {
			case ch <- v:
			default:
				select {
				case <-ch:
					b.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Dropped counts values discarded because a subscriber fell behind.
func (b *Bus[T]) Dropped() uint64 {
	return b.dropped.Load()
}
