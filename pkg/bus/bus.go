// Package bus implements the per-session event multicast. Each subscriber
// gets its own bounded queue; a slow subscriber never blocks the publisher.
// When a queue overflows the oldest events are evicted and, if the bus was
// built with a lagged-marker factory, a marker event is delivered so the
// subscriber knows it missed some.
package bus

import "sync"

// DefaultQueueSize is the per-subscriber queue bound used when Subscribe is
// called with a non-positive size.
const DefaultQueueSize = 256

// Bus is a multicast channel for values of type T. The zero value is not
// usable; construct with New.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[int]*sub[T]
	nextID int
	closed bool

	// lagged builds the marker event delivered after drops. Nil disables
	// markers (drops are then silent).
	lagged func(dropped int) T
}

// sub is one subscription: a buffered channel written only under mu. The
// subscription owns no goroutine, so a subscriber that cancels and never
// reads again holds nothing but the garbage-collectable channel.
type sub[T any] struct {
	mu      sync.Mutex
	out     chan T
	dropped int
	closed  bool
}

// New creates a bus. lagged may be nil.
func New[T any](lagged func(dropped int) T) *Bus[T] {
	return &Bus[T]{subs: map[int]*sub[T]{}, lagged: lagged}
}

// Subscribe registers a subscriber with the given queue bound and returns its
// receive channel plus an idempotent unsubscribe func. The channel is closed
// on unsubscribe or bus close; events queued before the close remain
// readable from the channel.
func (b *Bus[T]) Subscribe(queueSize int) (<-chan T, func()) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &sub[T]{out: make(chan T, queueSize)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.close()
		})
	}
	return s.out, cancel
}

// Publish delivers ev to every subscriber without blocking. Order is
// preserved per subscriber.
func (b *Bus[T]) Publish(ev T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*sub[T], 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	lagged := b.lagged
	b.mu.Unlock()

	for _, s := range targets {
		s.push(ev, lagged)
	}
}

// Close shuts the bus down. All subscriber channels close; queued events
// stay readable.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = map[int]*sub[T]{}
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// push enqueues ev. A pending drop count is first turned into a marker so
// the subscriber learns about the gap.
func (s *sub[T]) push(ev T, lagged func(int) T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.dropped > 0 && lagged != nil {
		marker := lagged(s.dropped)
		s.dropped = 0
		s.enqueue(marker)
	}
	s.enqueue(ev)
}

// enqueue inserts into the buffered channel, evicting the oldest queued
// event when full. The caller holds s.mu, so no other writer interleaves;
// a reader draining concurrently only makes room.
func (s *sub[T]) enqueue(ev T) {
	for {
		select {
		case s.out <- ev:
			return
		default:
		}
		select {
		case <-s.out:
			s.dropped++
		default:
		}
	}
}

func (s *sub[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}
