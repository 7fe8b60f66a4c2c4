package event

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel depth used when Subscribe is
// called with a non-positive buffer.
const DefaultBuffer = 256

// Bus fans events out to subscribers without ever blocking the publisher.
// A subscriber that cannot keep up loses events; the loss is counted, not
// silent.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	dropped atomic.Uint64
}

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	id      uint64
	name    string
	ch      chan Event
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber with the given channel depth.
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{id: b.nextID, name: name, ch: make(chan Event, buffer), bus: b}
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers ev to every subscriber, best effort. Full subscriber
// buffers drop the event and bump the drop counters.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Dropped reports the total number of events dropped across subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close terminates all subscriptions. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

// C is the subscriber's receive channel. It is closed on unsubscribe or
// bus close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Name returns the subscriber name given at Subscribe time.
func (s *Subscription) Name() string { return s.name }

// Dropped reports how many events this subscriber lost.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes the receive channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s.id]; ok {
			delete(s.bus.subs, s.id)
			close(s.ch)
		}
	})
}
