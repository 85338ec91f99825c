// Package eventbus fans domain events out to in-process subscribers
package eventbus

import (
	"sync"
	"time"

	logger "github.com/deerfields/molls-sub000/src/production/MQT.Logger"
	metrics "github.com/deerfields/molls-sub000/src/production/MQT.Metrics"
)

// Bus delivers events to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses the event.
type Bus struct {
	log *logger.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

func New(log *logger.Logger) *Bus {
	return &Bus{
		log:  log.WithComponent("eventbus"),
		subs: make(map[uint64]*Subscription),
	}
}

// Subscription receives the events of the kinds it asked for
type Subscription struct {
	id    uint64
	bus   *Bus
	kinds map[Kind]bool
	ch    chan Event
	once  sync.Once
}

// Events is closed on Unsubscribe or Bus.Close
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Unsubscribe is idempotent
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.bus.subs, s.id)
		close(s.ch)
	})
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Subscribe registers a subscriber with a buffer of the given size. No kinds means all kinds.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:    b.nextID,
		bus:   b,
		kinds: make(map[Kind]bool, len(kinds)),
		ch:    make(chan Event, buffer),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	if b.closed {
		sub.closeLocked()
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers payload to every interested subscriber and returns how many received it
func (b *Bus) Publish(payload Payload) int {
	mallID, deviceID := payload.route()
	ev := Event{
		Kind:     payload.Kind(),
		MallID:   mallID,
		DeviceID: deviceID,
		At:       time.Now().UTC(),
		Payload:  payload,
	}
	kind := ev.Kind.String()
	metrics.EventsPublished.WithLabelValues(kind).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			metrics.EventsDropped.WithLabelValues(kind).Inc()
			b.log.WithField("kind", kind).WithField("subscription", sub.id).Debug("subscriber buffer full, event dropped")
		}
	}
	return delivered
}

// Close unsubscribes everyone. Later subscriptions are closed immediately.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.closeLocked()
	}
}
