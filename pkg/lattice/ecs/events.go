package ecs

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// EventKind is the kind of change delivered to subscribers.
type EventKind uint8

const (
	// EventSpawned is delivered when an entity is spawned into an interesting shape.
	EventSpawned EventKind = iota
	// EventDespawned is delivered before an interesting entity's components are dropped.
	EventDespawned
	// EventMovedIn is delivered after an entity moved into an interesting shape.
	EventMovedIn
	// EventMovedOut is delivered before an entity leaves an interesting shape.
	EventMovedOut
	// EventModified is delivered when a component of an interesting entity is written through the
	// world's Set, GetMut or Update.
	EventModified
)

func (k EventKind) String() string {
	switch k {
	case EventSpawned:
		return "spawned"
	case EventDespawned:
		return "despawned"
	case EventMovedIn:
		return "moved_in"
	case EventMovedOut:
		return "moved_out"
	case EventModified:
		return "modified"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event describes a change to one entity.
type Event struct {
	Kind   EventKind
	Entity EntityID
	Key    ComponentKey // Set for EventModified
	Tick   Tick
}

// Subscriber receives events for entities in shapes matching its filter. The set of subscribers is
// closed: use FuncSubscriber or ChanSubscriber.
type Subscriber interface {
	filter() Filter
	deliver(Event) bool
}

type funcSubscriber struct {
	f  Filter
	fn func(Event) bool
}

func (s *funcSubscriber) filter() Filter       { return s.f }
func (s *funcSubscriber) deliver(e Event) bool { return s.fn(e) }

// FuncSubscriber calls fn for every event on entities matching f. Returning false unsubscribes.
// Systems of one batch may write components concurrently, so fn must be safe for concurrent use
// when the world is driven by a parallel schedule.
func FuncSubscriber(f Filter, fn func(Event) bool) Subscriber {
	return &funcSubscriber{f: orAll(f), fn: fn}
}

type chanSubscriber struct {
	f  Filter
	ch chan<- Event
}

func (s *chanSubscriber) filter() Filter { return s.f }

// deliver sends without blocking. A subscriber whose channel is full is dropped, the consumer
// can't keep up and would otherwise stall structural changes.
func (s *chanSubscriber) deliver(e Event) bool {
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

// ChanSubscriber sends every event on entities matching f to ch. The subscription ends when the
// channel is full.
func ChanSubscriber(f Filter, ch chan<- Event) Subscriber {
	return &chanSubscriber{f: orAll(f), ch: ch}
}

// SubscriptionID identifies a subscription.
type SubscriptionID uint64

type subscription struct {
	id    SubscriptionID
	sub   Subscriber
	alive atomic.Bool
}

// eventManager dispatches events synchronously on the goroutine applying the change. Modified
// events can fire from several systems of a batch at once, so the subscriber list is guarded.
// The lock isn't held while delivering, handlers may subscribe and unsubscribe.
type eventManager struct {
	mu     sync.Mutex
	subs   []*subscription
	nextID SubscriptionID
}

// Subscribe registers a subscriber and returns its id.
func (w *World) Subscribe(s Subscriber) SubscriptionID {
	m := &w.events
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	sub := &subscription{id: m.nextID, sub: s}
	sub.alive.Store(true)
	m.subs = append(m.subs, sub)
	return m.nextID
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (w *World) Unsubscribe(id SubscriptionID) {
	m := &w.events
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.id == id {
			s.alive.Store(false)
		}
	}
	m.compact()
}

// SubscriberCount returns the number of live subscriptions.
func (w *World) SubscriberCount() int {
	m := &w.events
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// compact drops dead subscriptions. The caller holds mu.
func (m *eventManager) compact() {
	kept := m.subs[:0]
	for _, s := range m.subs {
		if s.alive.Load() {
			kept = append(kept, s)
		}
	}
	clear(m.subs[len(kept):])
	m.subs = kept
}

// dispatch delivers e to every live subscriber for which interested returns true. Subscribers
// added by a handler only receive later events.
func (m *eventManager) dispatch(e Event, interested func(Filter) bool) {
	m.mu.Lock()
	if len(m.subs) == 0 {
		m.mu.Unlock()
		return
	}
	subs := slices.Clone(m.subs)
	m.mu.Unlock()

	dead := false
	for _, s := range subs {
		if !s.alive.Load() || !interested(s.sub.filter()) {
			continue
		}
		if !s.sub.deliver(e) {
			s.alive.Store(false)
			dead = true
		}
	}
	if dead {
		m.mu.Lock()
		m.compact()
		m.mu.Unlock()
	}
}

func (m *eventManager) spawned(id EntityID, a *archetype) {
	m.dispatch(Event{Kind: EventSpawned, Entity: id}, func(f Filter) bool {
		return f.matchesShape(a)
	})
}

func (m *eventManager) despawned(id EntityID, a *archetype) {
	m.dispatch(Event{Kind: EventDespawned, Entity: id}, func(f Filter) bool {
		return f.matchesShape(a)
	})
}

func (m *eventManager) movedOut(id EntityID, src, dst *archetype) {
	m.dispatch(Event{Kind: EventMovedOut, Entity: id}, func(f Filter) bool {
		return f.matchesShape(src) && !f.matchesShape(dst)
	})
}

func (m *eventManager) movedIn(id EntityID, src, dst *archetype) {
	m.dispatch(Event{Kind: EventMovedIn, Entity: id}, func(f Filter) bool {
		return !f.matchesShape(src) && f.matchesShape(dst)
	})
}

func (m *eventManager) modified(id EntityID, a *archetype, key ComponentKey, tick Tick) {
	m.dispatch(Event{Kind: EventModified, Entity: id, Key: key, Tick: tick}, func(f Filter) bool {
		return f.matchesShape(a)
	})
}
