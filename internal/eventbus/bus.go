package eventbus

import (
	"sync"
	"time"
)

// Type names a category of event.
type Type string

// Event types published by the poller and the admin surface.
const (
	EventJobSucceeded  Type = "job.succeeded"
	EventJobFailed     Type = "job.failed"
	EventReadingStored Type = "reading.stored"
	EventStorePruned   Type = "store.pruned"
	EventConfigReload  Type = "config.reloaded"
)

// Event is an in-process signal. Data carries a small, JSON-serializable
// payload such as poller.JobEvent or store.Reading.
type Event struct {
	Type Type
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks; a subscriber
// whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	SubscribeTypes(buffer int, types ...Type) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It runs no goroutines of its own; delivery
// happens on the publisher's goroutine.
func New() Bus {
	return &fanout{}
}

type fanout struct {
	mu   sync.Mutex
	subs []*subscriber
}

type subscriber struct {
	ch    chan Event
	types map[Type]struct{} // nil means every type

	mu     sync.Mutex
	closed bool
}

// deliver hands e to the subscriber unless it has unsubscribed or its
// buffer is full. The closed flag is checked under the subscriber's own
// lock so a concurrent unsubscribe never races a send on a closed channel.
func (s *subscriber) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.types != nil {
		if _, ok := s.types[e.Type]; !ok {
			return
		}
	}
	select {
	case s.ch <- e:
	default:
	}
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(e)
	}
}

// Subscribe registers for every event type.
func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	return b.add(buffer, nil)
}

// SubscribeTypes registers for the named types only. With no types it
// behaves like Subscribe.
func (b *fanout) SubscribeTypes(buffer int, types ...Type) (<-chan Event, func()) {
	var set map[Type]struct{}
	if len(types) > 0 {
		set = make(map[Type]struct{}, len(types))
		for _, t := range types {
			set[t] = struct{}{}
		}
	}
	return b.add(buffer, set)
}

func (b *fanout) add(buffer int, types map[Type]struct{}) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), types: types}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, cur := range b.subs {
				if cur == s {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()

			s.mu.Lock()
			s.closed = true
			close(s.ch)
			s.mu.Unlock()
		})
	}
	return s.ch, unsub
}
