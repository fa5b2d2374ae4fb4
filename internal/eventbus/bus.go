package eventbus

import (
	"sync"
	"time"
)

// Event is a small in-process signal. Data should stay cheap to copy;
// consumers receive the same value the publisher passed in.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses that event. The bus owns no goroutines.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

func New() Bus { return &bus{} }

// subscription pairs a delivery channel with its own lock so Publish and
// unsubscribe can race safely without ever sending on a closed channel.
type subscription struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscription) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		// buffer full, the subscriber misses this one
	}
}

func (s *subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type bus struct {
	mu   sync.Mutex
	subs []*subscription
}

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	snapshot := append([]*subscription(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range snapshot {
		s.deliver(e)
	}
}

func (b *bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscription{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		for i, cur := range b.subs {
			if cur == s {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		s.shutdown()
	}
	return s.ch, unsub
}
