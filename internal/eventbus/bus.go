package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an asynchronous notification handed to bus subscribers.
// Publishing never blocks; a subscriber whose buffer is full misses the
// event and the bus counts it as dropped.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered receiver. With types given, only
	// events of those types are delivered.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

// Memory is an in-process fanout Bus without background goroutines.
type Memory struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

type subscriber struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *subscriber) wants(typ string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

func New() *Memory {
	return &Memory{subs: map[uint64]*subscriber{}}
}

// Publish holds the read lock while sending so unsubscribe cannot close a
// channel mid-send; sends are non-blocking.
func (b *Memory) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Memory) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Stats reports events published and deliveries dropped on full buffers.
func (b *Memory) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// Subscribers is the current subscriber count.
func (b *Memory) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
