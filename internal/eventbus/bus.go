package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal. Type is a dotted topic ("task.progress",
// "config.reloaded"); Data is a small value the topic owner documents.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Match reports whether e.Type starts with any of prefixes. No prefixes matches everything.
func (e Event) Match(prefixes ...string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(e.Type, p) {
			return true
		}
	}
	return false
}

// Bus fans events out to buffered subscribers. Publish never blocks: a full
// subscriber misses the event and the miss is counted. The scheduler
// publishes while holding its own lock, so this must stay true.
type Bus interface {
	Publish(e Event)
	// Subscribe registers a subscriber receiving events matching any of
	// topics (all events when none are given). The returned func
	// unsubscribes and closes the channel; it is idempotent.
	Subscribe(buffer int, topics ...string) (<-chan Event, func())
	// Dropped is the total of missed deliveries across all subscribers.
	Dropped() uint64
}

const defaultBuffer = 8

type subscriber struct {
	ch     chan Event
	topics []string
	missed atomic.Uint64
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

// New returns an in-memory Bus. It starts no goroutines.
func New() Bus {
	return &memBus{subs: make(map[*subscriber]struct{})}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !e.Match(s.topics...) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.missed.Add(1)
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

func (b *memBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer), topics: append([]string(nil), topics...)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending.
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}
