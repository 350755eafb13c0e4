package sink

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/optobench/internal/sweep"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind misses points rather than stalling the sweep.
const subscriberBuffer = 64

// Broadcaster fans sweep records out to any number of subscribers. It
// implements sweep.Emitter.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]chan sweep.Record
	closed      bool
}

// NewBroadcaster returns a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[string]chan sweep.Record)}
}

// Subscribe registers a new subscriber. The channel is closed by
// Unsubscribe or Close.
func (b *Broadcaster) Subscribe() (string, <-chan sweep.Record) {
	id := uuid.NewString()
	ch := make(chan sweep.Record, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Emit delivers r to every subscriber without blocking.
func (b *Broadcaster) Emit(r sweep.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- r:
		default:
			// subscriber is full; drop rather than block the sweep
		}
	}
	return nil
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// MultiEmitter sends each record to every emitter in turn and joins their
// errors.
type MultiEmitter []sweep.Emitter

func (m MultiEmitter) Emit(r sweep.Record) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EmitterFunc adapts a function to sweep.Emitter.
type EmitterFunc func(sweep.Record) error

func (f EmitterFunc) Emit(r sweep.Record) error { return f(r) }
