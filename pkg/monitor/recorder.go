package monitor

import (
	"sync"

	"github.com/cuemby/heron/pkg/events"
)

// Recorder keeps the most recent events from a broker in a ring buffer
type Recorder struct {
	broker *events.Broker
	sub    events.Subscriber

	mu   sync.RWMutex
	ring []*events.Event
	next int
	full bool

	done chan struct{}
}

// NewRecorder creates a recorder that keeps up to size events
func NewRecorder(broker *events.Broker, size int) *Recorder {
	if size < 1 {
		size = 100
	}
	return &Recorder{
		broker: broker,
		ring:   make([]*events.Event, size),
		done:   make(chan struct{}),
	}
}

// Start subscribes to the broker
func (r *Recorder) Start() {
	if r.broker == nil {
		return
	}
	r.sub = r.broker.Subscribe()
	go func() {
		defer close(r.done)
		for ev := range r.sub {
			r.Add(ev)
		}
	}()
}

// Stop unsubscribes and waits for the reader to drain
func (r *Recorder) Stop() {
	if r.sub == nil {
		return
	}
	r.broker.Unsubscribe(r.sub)
	<-r.done
}

// Add records one event
func (r *Recorder) Add(ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = ev
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (r *Recorder) Recent(limit int) []*events.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.next
	if r.full {
		n = len(r.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*events.Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}
