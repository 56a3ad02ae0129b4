package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jerryw02/glucobridge/internal/domain"
	"github.com/jerryw02/glucobridge/internal/ports"
)

// EventQueue is a bounded in-memory queue that preserves FIFO ordering.
// Publish never blocks: when full, the oldest lifecycle event is evicted
// first, then the oldest reading.
type EventQueue struct {
	mu      sync.Mutex
	data    []domain.Event
	cap     int
	closed  bool
	notify  chan struct{}
	dropped atomic.Uint64
	onDrop  func(domain.Event)
}

func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventQueue{
		data:   make([]domain.Event, 0, capacity),
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

// OnDrop installs a hook invoked (outside the lock) for every evicted event.
func (q *EventQueue) OnDrop(fn func(domain.Event)) {
	q.mu.Lock()
	q.onDrop = fn
	q.mu.Unlock()
}

func (q *EventQueue) Publish(ev domain.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	var (
		evicted domain.Event
		didDrop bool
	)
	if len(q.data) >= q.cap {
		evicted = q.evictLocked()
		didDrop = true
	}
	q.data = append(q.data, ev)
	hook := q.onDrop
	q.mu.Unlock()

	q.signal()
	if didDrop {
		q.dropped.Add(1)
		if hook != nil {
			hook(evicted)
		}
	}
}

func (q *EventQueue) evictLocked() domain.Event {
	idx := 0
	for i, ev := range q.data {
		if ev.IsLifecycle() {
			idx = i
			break
		}
	}
	ev := q.data[idx]
	q.data = append(q.data[:idx], q.data[idx+1:]...)
	return ev
}

func (q *EventQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the queue is closed and drained,
// or ctx is done.
func (q *EventQueue) Next(ctx context.Context) (domain.Event, error) {
	for {
		q.mu.Lock()
		if len(q.data) > 0 {
			ev := q.data[0]
			q.data[0] = domain.Event{}
			q.data = q.data[1:]
			more := len(q.data) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return ev, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return domain.Event{}, ports.ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return domain.Event{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *EventQueue) DequeueBatch(max int) []domain.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	if max <= 0 || max > len(q.data) {
		max = len(q.data)
	}
	out := make([]domain.Event, max)
	copy(out, q.data[:max])
	q.data = append(q.data[:0], q.data[max:]...)
	return out
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

func (q *EventQueue) Dropped() uint64 { return q.dropped.Load() }

// Close stops accepting events; queued events can still be drained.
func (q *EventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

var _ ports.EventChannel = (*EventQueue)(nil)
