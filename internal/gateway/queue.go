package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/memohai/all4one/internal/onebot"
)

// EventQueue is a bounded FIFO of events for one subscriber. When full, Push
// drops the oldest entry instead of blocking.
type EventQueue struct {
	size int
	self *onebot.Self

	mu     sync.Mutex
	items  []onebot.Event
	notify chan struct{}
}

// NewEventQueue creates a queue holding at most size events. A non-nil self
// restricts the queue to that account's events.
func NewEventQueue(size int, self *onebot.Self) *EventQueue {
	if size <= 0 {
		size = 1
	}
	return &EventQueue{size: size, self: self, notify: make(chan struct{})}
}

// Accepts reports whether ev belongs in this queue. Status updates are kept
// when they mention the filtered account.
func (q *EventQueue) Accepts(ev onebot.Event) bool {
	if q.self == nil {
		return true
	}
	if ev.Status != nil {
		for _, b := range ev.Status.Bots {
			if b.Self == *q.self {
				return true
			}
		}
		return false
	}
	return ev.Self == *q.self
}

// Push appends ev and reports whether an older event was dropped to make room.
func (q *EventQueue) Push(ev onebot.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := false
	if len(q.items) >= q.size {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, ev)
	close(q.notify)
	q.notify = make(chan struct{})
	return dropped
}

// Pop removes the oldest event, waiting for one if the queue is empty.
func (q *EventQueue) Pop(ctx context.Context) (onebot.Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, nil
		}
		ch := q.notify
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return onebot.Event{}, ctx.Err()
		case <-ch:
		}
	}
}

// Drain removes up to limit buffered events without waiting. A limit of zero
// or less drains everything.
func (q *EventQueue) Drain(limit int) []onebot.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]onebot.Event, n)
	copy(out, q.items[:n])
	q.items = q.items[n:]
	return out
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Latest implements get_latest_events: buffered events are returned at once,
// otherwise it waits up to timeout for the first one. An expired wait yields
// an empty slice.
func (q *EventQueue) Latest(ctx context.Context, limit int, timeout time.Duration) []onebot.Event {
	if timeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		q.wait(ctx)
	}
	return q.Drain(limit)
}

func (q *EventQueue) wait(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			q.mu.Unlock()
			return
		}
		ch := q.notify
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
	}
}
