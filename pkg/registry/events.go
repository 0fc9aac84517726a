package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// eventQueue hands Events to subscribers on a single goroutine in push order.
// push never blocks, so lifecycle transitions never wait on observers.
type eventQueue struct {
	deliver func(Event)
	log     *zap.Logger

	mu      sync.Mutex
	pending []Event
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newEventQueue(deliver func(Event), log *zap.Logger) *eventQueue {
	q := &eventQueue{
		deliver: deliver,
		log:     log,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			batch := q.pending
			q.pending = nil
			closed := q.closed
			q.mu.Unlock()

			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
			for _, ev := range batch {
				q.safeDeliver(ev)
			}
		}
	}
}

func (q *eventQueue) safeDeliver(ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			q.log.Error("app event subscriber panicked", zap.String("app", ev.Key), zap.String("panic", fmt.Sprint(rec)))
		}
	}()
	q.deliver(ev)
}

// close stops accepting events and waits up to ctx for queued ones to be
// delivered.
func (q *eventQueue) close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
