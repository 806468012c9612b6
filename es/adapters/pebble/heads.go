package pebble

import (
	"context"
	"sync"
	"time"

	"github.com/valeriob/eventstore/es"
)

const headUpdateMaxAttempts = 5

type headUpdate struct {
	streamID string
	revision int
	attempts int
}

// headTracker applies stream-head updates on a single background worker
// consuming an unbounded in-memory queue. Failed updates are retried;
// Flush and Close drain the queue, so heads converge with the commit log.
type headTracker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []headUpdate
	pending int
	closed  bool

	apply  func(headUpdate) error
	logger es.Logger
	done   chan struct{}
}

func newHeadTracker(apply func(headUpdate) error, logger es.Logger) *headTracker {
	t := &headTracker{
		apply:  apply,
		logger: logger,
		done:   make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	go t.run()
	return t
}

// Enqueue schedules a head update. Safe after Close (the update is dropped).
func (t *headTracker) Enqueue(streamID string, revision int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.queue = append(t.queue, headUpdate{streamID: streamID, revision: revision})
	t.pending++
	t.cond.Broadcast()
}

// Flush blocks until every queued update has been applied.
func (t *headTracker) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.pending > 0 && !t.closed {
		t.cond.Wait()
	}
}

// Close drains the queue and stops the worker.
func (t *headTracker) Close() {
	t.mu.Lock()
	for t.pending > 0 {
		t.cond.Wait()
	}
	if !t.closed {
		t.closed = true
		t.cond.Broadcast()
	}
	t.mu.Unlock()
	<-t.done
}

func (t *headTracker) run() {
	defer close(t.done)
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closed {
			t.cond.Wait()
		}
		if len(t.queue) == 0 && t.closed {
			t.mu.Unlock()
			return
		}
		update := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		err := t.apply(update)

		t.mu.Lock()
		if err != nil {
			update.attempts++
			if update.attempts < headUpdateMaxAttempts {
				t.queue = append(t.queue, update)
				t.mu.Unlock()
				t.logger.Error(context.Background(), "stream head update failed, retrying",
					"stream_id", update.streamID,
					"revision", update.revision,
					"attempt", update.attempts,
					"error", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			// Dropped updates are recovered by the next commit to the
			// stream: heads are derived state.
			t.logger.Error(context.Background(), "stream head update dropped",
				"stream_id", update.streamID,
				"revision", update.revision,
				"error", err)
		}
		t.pending--
		t.cond.Broadcast()
		t.mu.Unlock()
	}
}
