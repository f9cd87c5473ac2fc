package worker

import (
	"sync"

	"github.com/taskmesh/taskmesh/internal/protocol"
)

// stimulusQueue is a thread-safe FIFO queue of events.
//
// The queue is unbounded so async completions (gather results, execute
// results) can always be delivered without blocking their goroutines.
//
// Producers run on arbitrary goroutines; the Worker run loop is the only
// consumer. A buffered signal channel of size 1 coalesces wakeups and
// lets the run loop wait with context awareness.
type stimulusQueue struct {
	mu     sync.Mutex
	events []protocol.Event
	closed bool
	signal chan struct{}
}

func newStimulusQueue() *stimulusQueue {
	return &stimulusQueue{
		events: make([]protocol.Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *stimulusQueue) Enqueue(ev protocol.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, ev)

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (nil, false) if the queue is empty.
func (q *stimulusQueue) TryDequeue() (protocol.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil, false
	}

	ev := q.events[0]

	// Nil out the slot so the dequeued event's payloads become
	// collectable before the backing array is reallocated.
	q.events[0] = nil
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return ev, true
}

// Wait returns a channel that signals when events may be available.
// The channel closes when the queue closes, waking all waiters.
func (q *stimulusQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *stimulusQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued.
func (q *stimulusQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
