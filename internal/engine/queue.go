package engine

import (
	"sync"
)

// readyQueue is a thread-safe FIFO of scheduler ids with work to do.
//
// An id is queued at most once. An id handed out by TryDequeue stays active
// until Done; enqueueing an active id defers it until Done, so no two
// workers ever process the same entity at once.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in worker loops.
type readyQueue struct {
	mu     sync.Mutex
	ids    []string
	queued map[string]struct{}
	active map[string]struct{}
	again  map[string]struct{}
	signal chan struct{} // Signals id availability (buffered, size 1)
}

// newReadyQueue creates an empty ready queue.
func newReadyQueue() *readyQueue {
	return &readyQueue{
		ids:    make([]string, 0, 64),
		queued: make(map[string]struct{}),
		active: make(map[string]struct{}),
		again:  make(map[string]struct{}),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue marks id as having work.
// Thread-safe: may be called from any goroutine.
func (q *readyQueue) Enqueue(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.active[id]; ok {
		q.again[id] = struct{}{}
		return
	}
	if _, ok := q.queued[id]; ok {
		return
	}
	q.push(id)
}

// push appends id and signals a waiter. Caller holds q.mu.
func (q *readyQueue) push(id string) {
	q.ids = append(q.ids, id)
	q.queued[id] = struct{}{}
	q.notify()
}

// notify signals availability without blocking. Caller holds q.mu.
func (q *readyQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryDequeue hands out the front id and marks it active.
// Returns ("", false) if the queue is empty.
func (q *readyQueue) TryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) == 0 {
		return "", false
	}

	id := q.ids[0]
	q.ids[0] = ""
	if len(q.ids) == 1 {
		q.ids = q.ids[:0]
	} else {
		q.ids = q.ids[1:]
	}
	delete(q.queued, id)
	q.active[id] = struct{}{}

	// The signal buffer holds a single token; pass it on so another
	// waiting worker picks up the remaining ids.
	if len(q.ids) > 0 {
		q.notify()
	}
	return id, true
}

// Done releases an active id. If the id was enqueued while active it is
// queued again.
func (q *readyQueue) Done(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, id)
	if _, ok := q.again[id]; ok {
		delete(q.again, id)
		q.push(id)
	}
}

// Wait returns a channel that signals when ids may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
func (q *readyQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued ids, not counting active ones.
func (q *readyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Idle reports whether nothing is queued or active.
func (q *readyQueue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids) == 0 && len(q.active) == 0
}

// broadcaster wakes every goroutine waiting for a state change.
type broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

// Wait returns a channel closed at the next Broadcast.
// Get the channel before checking the condition being waited for.
func (b *broadcaster) Wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil {
		b.ch = make(chan struct{})
	}
	return b.ch
}

// Broadcast wakes all current waiters.
func (b *broadcaster) Broadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		close(b.ch)
		b.ch = nil
	}
}
