package engine

import (
	"context"
	"sync"
)

// entry is a queued mutation with its submission sequence.
type entry struct {
	seq      uint64
	mutation Mutation
}

// mutationQueue is an unbounded FIFO between Save and the worker.
//
// Enqueue never blocks. Besides the entries themselves the queue tracks how
// many accepted mutations have not been marked Done yet, so Join can wait for
// a full drain.
type mutationQueue struct {
	mu      sync.Mutex
	entries []entry
	nextSeq uint64
	pending int
	closed  bool
	signal  chan struct{} // buffered, size 1
	idle    []chan struct{}
}

func newMutationQueue() *mutationQueue {
	return &mutationQueue{
		entries: make([]entry, 0, 16),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue appends m and returns its sequence number.
// Returns false if the queue is closed.
func (q *mutationQueue) Enqueue(m Mutation) (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, false
	}

	q.nextSeq++
	q.entries = append(q.entries, entry{seq: q.nextSeq, mutation: m})
	q.pending++

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return q.nextSeq, true
}

// TryDequeue removes the front entry without blocking.
// The caller must call Done once the entry has been handled.
func (q *mutationQueue) TryDequeue() (entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return entry{}, false
	}

	e := q.entries[0]
	// Release the item slice held by the slot.
	q.entries[0] = entry{}
	if len(q.entries) == 1 {
		q.entries = q.entries[:0]
	} else {
		q.entries = q.entries[1:]
	}
	return e, true
}

// Done marks one dequeued entry as handled.
func (q *mutationQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.markDoneLocked(1)
}

// Discard drops every entry still waiting and marks them handled.
// Returns the dropped entries.
func (q *mutationQueue) Discard() []entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := make([]entry, len(q.entries))
	copy(dropped, q.entries)
	clear(q.entries)
	q.entries = q.entries[:0]
	q.markDoneLocked(len(dropped))
	return dropped
}

func (q *mutationQueue) markDoneLocked(n int) {
	if n == 0 {
		return
	}
	q.pending -= n
	if q.pending < 0 {
		panic("engine: mutation queue Done called more times than Enqueue")
	}
	if q.pending == 0 {
		for _, ch := range q.idle {
			close(ch)
		}
		q.idle = nil
	}
}

// Join blocks until every accepted entry has been marked Done or ctx ends.
func (q *mutationQueue) Join(ctx context.Context) error {
	q.mu.Lock()
	if q.pending == 0 {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.idle = append(q.idle, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait returns a channel that fires when entries may be available.
// The channel is closed once the queue is closed.
func (q *mutationQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of entries not yet dequeued.
func (q *mutationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pending returns the number of entries not yet marked Done.
func (q *mutationQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Close stops accepting entries and wakes the worker.
func (q *mutationQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close has been called.
func (q *mutationQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
