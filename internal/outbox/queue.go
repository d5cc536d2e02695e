package outbox

import (
	"slices"
	"sync"
)

// Envelope is one outbound application message. It is immutable once queued.
type Envelope struct {
	Destination string
	Payload     []byte
	Class       string
	// Done, if set, is called with nil once the envelope is published.
	Done func(error)
}

// Queue is the shared FIFO of envelopes waiting for a ready transport.
// It is unbounded and lives only in memory.
type Queue struct {
	mu    sync.Mutex
	items []Envelope

	drainMu sync.Mutex
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends env to the tail.
func (q *Queue) Enqueue(env Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued envelopes in order.
func (q *Queue) Snapshot() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.items)
}

// Clear discards every queued envelope and returns how many were dropped.
// It waits for a drain pass in progress.
func (q *Queue) Clear() int {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// Drain publishes envelopes from the head in order. The first failure ends
// the pass so nothing overtakes the failed envelope. Published envelopes are
// removed in one batch and reported through their Done callbacks. Concurrent
// calls are serialized.
func (q *Queue) Drain(publish func(Envelope) error) (int, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	pending := q.Snapshot()
	var (
		sent    []int
		lastErr error
	)
	for i, env := range pending {
		if err := publish(env); err != nil {
			lastErr = err
			break
		}
		sent = append(sent, i)
	}
	if len(sent) == 0 {
		return 0, lastErr
	}

	// Only Drain and Clear remove items, both under drainMu, and Enqueue
	// only appends, so the snapshot indices still address the same
	// envelopes. Reverse order keeps the lower indices valid while deleting.
	q.mu.Lock()
	for j := len(sent) - 1; j >= 0; j-- {
		q.items = slices.Delete(q.items, sent[j], sent[j]+1)
	}
	q.mu.Unlock()

	for _, i := range sent {
		if done := pending[i].Done; done != nil {
			done(nil)
		}
	}
	return len(sent), lastErr
}
