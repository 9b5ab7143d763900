// Package queue implements the bounded mailbox every subsystem owns: a
// fixed-capacity FIFO with a configurable overflow policy.
package queue

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/thrasher-corp/msgkernel/message"
)

// DropPolicy controls what BoundedQueue does when Enqueue is called against
// a full queue.
type DropPolicy int

const (
	// RejectNew refuses the incoming message, leaving the queue unchanged.
	// This is the default.
	RejectNew DropPolicy = iota
	// EvictOldest drops the queue's oldest message to make room (the LRU
	// variant).
	EvictOldest
)

// ErrQueueFull is returned by Enqueue under RejectNew when the queue is at
// capacity.
var ErrQueueFull = errors.New("queue: full")

// EnqueueResult reports the outcome of an Enqueue call.
type EnqueueResult struct {
	Accepted bool
	Reason   error
}

// Stats tracks queue admission counters.
type Stats struct {
	QueueFullEvents int64
	EvictedEvents   int64
}

// BoundedQueue is a fixed-capacity FIFO of messages. |items| <= capacity is
// maintained as an invariant at all times; Enqueue/Dequeue are O(1).
type BoundedQueue struct {
	mu       sync.Mutex
	capacity int
	policy   DropPolicy
	items    []*message.Message
	stats    Stats

	// onEvict, when set, is called (outside the lock) for every message
	// dropped by an EvictOldest overflow, so callers can raise a
	// queue_evicted error record per spec.md 4.2.
	onEvict func(*message.Message)
}

// New builds a BoundedQueue with the given capacity and drop policy.
// capacity must be > 0.
func New(capacity int, policy DropPolicy) *BoundedQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &BoundedQueue{
		capacity: capacity,
		policy:   policy,
		items:    make([]*message.Message, 0, capacity),
	}
}

// NewLRU builds a BoundedQueue using the EvictOldest overflow policy — the
// LRU variant from spec.md 4.2, expressed as a constructor rather than a
// distinct type since the two only differ in drop policy.
func NewLRU(capacity int) *BoundedQueue {
	return New(capacity, EvictOldest)
}

// OnEvict registers a callback invoked whenever EvictOldest drops a message
// to make room. Must be called before the queue is used concurrently.
func (q *BoundedQueue) OnEvict(fn func(*message.Message)) {
	q.mu.Lock()
	q.onEvict = fn
	q.mu.Unlock()
}

// Enqueue appends msg to the tail of the queue, applying the configured
// overflow policy if the queue is already at capacity.
func (q *BoundedQueue) Enqueue(msg *message.Message) EnqueueResult {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		if q.policy == RejectNew {
			q.stats.QueueFullEvents++
			q.mu.Unlock()
			return EnqueueResult{Accepted: false, Reason: ErrQueueFull}
		}
		// EvictOldest: drop the head to make room.
		evicted := q.items[0]
		q.items = q.items[1:]
		q.stats.EvictedEvents++
		cb := q.onEvict
		q.mu.Unlock()
		if cb != nil {
			cb(evicted)
		}
		q.mu.Lock()
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	return EnqueueResult{Accepted: true}
}

// Dequeue removes and returns the head message, or nil if the queue is empty.
func (q *BoundedQueue) Dequeue() *message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg
}

// Peek returns the head message without removing it, or nil if empty.
func (q *BoundedQueue) Peek() *message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Size returns the current number of queued messages.
func (q *BoundedQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the queue's fixed capacity.
func (q *BoundedQueue) Capacity() int { return q.capacity }

// Utilization returns size/capacity as a fraction in [0, 1].
func (q *BoundedQueue) Utilization() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(len(q.items)) / float64(q.capacity)
}

// Stats returns a snapshot of the queue's admission counters.
func (q *BoundedQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// DrainAll removes and returns every queued message in FIFO order, leaving
// the queue empty. Used when a subsystem disposes and needs to deposit its
// remaining mailbox contents into the dead-letter queue.
func (q *BoundedQueue) DrainAll() []*message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = make([]*message.Message, 0, q.capacity)
	return out
}
