package errormgr

import (
	"sync"
	"time"

	"github.com/thrasher-corp/msgkernel/message"
)

// DLQReason names why a message ended up in the dead-letter queue.
type DLQReason string

// The reasons the kernel ever quarantines a message.
const (
	ReasonUnroutable       DLQReason = "unroutable"
	ReasonMaxRetries       DLQReason = "maxretries"
	ReasonAuthFailed       DLQReason = "auth_failed"
	ReasonUnknownSubsystem DLQReason = "unknownSubsystem"
	ReasonShutdown         DLQReason = "shutdown"
)

// DLQEntry is one quarantined message.
type DLQEntry struct {
	Message   *message.Message
	Reason    DLQReason
	Timestamp time.Time
}

// DeadLetterQueue is a bounded ring of DLQEntry, oldest evicted first.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	entries  []DLQEntry
	next     int
	full     bool
}

// NewDeadLetterQueue builds a DeadLetterQueue holding at most capacity
// entries.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &DeadLetterQueue{capacity: capacity, entries: make([]DLQEntry, capacity)}
}

// Add deposits msg with reason, timestamped now.
func (q *DeadLetterQueue) Add(msg *message.Message, reason DLQReason) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[q.next] = DLQEntry{Message: msg, Reason: reason, Timestamp: time.Now()}
	q.next = (q.next + 1) % q.capacity
	if q.next == 0 {
		q.full = true
	}
}

// Recent returns up to n entries, newest first. n <= 0 means every entry
// currently held.
func (q *DeadLetterQueue) Recent(n int) []DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ordered []DLQEntry
	if q.full {
		for i := 0; i < q.capacity; i++ {
			idx := (q.next - 1 - i + q.capacity) % q.capacity
			ordered = append(ordered, q.entries[idx])
		}
	} else {
		for i := q.next - 1; i >= 0; i-- {
			ordered = append(ordered, q.entries[i])
		}
	}
	if n > 0 && n < len(ordered) {
		ordered = ordered[:n]
	}
	return ordered
}

// Clear empties the queue.
func (q *DeadLetterQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make([]DLQEntry, q.capacity)
	q.next = 0
	q.full = false
}

// Len reports how many entries are currently held.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return q.capacity
	}
	return q.next
}
