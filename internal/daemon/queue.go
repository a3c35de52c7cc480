package daemon

import (
	"sync"
	"time"
)

// DefaultQueueSize bounds the background work queue
const DefaultQueueSize = 10000

// Task is a unit of deferred background work
type Task struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"` // selects the registered handler
	Payload    map[string]any `json:"payload,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Queue is a bounded FIFO of background tasks. When full, the oldest task
// is dropped to make room; producers never block.
type Queue struct {
	mu      sync.Mutex
	items   []*Task
	maxSize int
	dropped uint64
}

// NewQueue creates a queue; maxSize <= 0 uses DefaultQueueSize
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultQueueSize
	}
	return &Queue{
		items:   make([]*Task, 0),
		maxSize: maxSize,
	}
}

// Add appends a task, evicting the oldest if over capacity
func (q *Queue) Add(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	q.items = append(q.items, task)

	// Trim if over capacity (remove oldest)
	if excess := len(q.items) - q.maxSize; excess > 0 {
		for i := 0; i < excess; i++ {
			q.items[i] = nil
		}
		q.items = q.items[excess:]
		q.dropped += uint64(excess)
	}
}

// Pop removes and returns up to n tasks, oldest first
func (q *Queue) Pop(n int) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]*Task, n)
	copy(out, q.items[:n])
	for i := 0; i < n; i++ {
		q.items[i] = nil
	}
	q.items = q.items[n:]
	return out
}

// Count returns the number of queued tasks
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many tasks were evicted by overflow
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// ExpireOld removes tasks older than maxAge
func (q *Queue) ExpireOld(now time.Time, maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-maxAge)
	var keep []*Task
	removed := 0

	for _, task := range q.items {
		if task.EnqueuedAt.Before(cutoff) {
			removed++
			continue
		}
		keep = append(keep, task)
	}

	q.items = keep
	return removed
}
