package broker

import (
	"container/heap"
	"sync"
	"time"

	"github.com/c360/cartelemetry/pkg/bundle"
)

// Task is one scheduled unit of work: a payload delivery awaiting script
// execution. Tasks are ordered by priority (ascending, lower is more urgent)
// and FIFO within equal priority.
type Task struct {
	Priority   int
	CreatedAt  time.Time
	Subscriber *Subscriber
	Data       *bundle.Bundle
	LargeData  bool

	// seq is assigned on first enqueue and preserved across re-enqueues so
	// a task's position within its priority band never changes.
	seq uint64
}

// before reports whether t should execute ahead of other.
func (t *Task) before(other *Task) bool {
	if t.Priority != other.Priority {
		return t.Priority < other.Priority
	}
	if !t.CreatedAt.Equal(other.CreatedAt) {
		return t.CreatedAt.Before(other.CreatedAt)
	}
	return t.seq < other.seq
}

// taskHeap implements heap.Interface over *Task.
type taskHeap []*Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// taskQueue is a concurrency-safe priority queue. Producers on publisher
// callback goroutines race with the single scheduling consumer; every
// operation takes the queue lock.
type taskQueue struct {
	mu      sync.Mutex
	tasks   taskHeap
	nextSeq uint64
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

// Add enqueues a task, assigning a sequence number on first enqueue.
func (q *taskQueue) Add(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.seq == 0 {
		q.nextSeq++
		t.seq = q.nextSeq
	}
	heap.Push(&q.tasks, t)
}

// PollEligible atomically dequeues the head task if its priority number is
// within the admission threshold. Returns nil otherwise.
func (q *taskQueue) PollEligible(threshold int) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 || q.tasks[0].Priority > threshold {
		return nil
	}
	return heap.Pop(&q.tasks).(*Task)
}

// RemoveIf removes every queued task matching pred, returning the count.
func (q *taskQueue) RemoveIf(pred func(*Task) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.tasks[:0]
	removed := 0
	for _, t := range q.tasks {
		if pred(t) {
			removed++
		} else {
			kept = append(kept, t)
		}
	}
	if removed > 0 {
		// Trailing slots hold stale pointers after compaction.
		tail := kept[len(kept):cap(kept)]
		for i := range tail {
			tail[i] = nil
		}
		q.tasks = kept
		heap.Init(&q.tasks)
	}
	return removed
}

// CountIf returns the number of queued tasks matching pred.
func (q *taskQueue) CountIf(pred func(*Task) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if pred(t) {
			n++
		}
	}
	return n
}

// Len returns the current queue depth.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
