// Package pool bounds worker-session concurrency and drives poll-based
// progress tracking for every orchestration run in the process.
package pool

import "sync"

// taskQueue is an unbounded FIFO queue of pending spawns. Safe for
// concurrent use.
type taskQueue struct {
	mu    sync.Mutex
	items []pendingTask
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

// Enqueue appends a task at the tail.
func (q *taskQueue) Enqueue(t pendingTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, t)
}

// Dequeue removes and returns the head. ok is false when empty.
func (q *taskQueue) Dequeue() (pendingTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return pendingTask{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops all queued tasks, returning how many were dropped.
func (q *taskQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
