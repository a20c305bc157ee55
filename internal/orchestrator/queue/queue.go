// Package queue holds executions waiting for orchestrator capacity,
// ordered by task priority and enqueue time.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrExecutionQueued is returned when the execution is already queued
	ErrExecutionQueued = errors.New("execution already queued")
)

// QueuedExecution is one execution waiting to be dispatched.
type QueuedExecution struct {
	ExecutionID string
	SquadID     string
	Weight      int // higher weight dispatches first
	QueuedAt    time.Time
	Task        *v1.Task
	index       int // heap bookkeeping
}

// executionHeap implements heap.Interface for the priority queue
type executionHeap []*QueuedExecution

func (h executionHeap) Len() int { return len(h) }

func (h executionHeap) Less(i, j int) bool {
	// higher weight first, then FIFO
	if h[i].Weight != h[j].Weight {
		return h[i].Weight > h[j].Weight
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h executionHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *executionHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*QueuedExecution)
	item.index = n
	*h = append(*h, item)
}

func (h *executionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// Queue is the pending-execution priority queue.
type Queue struct {
	mu      sync.RWMutex
	heap    executionHeap
	byID    map[string]*QueuedExecution
	maxSize int
}

// New creates an execution queue. A maxSize of zero means unbounded.
func New(maxSize int) *Queue {
	q := &Queue{
		heap:    make(executionHeap, 0),
		byID:    make(map[string]*QueuedExecution),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds an execution to the queue. The scheduling weight comes from
// the task priority.
func (q *Queue) Enqueue(executionID, squadID string, task *v1.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[executionID]; exists {
		return ErrExecutionQueued
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	qe := &QueuedExecution{
		ExecutionID: executionID,
		SquadID:     squadID,
		Weight:      v1.PriorityWeight(task.Priority),
		QueuedAt:    time.Now(),
		Task:        task,
	}
	heap.Push(&q.heap, qe)
	q.byID[executionID] = qe
	return nil
}

// Dequeue removes and returns the highest priority execution, or nil when
// the queue is empty.
func (q *Queue) Dequeue() *QueuedExecution {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	qe := heap.Pop(&q.heap).(*QueuedExecution)
	delete(q.byID, qe.ExecutionID)
	return qe
}

// Peek returns the highest priority execution without removing it.
func (q *Queue) Peek() *QueuedExecution {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Remove removes a specific execution from the queue.
func (q *Queue) Remove(executionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qe, exists := q.byID[executionID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qe.index)
	delete(q.byID, executionID)
	return true
}

// Reprioritize reweighs a queued execution after a task priority change.
func (q *Queue) Reprioritize(executionID string, priority v1.TaskPriority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qe, exists := q.byID[executionID]
	if !exists {
		return false
	}
	qe.Weight = v1.PriorityWeight(priority)
	heap.Fix(&q.heap, qe.index)
	return true
}

// Contains checks whether an execution is queued.
func (q *Queue) Contains(executionID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	_, exists := q.byID[executionID]
	return exists
}

// Len returns the number of queued executions.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.heap)
}

// IsFull returns true if the queue is at max capacity.
func (q *Queue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}

// List returns all queued executions (for the stats endpoint).
func (q *Queue) List() []*QueuedExecution {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*QueuedExecution, len(q.heap))
	copy(result, q.heap)
	return result
}

// Clear removes all queued executions.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap = make(executionHeap, 0)
	q.byID = make(map[string]*QueuedExecution)
	heap.Init(&q.heap)
}
