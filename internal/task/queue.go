package task

import (
	"container/heap"
	"sync"
	"time"

	"github.com/brainbox/orchestrator/pkg/orcherrors"
)

// queuedItem is one task's position in the priority heap.
type queuedItem struct {
	taskID   string
	priority int
	queuedAt time.Time
	index    int
}

type itemHeap []*queuedItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].queuedAt.Before(h[j].queuedAt)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	item := x.(*queuedItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// Queue is the PENDING-task priority queue: higher-priority tasks,
// then earlier-queued tasks, are dequeued first.
type Queue struct {
	mu      sync.Mutex
	heap    itemHeap
	byID    map[string]*queuedItem
	tasks   map[string]*Task
}

func NewQueue() *Queue {
	q := &Queue{
		byID:  make(map[string]*queuedItem),
		tasks: make(map[string]*Task),
	}
	heap.Init(&q.heap)
	return q
}

// Push adds a PENDING task to the queue. Returns ValidationError if a task
// with the same ID is already queued.
func (q *Queue) Push(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.byID[t.ID]; exists {
		return orcherrors.NewValidationError("task already queued: "+t.ID, nil)
	}
	item := &queuedItem{taskID: t.ID, priority: t.Priority, queuedAt: time.Now()}
	heap.Push(&q.heap, item)
	q.byID[t.ID] = item
	q.tasks[t.ID] = t
	return nil
}

// Pop removes and returns the highest-priority task, or nil if empty.
func (q *Queue) Pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil
	}
	item := heap.Pop(&q.heap).(*queuedItem)
	delete(q.byID, item.taskID)
	t := q.tasks[item.taskID]
	delete(q.tasks, item.taskID)
	return t
}

// Remove drops a task from the queue (e.g. on cancellation before dispatch).
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, exists := q.byID[taskID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byID, taskID)
	delete(q.tasks, taskID)
	return true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}
