package engine

import (
	"container/heap"
	"sync"
	"time"

	"github.com/web4ai/orchestrator/pkg/types"
)

// queueItem is one pending task. Tasks waiting out a backoff are
// parked and promoted into the ready heap once due.
type queueItem struct {
	id       string
	priority types.TaskPriority
	seq      uint64
	readyAt  time.Time
	index    int
}

// pendingQueue is the thread-safe priority structure coordinating the
// dispatch workers. Ordering is (priority, arrival sequence); backoff
// parking is handled separately so a delayed retry never blocks the
// queue head.
type pendingQueue struct {
	mu     sync.Mutex
	ready  readyHeap
	parked map[string]*queueItem
	index  map[string]*queueItem
	seq    uint64
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{
		parked: make(map[string]*queueItem),
		index:  make(map[string]*queueItem),
	}
}

// Push enqueues a task id. readyAt in the future parks the item.
func (q *pendingQueue) Push(id string, priority types.TaskPriority, readyAt, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.index[id]; exists {
		return
	}
	q.seq++
	item := &queueItem{id: id, priority: priority, seq: q.seq, readyAt: readyAt}
	q.index[id] = item
	if readyAt.After(now) {
		q.parked[id] = item
		return
	}
	heap.Push(&q.ready, item)
}

// Pop returns the highest-priority ready task id, promoting any parked
// items that have come due. Returns false when nothing is ready.
func (q *pendingQueue) Pop(now time.Time) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteLocked(now)
	for q.ready.Len() > 0 {
		item := heap.Pop(&q.ready).(*queueItem)
		if q.index[item.id] != item {
			continue // removed while queued
		}
		delete(q.index, item.id)
		return item.id, true
	}
	return "", false
}

// Remove drops a task from the queue, wherever it sits.
func (q *pendingQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.index[id]
	if !ok {
		return false
	}
	delete(q.index, id)
	delete(q.parked, id)
	if item.index >= 0 && item.index < q.ready.Len() && q.ready[item.index] == item {
		heap.Remove(&q.ready, item.index)
	}
	return true
}

// Len returns the total queue depth, parked items included.
func (q *pendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

func (q *pendingQueue) promoteLocked(now time.Time) {
	for id, item := range q.parked {
		if !item.readyAt.After(now) {
			delete(q.parked, id)
			heap.Push(&q.ready, item)
		}
	}
}

// readyHeap orders by (priority, seq): urgent first, FIFO within a
// priority class.
type readyHeap []*queueItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
