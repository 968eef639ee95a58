package router

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

// ErrQueueFull is returned by Put when the worker's backlog limit is hit.
var ErrQueueFull = errors.New("task queue is full")

type queueItem struct {
	task     *Task
	priority int
	seq      int64
}

type itemHeap []queueItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(queueItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// taskQueue is a bounded priority queue with a free signal. Lower priority
// values are served first; equal priorities keep FIFO order. The free
// channel is closed while the consumer is blocked on an empty queue, which
// is what the manager's open race listens for.
type taskQueue struct {
	mu      sync.Mutex
	heap    itemHeap
	maxsize int
	seq     int64
	notify  chan struct{}
	free    chan struct{}
	closed  bool
}

func newTaskQueue(maxsize int) *taskQueue {
	return &taskQueue{
		maxsize: maxsize,
		notify:  make(chan struct{}, 1),
		free:    make(chan struct{}),
	}
}

func (q *taskQueue) Put(task *Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("task queue is closed")
	}
	if q.maxsize > 0 && len(q.heap) >= q.maxsize {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.seq++
	heap.Push(&q.heap, queueItem{task: task, priority: task.Priority, seq: q.seq})
	q.resetFreeLocked()
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Get blocks until a task is available or ctx is canceled.
func (q *taskQueue) Get(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.heap) > 0 {
			item := heap.Pop(&q.heap).(queueItem)
			q.resetFreeLocked()
			q.mu.Unlock()
			return item.task, nil
		}
		q.markFreeLocked()
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *taskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// FreeSignal returns a channel that is closed while the consumer is idle
// on an empty queue. Callers must re-fetch it after every wakeup.
func (q *taskQueue) FreeSignal() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.free
}

// Close fails all pending tasks with err and rejects further puts.
func (q *taskQueue) Close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, item := range q.heap {
		item.task.Fail(err)
	}
	q.heap = nil
}

func (q *taskQueue) markFreeLocked() {
	select {
	case <-q.free:
	default:
		close(q.free)
	}
}

func (q *taskQueue) resetFreeLocked() {
	select {
	case <-q.free:
		q.free = make(chan struct{})
	default:
	}
}
