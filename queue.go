package acqengine

import (
	"container/heap"
	"container/list"
	"sync"
)

// FIFOQueue is a goroutine-safe FIFO queue with cooperative shutdown,
// backed by a linked list. Get blocks until an item is available or the
// queue is shut down; after shutdown every waiter (current and future)
// observes ErrQueueShutdown once the remaining items are drained.
//
// TaskDone and Join follow the conventional work-tracking contract: each
// Put adds one unit of outstanding work, each TaskDone retires one, and
// Join blocks until the count reaches zero.
type FIFOQueue[T any] struct {
	mu         sync.Mutex
	notEmpty   *sync.Cond
	allDone    *sync.Cond
	items      *list.List
	unfinished int
	closed     bool
}

// NewFIFOQueue creates an empty FIFO queue.
func NewFIFOQueue[T any]() *FIFOQueue[T] {
	q := &FIFOQueue[T]{items: list.New()}
	q.notEmpty = sync.NewCond(&q.mu)
	q.allDone = sync.NewCond(&q.mu)
	return q
}

// Put enqueues item and wakes one waiter. Returns ErrQueueShutdown if the
// queue has been closed.
func (q *FIFOQueue[T]) Put(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueShutdown
	}
	q.items.PushBack(item)
	q.unfinished++
	q.notEmpty.Signal()
	return nil
}

// Get removes and returns the front item. With block=true it waits until an
// item arrives or the queue is shut down and drained, in which case it
// returns ErrQueueShutdown. With block=false it returns ErrQueueEmpty
// immediately when nothing is queued.
func (q *FIFOQueue[T]) Get(block bool) (T, error) {
	var zero T
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 {
		if q.closed {
			// Wake the next waiter so the shutdown propagates; this stands in
			// for the sentinel forwarding of queue implementations that use a
			// nil marker item.
			q.notEmpty.Signal()
			return zero, ErrQueueShutdown
		}
		if !block {
			return zero, ErrQueueEmpty
		}
		q.notEmpty.Wait()
	}
	front := q.items.Front()
	return q.items.Remove(front).(T), nil
}

// Peek returns the front item without removing it, blocking until one is
// available or the queue is shut down and drained.
func (q *FIFOQueue[T]) Peek() (T, error) {
	var zero T
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 {
		if q.closed {
			q.notEmpty.Signal()
			return zero, ErrQueueShutdown
		}
		q.notEmpty.Wait()
	}
	return q.items.Front().Value.(T), nil
}

// Empty reports whether the queue currently holds no items.
func (q *FIFOQueue[T]) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() == 0
}

// Len returns the number of queued items.
func (q *FIFOQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// TaskDone retires one unit of outstanding work. It panics if called more
// times than Put.
func (q *FIFOQueue[T]) TaskDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished <= 0 {
		panic("TaskDone called too many times")
	}
	q.unfinished--
	if q.unfinished == 0 {
		q.allDone.Broadcast()
	}
}

// Join blocks until every item that was Put has been retired with TaskDone.
func (q *FIFOQueue[T]) Join() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.unfinished > 0 {
		q.allDone.Wait()
	}
}

// Shutdown closes the queue. Subsequent Puts fail with ErrQueueShutdown.
// With immediately=true, pending items are discarded (and their work units
// retired); otherwise waiters drain the remaining items before observing
// shutdown. Shutdown is idempotent and safe to interleave with concurrent
// Put/Get.
func (q *FIFOQueue[T]) Shutdown(immediately bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if immediately {
		for q.items.Len() > 0 {
			q.items.Remove(q.items.Front())
			if q.unfinished > 0 {
				q.unfinished--
			}
		}
		if q.unfinished == 0 {
			q.allDone.Broadcast()
		}
	}
	q.notEmpty.Broadcast()
}

// IsShutdown reports whether the queue has been closed.
func (q *FIFOQueue[T]) IsShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// prioritized is an entry in a PriorityQueue. Ties in priority break FIFO by
// insertion sequence.
type prioritized struct {
	event    Event
	priority int
	seq      uint64
}

type priorityHeap []prioritized

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)        { *h = append(*h, x.(prioritized)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PriorityQueue is a goroutine-safe priority queue of events with the same
// cooperative-shutdown and work-tracking contract as FIFOQueue. Lower
// priority values dequeue sooner; equal priorities dequeue in insertion
// order.
type PriorityQueue struct {
	mu         sync.Mutex
	notEmpty   *sync.Cond
	allDone    *sync.Cond
	heap       priorityHeap
	seq        uint64
	unfinished int
	closed     bool
}

// NewPriorityQueue creates an empty priority queue.
func NewPriorityQueue() *PriorityQueue {
	q := &PriorityQueue{}
	q.notEmpty = sync.NewCond(&q.mu)
	q.allDone = sync.NewCond(&q.mu)
	return q
}

// Put enqueues event at its current priority. Returns ErrQueueShutdown if the
// queue has been closed.
func (q *PriorityQueue) Put(event Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueShutdown
	}
	heap.Push(&q.heap, prioritized{event: event, priority: event.Base().Priority(), seq: q.seq})
	q.seq++
	q.unfinished++
	q.notEmpty.Signal()
	return nil
}

// Get removes and returns the highest-priority event, blocking like
// FIFOQueue.Get.
func (q *PriorityQueue) Get(block bool) (Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.heap.Len() == 0 {
		if q.closed {
			q.notEmpty.Signal()
			return nil, ErrQueueShutdown
		}
		if !block {
			return nil, ErrQueueEmpty
		}
		q.notEmpty.Wait()
	}
	return heap.Pop(&q.heap).(prioritized).event, nil
}

// Empty reports whether the queue currently holds no events.
func (q *PriorityQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len() == 0
}

// Len returns the number of queued events.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// TaskDone retires one unit of outstanding work.
func (q *PriorityQueue) TaskDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished <= 0 {
		panic("TaskDone called too many times")
	}
	q.unfinished--
	if q.unfinished == 0 {
		q.allDone.Broadcast()
	}
}

// Join blocks until every queued event has been retired with TaskDone.
func (q *PriorityQueue) Join() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.unfinished > 0 {
		q.allDone.Wait()
	}
}

// Shutdown closes the queue; see FIFOQueue.Shutdown for the contract.
func (q *PriorityQueue) Shutdown(immediately bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if immediately {
		for q.heap.Len() > 0 {
			heap.Pop(&q.heap)
			if q.unfinished > 0 {
				q.unfinished--
			}
		}
		if q.unfinished == 0 {
			q.allDone.Broadcast()
		}
	}
	q.notEmpty.Broadcast()
}

// IsShutdown reports whether the queue has been closed.
func (q *PriorityQueue) IsShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
