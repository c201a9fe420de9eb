// Package queue implements the bounded priority queue that holds tasks
// the router could not place immediately: no live workers, every worker
// overloaded, or the chosen worker busy. Higher priority drains first;
// equal priorities drain in arrival order.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maestrohq/maestro/internal/models"
)

var (
	// ErrFull is returned when the queue is at capacity. Enqueue never
	// blocks or evicts; the caller decides whether to retry.
	ErrFull = errors.New("task queue is full")
	// ErrTimeout is returned when a Dequeue deadline passes with the
	// queue still empty.
	ErrTimeout = errors.New("task queue dequeue timed out")
	// ErrClosed is returned once the queue has shut down.
	ErrClosed = errors.New("task queue is closed")
)

// defaultMaxSize bounds the queue when no size is configured.
const defaultMaxSize = 1000

// Item is one deferred routing request.
type Item struct {
	TaskID      int64
	Description string
	Type        models.StepType
	// Order is the plan step position the item belongs to, 1-based.
	Order    int
	Priority int
	// BoundTo pins the task to a specific worker when the router queued
	// it for a busy best candidate. Empty means any worker.
	BoundTo string
	// Context carries the accumulated step context so a queued step
	// resumes exactly where routing left off.
	Context    string
	Attempt    int
	EnqueuedAt time.Time
}

// entry wraps an Item with heap bookkeeping.
type entry struct {
	item  Item
	seq   uint64
	index int
}

// entryHeap orders by priority descending, then arrival order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is a bounded priority queue safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	entries  entryHeap
	byTask   map[int64]*entry
	maxSize  int
	seq      uint64
	closed   bool

	now func() time.Time
}

// New returns an empty queue. A non-positive maxSize falls back to the
// default capacity.
func New(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	q := &Queue{
		byTask:  make(map[int64]*entry),
		maxSize: maxSize,
		now:     time.Now,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds an item, failing hard at capacity. Re-enqueueing a task
// id already present replaces the older entry so a task never occupies
// two slots.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if old, ok := q.byTask[item.TaskID]; ok {
		heap.Remove(&q.entries, old.index)
		delete(q.byTask, item.TaskID)
	}
	if len(q.entries) >= q.maxSize {
		return ErrFull
	}

	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}
	q.seq++
	e := &entry{item: item, seq: q.seq}
	heap.Push(&q.entries, e)
	q.byTask[item.TaskID] = e

	q.notEmpty.Signal()
	return nil
}

// Dequeue removes and returns the highest-priority item, blocking until
// one arrives, the context is cancelled, or the timeout passes. A zero
// timeout waits on the context alone.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Item, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		})
		defer timer.Stop()
	}

	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return Item{}, ErrClosed
		}
		if len(q.entries) > 0 {
			e := heap.Pop(&q.entries).(*entry)
			delete(q.byTask, e.item.TaskID)
			return e.item, nil
		}
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return Item{}, ErrTimeout
		}
		q.notEmpty.Wait()
	}
}

// Cancel drops a queued task. It reports whether the task was present.
func (q *Queue) Cancel(taskID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byTask[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.entries, e.index)
	delete(q.byTask, taskID)
	return true
}

// Contains reports whether a task is currently queued.
func (q *Queue) Contains(taskID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byTask[taskID]
	return ok
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close shuts the queue down and wakes every blocked Dequeue.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}

// Stats summarizes the queue for the stats endpoint.
type Stats struct {
	Total      int           `json:"total"`
	Capacity   int           `json:"capacity"`
	ByPriority map[int]int   `json:"by_priority"`
	OldestAge  time.Duration `json:"oldest_age"`
}

// Stats returns a snapshot of queue depth and age.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		Total:      len(q.entries),
		Capacity:   q.maxSize,
		ByPriority: make(map[int]int),
	}
	now := q.now()
	for _, e := range q.entries {
		st.ByPriority[e.item.Priority]++
		if age := now.Sub(e.item.EnqueuedAt); age > st.OldestAge {
			st.OldestAge = age
		}
	}
	return st
}
