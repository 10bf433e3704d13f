package attempt

import (
	"context"
	"sync"
	"time"
)

type task func(ctx context.Context)

type queued struct {
	key string
	run task
}

// taskQueue runs tasks one at a time on a single goroutine, in push order.
// Pushed tasks are never dropped. A keyed task replaces the pending task with
// the same key in place, so a burst of writes to one item costs one call.
type taskQueue struct {
	timeout time.Duration

	mu      sync.Mutex
	pending []*queued
	keyed   map[string]*queued
	waiters []chan struct{}
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newTaskQueue(timeout time.Duration) *taskQueue {
	return &taskQueue{
		timeout: timeout,
		keyed:   make(map[string]*queued),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Push appends t. It is ignored after Close.
func (q *taskQueue) Push(t task) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, &queued{run: t})
	q.mu.Unlock()
	q.signal()
}

// PushLatest replaces any pending task for key with t.
func (q *taskQueue) PushLatest(key string, t task) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if p, ok := q.keyed[key]; ok {
		p.run = t
	} else {
		p = &queued{key: key, run: t}
		q.keyed[key] = p
		q.pending = append(q.pending, p)
	}
	q.mu.Unlock()
	q.signal()
}

// Flush blocks until every task pushed before the call has run.
func (q *taskQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		select {
		case <-q.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w := make(chan struct{})
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()
	q.signal()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks. Run drains what is pending, then returns.
func (q *taskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Run executes tasks until the queue is closed and empty.
func (q *taskQueue) Run() {
	defer close(q.done)
	for {
		tasks, waiters, closed := q.take()
		for _, t := range tasks {
			q.exec(t)
		}
		for _, w := range waiters {
			close(w)
		}
		if len(tasks)+len(waiters) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

func (q *taskQueue) take() (tasks []task, waiters []chan struct{}, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.pending {
		tasks = append(tasks, p.run)
		if p.key != "" {
			delete(q.keyed, p.key)
		}
	}
	q.pending = nil
	waiters, q.waiters = q.waiters, nil
	return tasks, waiters, q.closed
}

func (q *taskQueue) exec(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	t(ctx)
}

func (q *taskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
