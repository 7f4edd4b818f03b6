package bookmarksync

import (
	"context"
	"sync"
)

type TaskState int

const (
	TaskQueued TaskState = iota
	TaskRunning
	TaskApplied
	TaskSkipped
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskRunning:
		return "running"
	case TaskApplied:
		return "applied"
	case TaskSkipped:
		return "skipped"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s TaskState) terminal() bool {
	return s == TaskApplied || s == TaskSkipped || s == TaskFailed
}

type task struct {
	id   string
	name string
	// run reports whether its result was committed to the store.
	run func(ctx context.Context) (bool, error)
	// barriers only mark a position in the queue and are not counted.
	barrier bool

	mu    sync.Mutex
	state TaskState
	err   error
	done  chan struct{}
}

func (t *task) setState(state TaskState, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.terminal() {
		return
	}
	t.state = state
	t.err = err
	if state.terminal() {
		close(t.done)
	}
}

func (t *task) result() (TaskState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.err
}

func (t *task) wait(ctx context.Context) error {
	select {
	case <-t.done:
		_, err := t.result()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// taskQueue is an unbounded FIFO. Enqueue never blocks, Dequeue waits for
// the next item.
type taskQueue struct {
	mu     sync.Mutex
	items  []*task
	wake   chan struct{}
	closed bool
}

func newTaskQueue() *taskQueue {
	return &taskQueue{wake: make(chan struct{}, 1)}
}

func (q *taskQueue) Enqueue(t *task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, t)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *taskQueue) Dequeue(ctx context.Context) (*task, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, false
		case <-q.wake:
		}
	}
}

func (q *taskQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further tasks and hands back the ones never started.
func (q *taskQueue) Close() []*task {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	return rest
}
