// Package convq serializes mutating work per conversation key.
//
// All agent invocations, task executions, and research steps for one
// conversation run strictly in arrival order; different conversations run in
// parallel. A failed unit does not poison the chain.
package convq

import (
	"context"
	"sync"
)

type waiter struct {
	done chan struct{}
}

// Queue maintains one FIFO chain per conversation key. The map entry is
// removed when the finishing unit is still the tail, so idle conversations
// hold no memory.
type Queue struct {
	mu    sync.Mutex
	tails map[string]*waiter
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{tails: make(map[string]*waiter)}
}

// Do runs fn after all previously enqueued work for key has finished.
// It blocks until fn returns; the error is fn's own. Callers that want
// fire-and-forget run Do on a goroutine.
func (q *Queue) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	me := &waiter{done: make(chan struct{})}

	q.mu.Lock()
	prev := q.tails[key]
	q.tails[key] = me
	q.mu.Unlock()

	defer func() {
		close(me.done)
		q.mu.Lock()
		if q.tails[key] == me {
			delete(q.tails, key)
		}
		q.mu.Unlock()
	}()

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			// Keep FIFO order for successors: wait out the predecessor even
			// when our context is gone, then report the cancellation.
			<-prev.done
			return ctx.Err()
		}
	}

	return fn(ctx)
}

// Go enqueues fn asynchronously. Errors are delivered to onErr (may be nil).
func (q *Queue) Go(ctx context.Context, key string, fn func(ctx context.Context) error, onErr func(error)) {
	go func() {
		if err := q.Do(ctx, key, fn); err != nil && onErr != nil {
			onErr(err)
		}
	}()
}

// Busy reports whether work is queued or running for key.
func (q *Queue) Busy(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tails[key]
	return ok
}
