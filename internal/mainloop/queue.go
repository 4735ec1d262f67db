// Package mainloop provides the single-consumer continuation queue that owns
// tile and quadtree state. Background work (network, file I/O, decoding)
// posts its completion here; only the goroutine draining the queue may touch
// the state those completions mutate.
package mainloop

import (
	"context"
	"sync"
)

type Queue struct {
	mu      sync.Mutex
	pending []func()
	ready   chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
	}
}

// Post schedules fn to run on the draining goroutine. It never blocks.
func (q *Queue) Post(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Drain runs every continuation queued so far, including ones posted by the
// continuations themselves, and returns how many ran.
func (q *Queue) Drain() int {
	ran := 0
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		if len(batch) == 0 {
			return ran
		}
		for _, fn := range batch {
			fn()
			ran++
		}
	}
}

// Len returns the number of continuations waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Ready is signalled after Post; a single pending signal may cover several posts.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Run drains the queue until ctx is done. Exactly one goroutine may call Run.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.Drain()
			return
		case <-q.ready:
			q.Drain()
		}
	}
}

// Call runs fn on the draining goroutine and waits for it to finish.
func (q *Queue) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	q.Post(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
