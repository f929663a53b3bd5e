package match

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Completion is the result of a background job, waiting to be dispatched
// on the match loop.
type Completion struct {
	gen uint64
	fn  func()
}

// Worker runs blocking I/O off the match loop. Finished jobs come back as
// Completions that the loop dispatches itself; CancelAll drops every job
// started before it, finished or not.
type Worker struct {
	sem  *semaphore.Weighted
	done chan Completion

	gen    atomic.Uint64
	mu     sync.Mutex
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
}

func NewWorker(parallelism int) *Worker {
	if parallelism <= 0 {
		parallelism = 1
	}
	w := &Worker{
		sem:  semaphore.NewWeighted(int64(parallelism)),
		done: make(chan Completion, 64),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w
}

func (w *Worker) Completions() <-chan Completion { return w.done }

// Go runs job in the background. complete receives its result when the
// loop dispatches the completion.
func Go[T any](w *Worker, job func(context.Context) (T, error), complete func(T, error)) {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	gen := w.gen.Load()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}
		v, err := job(ctx)
		w.sem.Release(1)
		if ctx.Err() != nil {
			return
		}
		select {
		case w.done <- Completion{gen: gen, fn: func() { complete(v, err) }}:
		case <-ctx.Done():
		}
	}()
}

// Dispatch runs c unless it was started before the last CancelAll.
func (w *Worker) Dispatch(c Completion) bool {
	if c.gen != w.gen.Load() {
		return false
	}
	c.fn()
	return true
}

// CancelAll aborts every outstanding job. Their completions are never
// dispatched.
func (w *Worker) CancelAll() {
	w.gen.Add(1)
	w.mu.Lock()
	w.cancel()
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()
}

// Close cancels outstanding jobs and waits for their goroutines.
func (w *Worker) Close() {
	w.CancelAll()
	w.wg.Wait()
}
