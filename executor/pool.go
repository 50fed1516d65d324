package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool runs tasks on goroutines, at most Workers at a time. Submit never
// waits for a free slot; queued tasks wait inside their goroutine.
type Pool[T, R any] struct {
	fn      Func[T, R]
	workers int
	sem     *semaphore.Weighted
	table   *Table[R]
	next    atomic.Uint64

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	cancels map[Handle]context.CancelFunc
}

var (
	_ Executor[int, int] = (*Pool[int, int])(nil)
	_ Releaser           = (*Pool[int, int])(nil)
	_ Canceler           = (*Pool[int, int])(nil)
)

// NewPool returns a pool running fn on up to workers goroutines.
// workers below 1 is treated as 1.
func NewPool[T, R any](fn Func[T, R], workers int) *Pool[T, R] {
	workers = max(workers, 1)
	base, stop := context.WithCancel(context.Background())
	return &Pool[T, R]{
		fn:      fn,
		workers: workers,
		sem:     semaphore.NewWeighted(int64(workers)),
		table:   NewTable[R](),
		base:    base,
		stop:    stop,
		cancels: make(map[Handle]context.CancelFunc),
	}
}

// Workers returns the concurrency limit.
func (p *Pool[T, R]) Workers() int { return p.workers }

// Submit starts the task and returns immediately.
func (p *Pool[T, R]) Submit(ctx context.Context, task T) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := p.base.Err(); err != nil {
		return "", fmt.Errorf("executor: pool closed: %w", err)
	}

	h := Handle(fmt.Sprintf("pool-%d", p.next.Add(1)))
	taskCtx, cancel := context.WithCancel(p.base)
	p.table.Track(h)
	p.mu.Lock()
	p.cancels[h] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.forget(h)

		var zero R
		if err := p.sem.Acquire(taskCtx, 1); err != nil {
			p.table.Finish(h, zero, ErrCanceled)
			return
		}
		defer p.sem.Release(1)

		v, err := p.fn(taskCtx, task)
		p.table.Finish(h, v, err)
	}()
	return h, nil
}

func (p *Pool[T, R]) forget(h Handle) {
	p.mu.Lock()
	cancel, ok := p.cancels[h]
	delete(p.cancels, h)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Pool[T, R]) Ready(_ context.Context, handles []Handle) (completed, failed, pending []Handle, err error) {
	return p.table.Ready(handles)
}

func (p *Pool[T, R]) Result(_ context.Context, h Handle) (R, error) {
	return p.table.Result(h)
}

func (p *Pool[T, R]) Results(ctx context.Context, handles []Handle) ([]R, error) {
	return CollectResults(ctx, handles, p.Result)
}

func (p *Pool[T, R]) Release(handles ...Handle) { p.table.Release(handles...) }

// Cancel aborts a running or queued task. The handle fails with
// ErrCanceled immediately; the task's goroutine sees a canceled context.
// Canceling a finished handle is a no-op.
func (p *Pool[T, R]) Cancel(_ context.Context, h Handle) error {
	var zero R
	if p.table.Finish(h, zero, ErrCanceled) {
		p.forget(h)
		return nil
	}
	if _, err := p.table.Result(h); errors.Is(err, ErrUnknownHandle) {
		return err
	}
	return nil
}

// Close cancels outstanding tasks and waits for their goroutines.
func (p *Pool[T, R]) Close() error {
	p.stop()
	p.wg.Wait()
	return nil
}
