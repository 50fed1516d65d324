// Package executor runs units of ingestion work behind a submit / poll /
// fetch interface so the scheduler does not care where the work happens.
//
// Backends:
//
//   - Serial runs each task inside Submit.
//   - Pool runs tasks on a bounded set of goroutines.
//   - natsq (subpackage) hands tasks to remote workers over NATS JetStream.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownHandle is returned for handles the executor never issued
	// or has already released.
	ErrUnknownHandle = errors.New("executor: unknown handle")

	// ErrNotReady is returned by Result for a handle that is still running.
	ErrNotReady = errors.New("executor: result not ready")

	// ErrCanceled is the outcome of a handle canceled before it finished.
	ErrCanceled = errors.New("executor: task canceled")
)

// Handle identifies one submitted task.
type Handle string

// Executor runs tasks of type T producing results of type R.
//
// Submit must not block on the task itself. Ready partitions handles into
// completed, failed and pending without blocking. Result returns the task's
// value, or the error the task failed with.
type Executor[T, R any] interface {
	Submit(ctx context.Context, task T) (Handle, error)
	Ready(ctx context.Context, handles []Handle) (completed, failed, pending []Handle, err error)
	Result(ctx context.Context, h Handle) (R, error)
	Results(ctx context.Context, handles []Handle) ([]R, error)
}

// Releaser is implemented by executors that retain outcomes until told to
// drop them.
type Releaser interface {
	Release(handles ...Handle)
}

// Canceler is implemented by executors that can abort a pending task.
type Canceler interface {
	Cancel(ctx context.Context, h Handle) error
}

// Func is the unit of work an in-process executor runs.
type Func[T, R any] func(ctx context.Context, task T) (R, error)

// outcome is the recorded state of one handle.
type outcome[R any] struct {
	done  bool
	value R
	err   error
}

// Table tracks the outcome of every outstanding handle. It is safe for
// concurrent use and is shared by the in-process and queue backends.
type Table[R any] struct {
	mu    sync.Mutex
	table map[Handle]*outcome[R]
}

// NewTable returns an empty Table.
func NewTable[R any]() *Table[R] {
	return &Table[R]{table: make(map[Handle]*outcome[R])}
}

// Track registers h as pending.
func (t *Table[R]) Track(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.table[h] = &outcome[R]{}
}

// Finish records the outcome of h. Only the first outcome counts; unknown
// or released handles are ignored.
func (t *Table[R]) Finish(h Handle, v R, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	oc, ok := t.table[h]
	if !ok || oc.done {
		return false
	}
	oc.done, oc.value, oc.err = true, v, err
	return true
}

// Ready partitions handles by outcome.
func (t *Table[R]) Ready(handles []Handle) (completed, failed, pending []Handle, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range handles {
		oc, ok := t.table[h]
		switch {
		case !ok:
			return nil, nil, nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
		case !oc.done:
			pending = append(pending, h)
		case oc.err != nil:
			failed = append(failed, h)
		default:
			completed = append(completed, h)
		}
	}
	return completed, failed, pending, nil
}

// Result returns the recorded outcome of h.
func (t *Table[R]) Result(h Handle) (R, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero R
	oc, ok := t.table[h]
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if !oc.done {
		return zero, fmt.Errorf("%w: %s", ErrNotReady, h)
	}
	return oc.value, oc.err
}

// Release forgets handles.
func (t *Table[R]) Release(handles ...Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range handles {
		delete(t.table, h)
	}
}

// Len returns the number of tracked handles.
func (t *Table[R]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.table)
}

// CollectResults fetches every handle's result in order, stopping at the
// first error. Backends use it to implement Results.
func CollectResults[R any](ctx context.Context, handles []Handle, fetch func(context.Context, Handle) (R, error)) ([]R, error) {
	out := make([]R, 0, len(handles))
	for _, h := range handles {
		v, err := fetch(ctx, h)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
