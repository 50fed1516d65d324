package executor

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Serial runs each task to completion inside Submit. Ready therefore never
// reports a pending handle.
type Serial[T, R any] struct {
	fn    Func[T, R]
	table *Table[R]
	next  atomic.Uint64
}

var (
	_ Executor[int, int] = (*Serial[int, int])(nil)
	_ Releaser           = (*Serial[int, int])(nil)
)

// NewSerial returns an executor that runs fn synchronously.
func NewSerial[T, R any](fn Func[T, R]) *Serial[T, R] {
	return &Serial[T, R]{fn: fn, table: NewTable[R]()}
}

// Submit runs the task. The task's own error is recorded against the
// handle, not returned.
func (s *Serial[T, R]) Submit(ctx context.Context, task T) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := Handle(fmt.Sprintf("serial-%d", s.next.Add(1)))
	s.table.Track(h)
	v, err := s.fn(ctx, task)
	s.table.Finish(h, v, err)
	return h, nil
}

func (s *Serial[T, R]) Ready(_ context.Context, handles []Handle) (completed, failed, pending []Handle, err error) {
	return s.table.Ready(handles)
}

func (s *Serial[T, R]) Result(_ context.Context, h Handle) (R, error) {
	return s.table.Result(h)
}

func (s *Serial[T, R]) Results(ctx context.Context, handles []Handle) ([]R, error) {
	return CollectResults(ctx, handles, s.Result)
}

func (s *Serial[T, R]) Release(handles ...Handle) { s.table.Release(handles...) }
