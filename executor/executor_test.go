package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func double(_ context.Context, n int) (int, error) {
	if n < 0 {
		return 0, errBoom
	}
	return n * 2, nil
}

func TestSerial_CompletesInsideSubmit(t *testing.T) {
	ctx := t.Context()
	ex := NewSerial(double)

	ok, err := ex.Submit(ctx, 21)
	if err != nil {
		t.Fatal(err)
	}
	bad, err := ex.Submit(ctx, -1)
	if err != nil {
		t.Fatalf("task error leaked out of Submit: %v", err)
	}

	completed, failed, pending, err := ex.Ready(ctx, []Handle{ok, bad})
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 1 || completed[0] != ok || len(failed) != 1 || failed[0] != bad || len(pending) != 0 {
		t.Fatalf("Ready = %v %v %v", completed, failed, pending)
	}

	if _, err := ex.Result(ctx, bad); !errors.Is(err, errBoom) {
		t.Errorf("Result(failed) = %v, want errBoom", err)
	}
	vals, err := ex.Results(ctx, completed)
	if err != nil || len(vals) != 1 || vals[0] != 42 {
		t.Errorf("Results = %v, %v", vals, err)
	}

	ex.Release(ok, bad)
	if _, _, _, err := ex.Ready(ctx, []Handle{ok}); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Ready after Release = %v, want ErrUnknownHandle", err)
	}
}

func TestSerial_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := NewSerial(double).Submit(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Submit on canceled ctx = %v", err)
	}
}

func waitReady(t *testing.T, ex Executor[int, int], handles []Handle) (completed, failed []Handle) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, f, p, err := ex.Ready(t.Context(), handles)
		if err != nil {
			t.Fatal(err)
		}
		if len(p) == 0 {
			return c, f
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("handles never became ready")
	return nil, nil
}

func TestPool_BoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	fn := func(_ context.Context, n int) (int, error) {
		cur := running.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		<-release
		running.Add(-1)
		return n, nil
	}

	pool := NewPool(fn, 3)
	defer pool.Close()

	var handles []Handle
	for i := range 10 {
		h, err := pool.Submit(t.Context(), i)
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}

	time.Sleep(20 * time.Millisecond)
	if _, _, pending, _ := pool.Ready(t.Context(), handles); len(pending) != 10 {
		t.Errorf("pending = %d before release, want 10", len(pending))
	}
	close(release)

	completed, failed := waitReady(t, pool, handles)
	if len(completed) != 10 || len(failed) != 0 {
		t.Errorf("completed=%d failed=%d", len(completed), len(failed))
	}
	if got := peak.Load(); got > 3 {
		t.Errorf("peak concurrency %d exceeds 3 workers", got)
	}
}

func TestPool_FailuresAndResults(t *testing.T) {
	pool := NewPool(double, 2)
	defer pool.Close()

	var handles []Handle
	for _, n := range []int{1, -1, 3} {
		h, err := pool.Submit(t.Context(), n)
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}
	completed, failed := waitReady(t, pool, handles)
	if len(completed) != 2 || len(failed) != 1 {
		t.Fatalf("completed=%v failed=%v", completed, failed)
	}
	if _, err := pool.Result(t.Context(), failed[0]); !errors.Is(err, errBoom) {
		t.Errorf("Result(failed) = %v", err)
	}
	if _, err := pool.Results(t.Context(), handles); !errors.Is(err, errBoom) {
		t.Errorf("Results over a failed handle = %v, want errBoom", err)
	}
}

func TestPool_Cancel(t *testing.T) {
	started := make(chan struct{})
	fn := func(ctx context.Context, _ int) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	}
	pool := NewPool(fn, 1)

	h, err := pool.Submit(t.Context(), 0)
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if err := pool.Cancel(t.Context(), h); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Result(t.Context(), h); !errors.Is(err, ErrCanceled) {
		t.Errorf("Result after Cancel = %v, want ErrCanceled", err)
	}
	if err := pool.Cancel(t.Context(), h); err != nil {
		t.Errorf("second Cancel = %v", err)
	}
	if err := pool.Cancel(t.Context(), "nope"); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Cancel(unknown) = %v", err)
	}

	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Submit(t.Context(), 1); err == nil {
		t.Error("Submit after Close should fail")
	}
}

func TestParseSelector(t *testing.T) {
	tests := []struct {
		in      string
		want    Selector
		wantErr bool
	}{
		{in: "serial", want: Selector{Kind: KindSerial, Workers: 1}},
		{in: "multiproc:8", want: Selector{Kind: KindMultiproc, Workers: 8}},
		{in: "distributed:sched.local:8786", want: Selector{Kind: KindDistributed, Addr: "sched.local:8786"}},
		{in: "celery:localhost:6379", want: Selector{Kind: KindCelery, Addr: "localhost:6379"}},
		{in: "multiproc", wantErr: true},
		{in: "multiproc:0", wantErr: true},
		{in: "distributed:nohost", wantErr: true},
		{in: "serial:2", wantErr: true},
		{in: "threads:4", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSelector(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseSelector(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("ParseSelector(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
			if got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}

	sel, _ := ParseSelector("celery:localhost:4222")
	if sel.URL() != "nats://localhost:4222" {
		t.Errorf("URL() = %q", sel.URL())
	}
}
