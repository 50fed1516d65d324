package schedule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/pithecene-io/cubeingest/chunkindex"
	"github.com/pithecene-io/cubeingest/chunkindex/chunkindextest"
	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/executor"
)

func ints(n int) iter.Seq2[int, error] {
	return func(yield func(int, error) bool) {
		for i := range n {
			if !yield(i, nil) {
				return
			}
		}
	}
}

func fastConfig() Config {
	return Config{
		QueueSize:      4,
		PollInterval:   time.Millisecond,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}
}

func countIndexer() (Indexer[int], *[]int) {
	var batches []int
	return IndexFunc[int](func(_ context.Context, results []int) (int, error) {
		batches = append(batches, len(results))
		return len(results), nil
	}), &batches
}

// fakeExecutor completes each task after a fixed number of polls and
// records the peak number of outstanding handles.
type fakeExecutor struct {
	mu          sync.Mutex
	delay       int
	failAll     bool
	never       bool
	rejectEvery int
	next        int
	tasks       map[executor.Handle]*fakeTask
	outstanding int
	peak        int
	canceled    []executor.Handle
	submits     int
}

type fakeTask struct {
	n     int
	polls int
}

func newFake() *fakeExecutor {
	return &fakeExecutor{tasks: make(map[executor.Handle]*fakeTask)}
}

func (f *fakeExecutor) Submit(_ context.Context, n int) (executor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.rejectEvery > 0 && f.submits%f.rejectEvery == 0 {
		return "", errors.New("queue full")
	}
	f.next++
	h := executor.Handle(fmt.Sprintf("h%d", f.next))
	f.tasks[h] = &fakeTask{n: n}
	f.outstanding++
	f.peak = max(f.peak, f.outstanding)
	return h, nil
}

func (f *fakeExecutor) Ready(_ context.Context, handles []executor.Handle) (completed, failed, pending []executor.Handle, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range handles {
		task, ok := f.tasks[h]
		if !ok {
			return nil, nil, nil, executor.ErrUnknownHandle
		}
		task.polls++
		switch {
		case f.failAll:
			failed = append(failed, h)
		case f.never || task.polls <= f.delay:
			pending = append(pending, h)
		case task.n < 0:
			failed = append(failed, h)
		default:
			completed = append(completed, h)
		}
	}
	return completed, failed, pending, nil
}

func (f *fakeExecutor) Result(_ context.Context, h executor.Handle) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[h]
	if !ok {
		return 0, executor.ErrUnknownHandle
	}
	if f.failAll || task.n < 0 {
		return 0, fmt.Errorf("task %d exploded", task.n)
	}
	return task.n, nil
}

func (f *fakeExecutor) Results(ctx context.Context, handles []executor.Handle) ([]int, error) {
	return executor.CollectResults(ctx, handles, f.Result)
}

func (f *fakeExecutor) Release(handles ...executor.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range handles {
		if _, ok := f.tasks[h]; ok {
			delete(f.tasks, h)
			f.outstanding--
		}
	}
}

func (f *fakeExecutor) Cancel(_ context.Context, h executor.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, h)
	return nil
}

func TestRun_SerialHappyPath(t *testing.T) {
	ex := executor.NewSerial(func(_ context.Context, n int) (int, error) { return n, nil })
	idx, _ := countIndexer()

	stats, err := New[int, int](ex, idx, fastConfig()).Run(t.Context(), ints(25))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Successes != 25 || stats.Failures != 0 {
		t.Errorf("stats = %+v, want 25 successes", stats)
	}
	if stats.String() != "25 successful, 0 failed" {
		t.Errorf("String() = %q", stats.String())
	}
}

func TestRun_InFlightBound(t *testing.T) {
	for _, queue := range []int{1, 3, 7} {
		t.Run(fmt.Sprint(queue), func(t *testing.T) {
			ex := newFake()
			ex.delay = 2
			idx, _ := countIndexer()
			cfg := fastConfig()
			cfg.QueueSize = queue

			stats, err := New[int, int](ex, idx, cfg).Run(t.Context(), ints(20))
			if err != nil {
				t.Fatal(err)
			}
			if ex.peak > queue {
				t.Errorf("peak in flight %d exceeds queue size %d", ex.peak, queue)
			}
			if stats.Successes+stats.Failures != 20 {
				t.Errorf("stats = %+v, want 20 resolved", stats)
			}
		})
	}
}

func TestRun_AllFailed(t *testing.T) {
	ex := newFake()
	ex.failAll = true
	called := false
	idx := IndexFunc[int](func(context.Context, []int) (int, error) {
		called = true
		return 0, nil
	})

	stats, err := New[int, int](ex, idx, fastConfig()).Run(t.Context(), ints(9))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Successes != 0 || stats.Failures != 9 {
		t.Errorf("stats = %+v, want 0 successes and 9 failures", stats)
	}
	if called {
		t.Error("indexer ran although nothing completed")
	}
	if ex.outstanding != 0 {
		t.Errorf("%d handles never released", ex.outstanding)
	}
}

func TestRun_MixedOutcomes(t *testing.T) {
	ex := newFake()
	ex.rejectEvery = 5
	idx, _ := countIndexer()

	tasks := func(yield func(int, error) bool) {
		for _, n := range []int{1, -1, 2, -2, 3, 4, 5, 6, -3, 7} {
			if !yield(n, nil) {
				return
			}
		}
	}
	stats, err := New[int, int](ex, idx, fastConfig()).Run(t.Context(), tasks)
	if err != nil {
		t.Fatal(err)
	}
	// Submissions 5 and 10 are rejected; -1, -2 and -3 fail.
	if stats.Successes != 5 || stats.Failures != 5 {
		t.Errorf("stats = %+v, want 5/5", stats)
	}
}

// flakyBackend routes the first transaction through a backend that fails on
// its second chunk set insert.
type flakyBackend struct {
	chunkindex.Backend
	failing chunkindex.Backend
	begins  int
}

func (f *flakyBackend) Begin(ctx context.Context) (chunkindex.Tx, error) {
	f.begins++
	if f.begins == 1 {
		return f.failing.Begin(ctx)
	}
	return f.Backend.Begin(ctx)
}

func TestRun_IndexFailureRequeuesWholeBatch(t *testing.T) {
	ctx := t.Context()
	backend := chunkindex.NewObjectBackend(cube.NewMemory())
	flaky := &flakyBackend{
		Backend: backend,
		failing: &chunkindextest.FailingBackend{Backend: backend, FailOnChunkSet: 2},
	}
	ix := chunkindex.New(flaky)
	reader := chunkindex.New(backend)

	datasets := make([]uuid.UUID, 5)
	for i := range datasets {
		datasets[i] = uuid.New()
	}
	ex := executor.NewSerial(func(_ context.Context, i int) (chunkindex.Entry, error) {
		return chunkindextest.Entry(fmt.Sprintf("tile_%d", i), 1, []uuid.UUID{datasets[i]}, "blue"), nil
	})

	var batches []int
	persistedAfterFailure := -1
	idx := IndexFunc[chunkindex.Entry](func(ctx context.Context, entries []chunkindex.Entry) (int, error) {
		batches = append(batches, len(entries))
		if len(batches) == 2 {
			persistedAfterFailure = 0
			for _, ds := range datasets {
				sets, err := reader.Lookup(ctx, ds, "blue")
				if err != nil {
					return 0, err
				}
				persistedAfterFailure += len(sets)
			}
		}
		if _, err := ix.Record(ctx, entries...); err != nil {
			return 0, err
		}
		return len(entries), nil
	})

	cfg := fastConfig()
	cfg.QueueSize = 5
	stats, err := New[int, chunkindex.Entry](ex, idx, cfg).Run(ctx, ints(5))
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 2 || batches[0] != 5 || batches[1] != 5 {
		t.Errorf("batches = %v, want the same 5 results twice", batches)
	}
	if persistedAfterFailure != 0 {
		t.Errorf("%d chunk sets persisted by the failed pass", persistedAfterFailure)
	}
	if stats.Successes != 5 || stats.IndexRetries != 1 {
		t.Errorf("stats = %+v", stats)
	}
	for _, ds := range datasets {
		if sets, _ := reader.Lookup(ctx, ds, "blue"); len(sets) != 1 {
			t.Errorf("dataset %s: %d chunk sets, want 1", ds, len(sets))
		}
	}
}

func TestRun_IndexesInSubBatches(t *testing.T) {
	ex := executor.NewSerial(func(_ context.Context, n int) (int, error) { return n, nil })
	idx, batches := countIndexer()

	cfg := fastConfig()
	cfg.QueueSize = 7
	cfg.IndexBatchSize = 3
	stats, err := New[int, int](ex, idx, cfg).Run(t.Context(), ints(7))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{3, 3, 1}, *batches); diff != "" {
		t.Errorf("batches (-want +got):\n%s", diff)
	}
	if stats.Successes != 7 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRun_SubBatchFailureRequeuesRemainder(t *testing.T) {
	ex := executor.NewSerial(func(_ context.Context, n int) (int, error) { return n, nil })
	var calls int
	var indexed []int
	idx := IndexFunc[int](func(_ context.Context, results []int) (int, error) {
		calls++
		if calls == 2 {
			return 0, errors.New("transaction aborted")
		}
		indexed = append(indexed, results...)
		return len(results), nil
	})

	cfg := fastConfig()
	cfg.QueueSize = 6
	cfg.IndexBatchSize = 2
	stats, err := New[int, int](ex, idx, cfg).Run(t.Context(), ints(6))
	if err != nil {
		t.Fatal(err)
	}
	// The first sub-batch is committed once; the failed one and the one
	// after it are indexed on the next pass.
	slices.Sort(indexed)
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5}, indexed); diff != "" {
		t.Errorf("indexed (-want +got):\n%s", diff)
	}
	if stats.Successes != 6 || stats.IndexRetries != 1 || calls != 4 {
		t.Errorf("stats = %+v after %d calls", stats, calls)
	}
}

func TestRun_StallWarning(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	hook := test.NewLocal(log)

	ex := newFake()
	ex.delay = 4
	idx, _ := countIndexer()
	cfg := fastConfig()
	cfg.QueueSize = 1
	cfg.StallThreshold = 2
	cfg.Logger = log

	stats, err := New[int, int](ex, idx, cfg).Run(t.Context(), ints(2))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Successes != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	// Each task stays pending for four polls. The count restarts after the
	// first task completes.
	var warned []int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = append(warned, e.Data["empty_polls"].(int))
		}
	}
	if diff := cmp.Diff([]int{2, 4, 2, 4}, warned); diff != "" {
		t.Errorf("stall warnings at polls (-want +got):\n%s", diff)
	}
}

func TestRun_IndexingExhausted(t *testing.T) {
	ex := executor.NewSerial(func(_ context.Context, n int) (int, error) { return n, nil })
	broken := errors.New("catalog unavailable")
	idx := IndexFunc[int](func(context.Context, []int) (int, error) { return 0, broken })

	cfg := fastConfig()
	cfg.MaxIndexAttempts = 3
	stats, err := New[int, int](ex, idx, cfg).Run(t.Context(), ints(2))
	if !errors.Is(err, ErrIndexingExhausted) || !errors.Is(err, broken) {
		t.Fatalf("err = %v, want ErrIndexingExhausted wrapping the cause", err)
	}
	if stats.IndexRetries != 3 || stats.Successes != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRun_TaskDeadline(t *testing.T) {
	ex := newFake()
	ex.never = true
	idx, _ := countIndexer()

	cfg := fastConfig()
	cfg.TaskTimeout = 5 * time.Millisecond
	stats, err := New[int, int](ex, idx, cfg).Run(t.Context(), ints(6))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failures != 6 {
		t.Errorf("stats = %+v, want 6 timed-out failures", stats)
	}
	if len(ex.canceled) != 6 {
		t.Errorf("canceled %d handles, want 6", len(ex.canceled))
	}
}

func TestRun_Cancellation(t *testing.T) {
	ex := newFake()
	ex.never = true
	idx, _ := countIndexer()

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := New[int, int](ex, idx, fastConfig()).Run(ctx, ints(3))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRun_SourceErrorIsFatal(t *testing.T) {
	discovery := errors.New("catalog unreachable")
	tasks := func(yield func(int, error) bool) {
		if yield(1, nil) {
			yield(0, discovery)
		}
	}
	ex := executor.NewSerial(func(_ context.Context, n int) (int, error) { return n, nil })
	idx, _ := countIndexer()

	if _, err := New[int, int](ex, idx, fastConfig()).Run(t.Context(), tasks); !errors.Is(err, discovery) {
		t.Errorf("err = %v, want discovery error", err)
	}
}

func TestRun_EmptySource(t *testing.T) {
	idx, batches := countIndexer()
	stats, err := New[int, int](newFake(), idx, fastConfig()).Run(t.Context(), ints(0))
	if err != nil || stats != (Stats{}) || len(*batches) != 0 {
		t.Errorf("Run(empty) = %+v, %v, batches %v", stats, err, *batches)
	}
}

func TestRun_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	ex := newFake()
	ex.delay = 1
	idx, _ := countIndexer()
	cfg := fastConfig()
	cfg.Metrics = m

	tasks := func(yield func(int, error) bool) {
		for _, n := range []int{1, 2, -1} {
			if !yield(n, nil) {
				return
			}
		}
	}
	if _, err := New[int, int](ex, idx, cfg).Run(t.Context(), tasks); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.Submitted); got != 3 {
		t.Errorf("submitted = %v", got)
	}
	if got := testutil.ToFloat64(m.Failed); got != 1 {
		t.Errorf("failed = %v", got)
	}
	if got := testutil.ToFloat64(m.Indexed); got != 2 {
		t.Errorf("indexed = %v", got)
	}
	if got := testutil.ToFloat64(m.InFlight); got != 0 {
		t.Errorf("in flight = %v", got)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n != 5 {
		t.Errorf("registered metrics = %d, %v", n, err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.QueueSize != DefaultQueueSize || cfg.IndexBatchSize != DefaultIndexBatchSize || cfg.PollInterval != time.Second ||
		cfg.MaxIndexAttempts != DefaultMaxIndexAttempts || cfg.BackoffMax != DefaultBackoffMax {
		t.Errorf("defaults = %+v", cfg)
	}
	unbounded := Config{MaxIndexAttempts: -1}.withDefaults()
	if unbounded.MaxIndexAttempts != -1 {
		t.Error("negative MaxIndexAttempts must be kept")
	}
}
