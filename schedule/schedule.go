// Package schedule drives an executor with a bounded in-flight queue and
// feeds completed results into an indexing step.
//
// The loop is single-goroutine: it tops up the queue from a lazy task
// sequence, polls the executor, counts failures, and indexes completed
// results in sub-batches of at most Config.IndexBatchSize, one pass each. A
// failed pass puts its sub-batch and every later one back in flight, so
// indexing is at-least-once.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/pithecene-io/cubeingest/executor"
	"github.com/pithecene-io/cubeingest/internal/logging"
)

// Defaults applied by New.
const (
	DefaultQueueSize        = 3200
	DefaultIndexBatchSize   = 50
	DefaultPollInterval     = time.Second
	DefaultStallThreshold   = 300
	DefaultMaxIndexAttempts = 10
	DefaultBackoffInitial   = 500 * time.Millisecond
	DefaultBackoffMax       = 30 * time.Second
)

var (
	// ErrIndexingExhausted is returned when consecutive indexing passes
	// keep failing past Config.MaxIndexAttempts.
	ErrIndexingExhausted = errors.New("schedule: indexing retries exhausted")

	// ErrTaskDeadline is recorded for tasks pending longer than
	// Config.TaskTimeout.
	ErrTaskDeadline = errors.New("schedule: task deadline exceeded")
)

// Indexer records a batch of completed results and returns how many
// datasets were indexed.
type Indexer[R any] interface {
	Index(ctx context.Context, results []R) (int, error)
}

// IndexFunc adapts a function to Indexer.
type IndexFunc[R any] func(ctx context.Context, results []R) (int, error)

func (f IndexFunc[R]) Index(ctx context.Context, results []R) (int, error) {
	return f(ctx, results)
}

// Config tunes the scheduling loop. Zero values select the defaults.
type Config struct {
	// QueueSize bounds the number of submitted, unresolved tasks.
	QueueSize int

	// IndexBatchSize bounds the number of results handed to one Index
	// call. Each call is the unit of atomicity and of retry.
	IndexBatchSize int

	// PollInterval is the sleep between polls that complete nothing.
	PollInterval time.Duration

	// StallThreshold is the number of consecutive empty polls after which
	// a stall warning is logged. Negative disables the warning.
	StallThreshold int

	// TaskTimeout fails tasks pending longer than this. Zero disables it.
	TaskTimeout time.Duration

	// MaxIndexAttempts is the number of consecutive failed indexing passes
	// tolerated before Run aborts. Negative retries forever.
	MaxIndexAttempts int

	// BackoffInitial and BackoffMax bound the wait between failed
	// indexing passes.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	Logger  logrus.FieldLogger
	Metrics *Metrics
}

func (c Config) withDefaults() Config {
	if c.QueueSize < 1 {
		c.QueueSize = DefaultQueueSize
	}
	if c.IndexBatchSize < 1 {
		c.IndexBatchSize = DefaultIndexBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StallThreshold == 0 {
		c.StallThreshold = DefaultStallThreshold
	}
	if c.MaxIndexAttempts == 0 {
		c.MaxIndexAttempts = DefaultMaxIndexAttempts
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = max(DefaultBackoffMax, c.BackoffInitial)
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	return c
}

// Stats are the outcome counts of a run.
type Stats struct {
	// Successes counts datasets indexed.
	Successes int
	// Failures counts tasks that failed, timed out or were rejected on submit.
	Failures int
	// IndexRetries counts failed indexing passes.
	IndexRetries int
}

func (s Stats) String() string {
	return fmt.Sprintf("%d successful, %d failed", s.Successes, s.Failures)
}

// Scheduler runs tasks of type T on an executor producing R.
type Scheduler[T, R any] struct {
	ex  executor.Executor[T, R]
	idx Indexer[R]
	cfg Config
	log logrus.FieldLogger
}

// New returns a scheduler.
func New[T, R any](ex executor.Executor[T, R], idx Indexer[R], cfg Config) *Scheduler[T, R] {
	cfg = cfg.withDefaults()
	return &Scheduler[T, R]{ex: ex, idx: idx, cfg: cfg, log: cfg.Logger}
}

// Config returns the effective configuration.
func (s *Scheduler[T, R]) Config() Config { return s.cfg }

// Run schedules every task from tasks and returns once the sequence is
// exhausted and nothing is left in flight.
//
// An error yielded by tasks is fatal and returned. Task failures are only
// counted. Run returns early with ctx's error on cancellation, and with
// ErrIndexingExhausted when indexing keeps failing.
func (s *Scheduler[T, R]) Run(ctx context.Context, tasks iter.Seq2[T, error]) (Stats, error) {
	next, stop := iter.Pull2(tasks)
	defer stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffInitial
	bo.MaxInterval = s.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	st := &runState{submitted: make(map[executor.Handle]time.Time), backoff: bo}

	exhausted := false
	for {
		if err := ctx.Err(); err != nil {
			return st.stats, err
		}

		// Top up.
		for !exhausted && len(st.inFlight) < s.cfg.QueueSize {
			task, err, ok := next()
			if !ok {
				exhausted = true
				break
			}
			if err != nil {
				return st.stats, fmt.Errorf("schedule: task source: %w", err)
			}
			s.submit(ctx, st, task)
		}
		s.cfg.Metrics.InFlight.Set(float64(len(st.inFlight)))
		if len(st.inFlight) == 0 {
			return st.stats, nil
		}

		completed, failed, pending, err := s.ex.Ready(ctx, st.inFlight)
		if err != nil {
			return st.stats, fmt.Errorf("schedule: poll: %w", err)
		}
		pending = s.expire(ctx, st, pending)
		s.fail(ctx, st, failed)
		st.inFlight = pending

		if len(completed) == 0 {
			st.emptyPolls++
			if s.cfg.StallThreshold > 0 && st.emptyPolls%s.cfg.StallThreshold == 0 {
				s.log.WithFields(logrus.Fields{
					"in_flight":   len(st.inFlight),
					"empty_polls": st.emptyPolls,
				}).Warn("no task has completed recently; executor may be stalled")
			}
			if err := sleep(ctx, s.cfg.PollInterval); err != nil {
				return st.stats, err
			}
			continue
		}
		st.emptyPolls = 0

		if err := s.indexBatches(ctx, st, completed); err != nil {
			if s.cfg.MaxIndexAttempts > 0 && st.indexFailures >= s.cfg.MaxIndexAttempts {
				return st.stats, fmt.Errorf("%w after %d attempts: %w", ErrIndexingExhausted, st.indexFailures, err)
			}
			if err := sleep(ctx, st.backoff.NextBackOff()); err != nil {
				return st.stats, err
			}
		}
	}
}

type runState struct {
	inFlight      []executor.Handle
	submitted     map[executor.Handle]time.Time
	stats         Stats
	emptyPolls    int
	indexFailures int
	backoff       *backoff.ExponentialBackOff
}

func (s *Scheduler[T, R]) submit(ctx context.Context, st *runState, task T) {
	h, err := s.ex.Submit(ctx, task)
	if err != nil {
		st.stats.Failures++
		s.cfg.Metrics.Failed.Inc()
		s.log.WithError(err).Errorf("submitting task %v failed", task)
		return
	}
	s.cfg.Metrics.Submitted.Inc()
	st.inFlight = append(st.inFlight, h)
	st.submitted[h] = time.Now()
}

// expire fails pending handles older than the task timeout and returns the
// rest.
func (s *Scheduler[T, R]) expire(ctx context.Context, st *runState, pending []executor.Handle) []executor.Handle {
	if s.cfg.TaskTimeout <= 0 {
		return pending
	}
	canceler, _ := s.ex.(executor.Canceler)
	now := time.Now()
	kept := pending[:0]
	var expired []executor.Handle
	for _, h := range pending {
		if now.Sub(st.submitted[h]) < s.cfg.TaskTimeout {
			kept = append(kept, h)
			continue
		}
		expired = append(expired, h)
		if canceler != nil {
			if err := canceler.Cancel(ctx, h); err != nil {
				s.log.WithError(err).WithField("handle", h).Warn("cancel failed")
			}
		}
		st.stats.Failures++
		s.cfg.Metrics.Failed.Inc()
		s.log.WithError(ErrTaskDeadline).WithField("handle", h).Error("task timed out")
	}
	s.release(st, expired)
	return kept
}

func (s *Scheduler[T, R]) fail(ctx context.Context, st *runState, failed []executor.Handle) {
	for _, h := range failed {
		_, err := s.ex.Result(ctx, h)
		st.stats.Failures++
		s.cfg.Metrics.Failed.Inc()
		s.log.WithError(err).WithField("handle", h).Error("task failed")
	}
	s.release(st, failed)
}

// indexBatches indexes completed in sub-batches. On the first failure the
// failed sub-batch and all later ones go back in flight and the error is
// returned.
func (s *Scheduler[T, R]) indexBatches(ctx context.Context, st *runState, completed []executor.Handle) error {
	for start := 0; start < len(completed); start += s.cfg.IndexBatchSize {
		batch := completed[start:min(start+s.cfg.IndexBatchSize, len(completed))]
		n, err := s.index(ctx, batch)
		if err != nil {
			st.indexFailures++
			st.stats.IndexRetries++
			s.cfg.Metrics.IndexRetries.Inc()
			st.inFlight = append(st.inFlight, completed[start:]...)
			s.log.WithError(err).WithFields(logrus.Fields{
				"batch":    len(batch),
				"requeued": len(completed) - start,
				"attempt":  st.indexFailures,
			}).Error("indexing failed; results re-queued")
			return err
		}
		st.indexFailures = 0
		st.backoff.Reset()
		st.stats.Successes += n
		s.cfg.Metrics.Indexed.Add(float64(n))
		s.release(st, batch)
	}
	return nil
}

func (s *Scheduler[T, R]) index(ctx context.Context, completed []executor.Handle) (int, error) {
	results, err := s.ex.Results(ctx, completed)
	if err != nil {
		return 0, fmt.Errorf("fetch results: %w", err)
	}
	return s.idx.Index(ctx, results)
}

func (s *Scheduler[T, R]) release(st *runState, handles []executor.Handle) {
	if len(handles) == 0 {
		return
	}
	for _, h := range handles {
		delete(st.submitted, h)
	}
	if r, ok := s.ex.(executor.Releaser); ok {
		r.Release(handles...)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
