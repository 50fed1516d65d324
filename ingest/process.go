package ingest

import (
	"context"
	"iter"

	"github.com/pithecene-io/cubeingest/catalog"
	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/executor"
	"github.com/pithecene-io/cubeingest/executor/natsq"
	"github.com/pithecene-io/cubeingest/internal/logging"
	"github.com/pithecene-io/cubeingest/schedule"
)

// TaskExecutor runs ingestion tasks.
type TaskExecutor = executor.Executor[cube.Task, catalog.Output]

// NewExecutor builds the executor named by sel around fn. Remote selectors
// connect to the JetStream server at sel.URL() and only queue tasks; fn runs
// in the workers. The returned function releases the executor's resources.
func NewExecutor(ctx context.Context, sel executor.Selector, fn executor.Func[cube.Task, catalog.Output], qcfg natsq.Config) (TaskExecutor, func(), error) {
	switch {
	case sel.Remote():
		js, closeConn, err := natsq.Connect(sel.URL())
		if err != nil {
			return nil, nil, err
		}
		ex, err := natsq.New[cube.Task, catalog.Output](ctx, js, qcfg)
		if err != nil {
			closeConn()
			return nil, nil, err
		}
		return ex, func() {
			_ = ex.Close()
			closeConn()
		}, nil
	case sel.Kind == executor.KindMultiproc:
		p := executor.NewPool(fn, sel.Workers)
		return p, func() { _ = p.Close() }, nil
	default:
		return executor.NewSerial(fn), func() {}, nil
	}
}

// Process schedules tasks on ex and indexes their outputs with idx,
// returning the success and failure counts.
func Process(ctx context.Context, ex TaskExecutor, idx schedule.Indexer[catalog.Output], tasks iter.Seq2[cube.Task, error], cfg schedule.Config) (schedule.Stats, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	logged := func(yield func(cube.Task, error) bool) {
		for task, err := range tasks {
			if err == nil {
				log.WithField("tile_index", task.TileIndex.String()).Info("submitting task")
			}
			if !yield(task, err) {
				return
			}
		}
	}
	return schedule.New(ex, idx, cfg).Run(ctx, logged)
}
