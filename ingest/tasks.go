package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pithecene-io/cubeingest/catalog"
	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/diff"
	"github.com/pithecene-io/cubeingest/internal/logging"
)

// TaskList stamps cfg with a new task file version and returns the lazy
// sequence of tiles of the source product missing from the output product.
// Tasks needing a fuse function are dropped unless the configuration has
// one; every remaining task carries its sources' full lineage.
func TaskList(ctx context.Context, g diff.Gridder, lineage *catalog.LineageCache, cfg *Config, years *Years, log logrus.FieldLogger) iter.Seq2[cube.Task, error] {
	if log == nil {
		log = logging.Discard()
	}
	cfg.TaskfileVersion = time.Now().Unix()

	q := cfg.Query(years)
	tasks := diff.Pending(ctx, g, cfg.SourceType, cfg.OutputType, cfg.Storage.TimeSliceSize(), q)
	if !cfg.Fuses() {
		tasks = diff.Filter(tasks, diff.SingleObservation, log)
	}

	return func(yield func(cube.Task, error) bool) {
		n := 0
		defer func() { log.WithField("tasks", n).Info("task discovery finished") }()
		for task, err := range tasks {
			if err != nil {
				yield(cube.Task{}, err)
				return
			}
			tile, err := lineage.Resolve(ctx, task.Tile)
			if err != nil {
				yield(cube.Task{}, fmt.Errorf("ingest: resolve lineage of %s: %w", task, err))
				return
			}
			n++
			if !yield(cube.Task{TileIndex: task.TileIndex, Tile: tile}, nil) {
				return
			}
		}
	}
}

// Tasks adapts a task slice to the scheduler's task source.
func Tasks(tasks []cube.Task) iter.Seq2[cube.Task, error] {
	return func(yield func(cube.Task, error) bool) {
		for _, t := range tasks {
			if !yield(t, nil) {
				return
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Task files
// -----------------------------------------------------------------------------

// SaveTasks writes cfg followed by every task as zstd-compressed JSON lines
// and returns the number of tasks written. A task-source error aborts the
// save.
func SaveTasks(w io.Writer, cfg *Config, tasks iter.Seq2[cube.Task, error]) (n int, err error) {
	zw, err := cube.NewZstdCompressor().Compress(w)
	if err != nil {
		return 0, fmt.Errorf("ingest: save tasks: %w", err)
	}
	defer func() {
		if cerr := zw.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("ingest: save tasks: %w", cerr)
		}
	}()

	enc := cube.NewJSONLWriter(zw)
	if err := enc.Write(cfg); err != nil {
		return 0, fmt.Errorf("ingest: save tasks: %w", err)
	}
	for task, err := range tasks {
		if err != nil {
			return n, err
		}
		if err := enc.Write(task); err != nil {
			return n, fmt.Errorf("ingest: save task %s: %w", task, err)
		}
		n++
	}
	return n, nil
}

// LoadTasks reads a file written by SaveTasks.
func LoadTasks(r io.Reader) (*Config, []cube.Task, error) {
	zr, err := cube.NewZstdCompressor().Decompress(r)
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: load tasks: %w", err)
	}
	defer cube.Close(zr)

	dec := cube.NewJSONLReader(zr)
	var cfg Config
	if err := dec.Next(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, errors.New("ingest: load tasks: empty task file")
		}
		return nil, nil, fmt.Errorf("ingest: load tasks: %w", err)
	}
	var tasks []cube.Task
	for {
		var t cube.Task
		err := dec.Next(&t)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("ingest: load task %d: %w", len(tasks), err)
		}
		tasks = append(tasks, t)
	}
	return &cfg, tasks, nil
}
