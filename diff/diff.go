// Package diff computes the ingestion work still outstanding for an output
// product: source tiles whose time labels are not yet present in the output,
// split into fixed-size time slices.
package diff

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/internal/logging"
)

// ErrInvalidSliceSize is returned when the time slice size is below one.
var ErrInvalidSliceSize = errors.New("diff: time slice size must be at least 1")

// Cells maps a tile index to its cell.
type Cells map[cube.TileIndex]*cube.Cell

// Gridder groups a product's datasets into tiles of a fixed grid.
type Gridder interface {
	Cells(ctx context.Context, product string, query cube.Query) (Cells, error)
}

type cellTime struct {
	index cube.TileIndex
	t     int64
}

// RemoveDuplicates returns the input cells with every (tile, time) pair that
// is already present in out removed. Cells left without any time label are
// dropped. When out is empty the input is returned unchanged.
func RemoveDuplicates(in, out Cells) Cells {
	if len(out) == 0 {
		return in
	}

	seen := make(map[cellTime]struct{})
	for idx, cell := range out {
		for _, o := range cell.Sources {
			seen[cellTime{idx, o.Time.UnixNano()}] = struct{}{}
		}
	}

	result := make(Cells, len(in))
	for idx, cell := range in {
		pruned := cell.Without(func(t time.Time) bool {
			_, ok := seen[cellTime{idx, t.UnixNano()}]
			return ok
		})
		if pruned.Len() > 0 {
			result[idx] = pruned
		}
	}
	return result
}

// Tasks splits every cell into time slices of at most sliceSize labels and
// yields one task per slice. Cells are visited in tile order.
func Tasks(cells Cells, sliceSize int) iter.Seq[cube.Task] {
	return func(yield func(cube.Task) bool) {
		for _, idx := range sortedIndexes(cells) {
			for _, part := range cells[idx].Split(sliceSize) {
				if !yield(cube.Task{TileIndex: idx, Tile: part}) {
					return
				}
			}
		}
	}
}

func sortedIndexes(cells Cells) []cube.TileIndex {
	return slices.SortedFunc(maps.Keys(cells), cube.TileIndex.Compare)
}

// Pending yields the tasks needed to bring output up to date with source.
// Gridding happens on the first pull; a gridding failure is yielded as the
// sequence's only error.
func Pending(ctx context.Context, g Gridder, source, output string, sliceSize int, q cube.Query) iter.Seq2[cube.Task, error] {
	return func(yield func(cube.Task, error) bool) {
		if sliceSize < 1 {
			yield(cube.Task{}, ErrInvalidSliceSize)
			return
		}
		in, err := g.Cells(ctx, source, q)
		if err != nil {
			yield(cube.Task{}, fmt.Errorf("diff: grid %s: %w", source, err))
			return
		}
		out, err := g.Cells(ctx, output, q)
		if err != nil {
			yield(cube.Task{}, fmt.Errorf("diff: grid %s: %w", output, err))
			return
		}
		for task := range Tasks(RemoveDuplicates(in, out), sliceSize) {
			if !yield(task, nil) {
				return
			}
		}
	}
}

// Filter drops tasks rejected by keep, logging each one. Errors pass through.
func Filter(seq iter.Seq2[cube.Task, error], keep func(cube.Task) bool, log logrus.FieldLogger) iter.Seq2[cube.Task, error] {
	if log == nil {
		log = logging.Discard()
	}
	return func(yield func(cube.Task, error) bool) {
		for task, err := range seq {
			if err == nil && !keep(task) {
				log.WithField("tile_index", task.TileIndex.String()).
					Warnf("skipping task %s: it needs a fuse function", task)
				continue
			}
			if !yield(task, err) {
				return
			}
		}
	}
}

// SingleObservation reports whether every time label in the task has exactly
// one source dataset, so the task can be ingested without fusing.
func SingleObservation(task cube.Task) bool {
	if task.Tile == nil {
		return true
	}
	for _, o := range task.Tile.Sources {
		if len(o.Datasets) > 1 {
			return false
		}
	}
	return true
}
