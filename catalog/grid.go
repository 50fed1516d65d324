package catalog

import (
	"context"
	"fmt"
	"slices"

	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/diff"
)

// Grid tiles catalog datasets on a fixed grid. It implements diff.Gridder.
//
// Dataset extents are taken to be in the grid's CRS.
type Grid struct {
	cat  Catalog
	spec cube.GridSpec
}

var _ diff.Gridder = (*Grid)(nil)

// NewGrid returns a gridder over cat using spec.
func NewGrid(cat Catalog, spec cube.GridSpec) (*Grid, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Grid{cat: cat, spec: spec}, nil
}

// Cells groups the product's datasets matching q into tiles. A dataset
// spanning several tiles appears in each. Observations within a cell are
// grouped by center time and ordered by it.
func (g *Grid) Cells(ctx context.Context, product string, q cube.Query) (diff.Cells, error) {
	datasets, err := g.cat.Search(ctx, product, q)
	if err != nil {
		return nil, fmt.Errorf("catalog: grid %s: %w", product, err)
	}

	cells := make(diff.Cells)
	for _, ds := range datasets {
		for _, idx := range g.spec.TileIndexes(ds.Extent) {
			extent := g.spec.TileExtent(idx)
			if !q.MatchExtent(extent) {
				continue
			}
			cell, ok := cells[idx]
			if !ok {
				cell = &cube.Cell{Index: idx, Extent: extent, CRS: g.spec.CRS}
				cells[idx] = cell
			}
			addObservation(cell, ds)
		}
	}
	for _, cell := range cells {
		slices.SortStableFunc(cell.Sources, func(a, b cube.Observation) int {
			return a.Time.Compare(b.Time)
		})
	}
	return cells, nil
}

func addObservation(cell *cube.Cell, ds *cube.Dataset) {
	for i := range cell.Sources {
		if cell.Sources[i].Time.Equal(ds.CenterTime) {
			cell.Sources[i].Datasets = append(cell.Sources[i].Datasets, ds)
			return
		}
	}
	cell.Sources = append(cell.Sources, cube.Observation{Time: ds.CenterTime, Datasets: []*cube.Dataset{ds}})
}
