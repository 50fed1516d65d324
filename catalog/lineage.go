package catalog

import (
	"context"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"

	"github.com/pithecene-io/cubeingest/cube"
)

// LineageCache memoizes full-lineage dataset lookups, evicting the least
// recently used entry beyond its size. It is safe for concurrent use.
type LineageCache struct {
	cat Catalog

	mu     sync.Mutex
	cache  *lru.Cache
	hits   int
	misses int
}

// NewLineageCache returns a cache over cat holding at most size datasets.
// A size of zero or less means no limit.
func NewLineageCache(cat Catalog, size int) *LineageCache {
	return &LineageCache{cat: cat, cache: lru.New(max(size, 0))}
}

// Get returns the dataset with its sources resolved.
func (c *LineageCache) Get(ctx context.Context, id uuid.UUID) (*cube.Dataset, error) {
	c.mu.Lock()
	if v, ok := c.cache.Get(id); ok {
		c.hits++
		c.mu.Unlock()
		return v.(*cube.Dataset), nil
	}
	c.misses++
	c.mu.Unlock()

	ds, err := c.cat.Dataset(ctx, id, true)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache.Add(id, ds)
	c.mu.Unlock()
	return ds, nil
}

// Resolve replaces every dataset in the cell with its full-lineage version.
// The cell is copied, not modified.
func (c *LineageCache) Resolve(ctx context.Context, cell *cube.Cell) (*cube.Cell, error) {
	out := &cube.Cell{Index: cell.Index, Extent: cell.Extent, CRS: cell.CRS}
	out.Sources = make([]cube.Observation, len(cell.Sources))
	for i, o := range cell.Sources {
		resolved := make([]*cube.Dataset, len(o.Datasets))
		for j, ds := range o.Datasets {
			full, err := c.Get(ctx, ds.ID)
			if err != nil {
				return nil, err
			}
			resolved[j] = full
		}
		out.Sources[i] = cube.Observation{Time: o.Time, Datasets: resolved}
	}
	return out, nil
}

// Stats returns the hit and miss counts.
func (c *LineageCache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Len returns the number of cached datasets.
func (c *LineageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
