// Package catalog holds product definitions and dataset records.
//
// The base Catalog stores JSON documents in a cube.Store. IndexingCatalog
// wraps any Catalog and additionally records the physical chunk layout of
// freshly ingested datasets in a chunk index.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pithecene-io/cubeingest/cube"
)

// SourcesPolicy controls how AddDataset treats a dataset's lineage.
type SourcesPolicy string

const (
	// Verify requires every source dataset to be indexed already.
	Verify SourcesPolicy = "verify"
	// Skip records source ids without checking them.
	Skip SourcesPolicy = "skip"
)

// ParseSourcesPolicy validates a policy name.
func ParseSourcesPolicy(s string) (SourcesPolicy, error) {
	switch p := SourcesPolicy(s); p {
	case Verify, Skip:
		return p, nil
	}
	return "", fmt.Errorf("catalog: unknown sources policy %q", s)
}

var (
	// ErrSourceMissing is returned under Verify when a source dataset is
	// not in the catalog.
	ErrSourceMissing = errors.New("catalog: source dataset not indexed")

	// ErrProductExists is returned by AddProduct for a taken name.
	ErrProductExists = errors.New("catalog: product already exists")

	// ErrPartialIndexing is returned when some datasets of a batch could
	// not be added; no chunk layout is recorded for the batch.
	ErrPartialIndexing = errors.New("catalog: some datasets could not be indexed, chunk indexing skipped")
)

// Catalog is the metadata store the ingest pipeline reads and writes.
//
// Lookups of missing products or datasets return an error wrapping
// cube.ErrNotFound.
type Catalog interface {
	Product(ctx context.Context, name string) (*cube.Product, error)
	AddProduct(ctx context.Context, p *cube.Product) (*cube.Product, error)
	UpdateProduct(ctx context.Context, p *cube.Product) (*cube.Product, error)

	// AddDataset records ds. Adding a dataset that already exists is a
	// no-op.
	AddDataset(ctx context.Context, ds *cube.Dataset, policy SourcesPolicy) error

	// Dataset returns a dataset, with its lineage resolved into Sources
	// when withSources is set.
	Dataset(ctx context.Context, id uuid.UUID, withSources bool) (*cube.Dataset, error)

	// Search returns the product's datasets matching q, ordered by center
	// time then id.
	Search(ctx context.Context, product string, q cube.Query) ([]*cube.Dataset, error)
}
