package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pithecene-io/cubeingest/chunkindex"
	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/internal/logging"
)

// Output is the result of one ingestion task: the logical datasets it
// produced and the physical layout of every band it wrote.
type Output struct {
	Datasets []*cube.Dataset   `json:"datasets"`
	Storage  cube.StorageOutput `json:"storage_output"`
}

// ChunkRecorder records chunk layouts in one transaction.
type ChunkRecorder interface {
	Record(ctx context.Context, entries ...chunkindex.Entry) ([]uuid.UUID, error)
}

var _ ChunkRecorder = (*chunkindex.Index)(nil)

// IndexingCatalog is a Catalog that also records the chunk layout of
// ingested datasets. Catalog writes go to the wrapped Catalog first; the
// chunk index is only touched once every dataset of a batch was added.
type IndexingCatalog struct {
	Catalog
	chunks ChunkRecorder
	scheme string
	log    logrus.FieldLogger
}

// IndexingOption configures an IndexingCatalog.
type IndexingOption func(*IndexingCatalog)

// WithScheme sets the URI scheme datasets are recorded under. Default "s3".
func WithScheme(scheme string) IndexingOption {
	return func(c *IndexingCatalog) { c.scheme = scheme }
}

// WithIndexingLogger sets the logger.
func WithIndexingLogger(log logrus.FieldLogger) IndexingOption {
	return func(c *IndexingCatalog) { c.log = log }
}

// NewIndexingCatalog wraps base, recording chunk layouts with chunks.
func NewIndexingCatalog(base Catalog, chunks ChunkRecorder, opts ...IndexingOption) *IndexingCatalog {
	c := &IndexingCatalog{Catalog: base, chunks: chunks, scheme: "s3"}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.Discard()
	}
	return c
}

// AddDataset adds ds with its URIs rewritten to the storage scheme. ds is
// not modified.
func (c *IndexingCatalog) AddDataset(ctx context.Context, ds *cube.Dataset, policy SourcesPolicy) error {
	doc := *ds
	doc.URIs = make([]string, len(ds.URIs))
	for i, uri := range ds.URIs {
		doc.URIs[i] = rewriteScheme(uri, c.scheme)
	}
	return c.Catalog.AddDataset(ctx, &doc, policy)
}

func rewriteScheme(uri, scheme string) string {
	if _, rest, ok := strings.Cut(uri, ":"); ok {
		return scheme + ":" + rest
	}
	return scheme + ":" + uri
}

// IndexDatasets adds every dataset of outputs to the catalog and, if all of
// them were added, records the chunk layout of every output in a single
// chunk index transaction. It returns the number of datasets added.
//
// When any dataset fails, the chunk index is not written and the returned
// error wraps ErrPartialIndexing.
func (c *IndexingCatalog) IndexDatasets(ctx context.Context, policy SourcesPolicy, outputs ...Output) (int, error) {
	var (
		added   int
		total   int
		failure error
	)
	entries := make([]chunkindex.Entry, 0, len(outputs))
	for _, out := range outputs {
		if len(out.Storage) == 0 {
			return added, errors.New("catalog: task output has no storage layout")
		}
		ids := make([]uuid.UUID, 0, len(out.Datasets))
		for _, ds := range out.Datasets {
			total++
			if err := c.AddDataset(ctx, ds, policy); err != nil {
				c.log.WithError(err).WithField("dataset", ds.ID).Error("failed to index dataset")
				failure = errors.Join(failure, err)
				continue
			}
			added++
			ids = append(ids, ds.ID)
		}
		entries = append(entries, chunkindex.Entry{DatasetIDs: ids, Storage: out.Storage})
	}
	if added != total {
		return added, fmt.Errorf("%w (%d of %d added): %w", ErrPartialIndexing, added, total, failure)
	}

	setIDs, err := c.chunks.Record(ctx, entries...)
	if err != nil {
		return added, err
	}
	c.log.WithFields(logrus.Fields{
		"datasets":   added,
		"chunk_sets": len(setIDs),
	}).Info("indexed datasets")
	return added, nil
}

// Index indexes a batch of task outputs verifying lineage. It lets the
// catalog serve as the scheduler's indexer.
func (c *IndexingCatalog) Index(ctx context.Context, outputs []Output) (int, error) {
	return c.IndexDatasets(ctx, Verify, outputs...)
}
