// Package chunkindex records the physical chunk layout of ingested datasets
// and resolves it back by dataset, band, and coordinate.
//
// Every indexing pass writes its chunk sets, chunks, and dataset mappings in
// a single backend transaction: either all rows of the pass become visible or
// none do.
package chunkindex

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/internal/logging"
)

// Error sentinel values.
var (
	// ErrNoDimensions indicates a chunk set without axes.
	ErrNoDimensions = errors.New("chunk set has no dimensions")

	// ErrRankMismatch indicates per-axis arrays of different lengths.
	ErrRankMismatch = errors.New("rank mismatch")

	// ErrTxDone indicates use of a committed or rolled back transaction.
	ErrTxDone = errors.New("transaction already finished")
)

// -----------------------------------------------------------------------------
// Backend interface
// -----------------------------------------------------------------------------

// Tx stages index rows. Nothing staged is visible to readers until Commit
// returns nil.
type Tx interface {
	PutChunkSet(ctx context.Context, cs *ChunkSet) error
	PutChunk(ctx context.Context, c *Chunk) error
	PutMapping(ctx context.Context, m *Mapping) error
	Commit(ctx context.Context) error

	// Rollback discards staged rows. It is safe to call after Commit.
	Rollback(ctx context.Context) error
}

// Backend persists index rows.
type Backend interface {
	Begin(ctx context.Context) (Tx, error)

	// Mappings returns the committed mappings of a dataset's band.
	Mappings(ctx context.Context, datasetID uuid.UUID, band string) ([]*Mapping, error)

	// ChunkSet returns a committed chunk set or cube.ErrNotFound.
	ChunkSet(ctx context.Context, id uuid.UUID) (*ChunkSet, error)

	// Chunks returns the committed chunks of a chunk set.
	Chunks(ctx context.Context, chunkSetID uuid.UUID) ([]*Chunk, error)

	io.Closer
}

// Joiner is implemented by backends that resolve mapping and chunk set in a
// single query.
type Joiner interface {
	LookupChunkSets(ctx context.Context, datasetID uuid.UUID, band string) ([]*ChunkSet, error)
}

// -----------------------------------------------------------------------------
// Index
// -----------------------------------------------------------------------------

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger used for rollback diagnostics.
func WithLogger(log logrus.FieldLogger) Option {
	return func(ix *Index) {
		if log != nil {
			ix.log = log
		}
	}
}

// WithIDGenerator replaces uuid.New for row identifiers.
func WithIDGenerator(gen func() uuid.UUID) Option {
	return func(ix *Index) { ix.newID = gen }
}

// Index writes and reads chunk layout through a Backend.
type Index struct {
	backend Backend
	log     logrus.FieldLogger
	newID   func() uuid.UUID
}

// New creates an Index over backend.
func New(backend Backend, opts ...Option) *Index {
	ix := &Index{
		backend: backend,
		log:     logging.Discard(),
		newID:   uuid.New,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Close closes the backend.
func (ix *Index) Close() error { return ix.backend.Close() }

// RecordChunkSet stages the chunk set row for one band and returns its new id.
func (ix *Index) RecordChunkSet(ctx context.Context, tx Tx, band string, layout *cube.BandLayout) (uuid.UUID, error) {
	if err := layout.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("chunkindex: band %q: %w", band, err)
	}
	cs := chunkSetFromLayout(ix.newID(), band, layout)
	if err := cs.Validate(); err != nil {
		return uuid.Nil, err
	}
	if err := tx.PutChunkSet(ctx, cs); err != nil {
		return uuid.Nil, fmt.Errorf("chunkindex: put chunk set for band %q: %w", band, err)
	}
	return cs.ID, nil
}

// RecordChunks stages one chunk row per key map.
func (ix *Index) RecordChunks(ctx context.Context, tx Tx, setID uuid.UUID, band string, keyMaps []cube.KeyMap) error {
	for _, km := range keyMaps {
		c := chunkFromKeyMap(ix.newID(), setID, km)
		if err := tx.PutChunk(ctx, c); err != nil {
			return fmt.Errorf("chunkindex: put chunk %s of band %q: %w", km.ChunkID, band, err)
		}
	}
	return nil
}

// RecordMappings stages one mapping row per dataset.
func (ix *Index) RecordMappings(ctx context.Context, tx Tx, setID uuid.UUID, band string, datasetIDs []uuid.UUID) error {
	for _, id := range datasetIDs {
		m := &Mapping{ID: ix.newID(), DatasetID: id, Band: band, ChunkSetID: setID}
		if err := tx.PutMapping(ctx, m); err != nil {
			return fmt.Errorf("chunkindex: put mapping %s/%s: %w", id, band, err)
		}
	}
	return nil
}

// Record indexes every band of every entry in one transaction and returns
// the new chunk set ids in entry, then band, order. Any failure rolls back
// the whole pass.
func (ix *Index) Record(ctx context.Context, entries ...Entry) (_ []uuid.UUID, err error) {
	tx, err := ix.backend.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("chunkindex: begin: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, ErrTxDone) {
			ix.log.WithError(rbErr).Warn("chunk index rollback failed")
		}
	}()

	var ids []uuid.UUID
	for _, entry := range entries {
		for _, band := range entry.Storage.Bands() {
			layout := entry.Storage[band]
			setID, err := ix.RecordChunkSet(ctx, tx, band, layout)
			if err != nil {
				return nil, err
			}
			if err := ix.RecordChunks(ctx, tx, setID, band, layout.KeyMaps); err != nil {
				return nil, err
			}
			if err := ix.RecordMappings(ctx, tx, setID, band, entry.DatasetIDs); err != nil {
				return nil, err
			}
			ids = append(ids, setID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("chunkindex: commit: %w", err)
	}
	ix.log.WithFields(logrus.Fields{
		"entries":    len(entries),
		"chunk_sets": len(ids),
	}).Debug("chunk index pass committed")
	return ids, nil
}

// Lookup returns the chunk sets mapped to a dataset's band.
func (ix *Index) Lookup(ctx context.Context, datasetID uuid.UUID, band string) ([]*ChunkSet, error) {
	if j, ok := ix.backend.(Joiner); ok {
		return j.LookupChunkSets(ctx, datasetID, band)
	}
	mappings, err := ix.backend.Mappings(ctx, datasetID, band)
	if err != nil {
		return nil, fmt.Errorf("chunkindex: mappings %s/%s: %w", datasetID, band, err)
	}
	out := make([]*ChunkSet, 0, len(mappings))
	for _, m := range mappings {
		cs, err := ix.backend.ChunkSet(ctx, m.ChunkSetID)
		if err != nil {
			return nil, fmt.Errorf("chunkindex: chunk set %s: %w", m.ChunkSetID, err)
		}
		out = append(out, cs)
	}
	return out, nil
}

// Chunks returns the chunks of a chunk set.
func (ix *Index) Chunks(ctx context.Context, chunkSetID uuid.UUID) ([]*Chunk, error) {
	chunks, err := ix.backend.Chunks(ctx, chunkSetID)
	if err != nil {
		return nil, fmt.Errorf("chunkindex: chunks of %s: %w", chunkSetID, err)
	}
	return chunks, nil
}

// Location pairs a chunk with the chunk set it belongs to.
type Location struct {
	Set   *ChunkSet
	Chunk *Chunk
}

// Locate returns every chunk of a dataset's band whose index bounds contain
// coord, given in dimension order.
func (ix *Index) Locate(ctx context.Context, datasetID uuid.UUID, band string, coord []float64) ([]Location, error) {
	sets, err := ix.Lookup(ctx, datasetID, band)
	if err != nil {
		return nil, err
	}
	var out []Location
	for _, cs := range sets {
		if len(coord) != len(cs.Dimensions) {
			return nil, fmt.Errorf("chunkindex: coordinate has %d axes, chunk set %s has %d: %w",
				len(coord), cs.ID, len(cs.Dimensions), ErrRankMismatch)
		}
		chunks, err := ix.Chunks(ctx, cs.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			if c.Contains(coord) {
				out = append(out, Location{Set: cs, Chunk: c})
			}
		}
	}
	return out, nil
}

// IsNotFound reports whether err means a missing index row.
func IsNotFound(err error) bool { return errors.Is(err, cube.ErrNotFound) }
