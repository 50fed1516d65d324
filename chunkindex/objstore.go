package chunkindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/internal/logging"
)

// -----------------------------------------------------------------------------
// Object store backend
// -----------------------------------------------------------------------------
//
// Layout under the backend prefix:
//
//	sets/<set-id>.json                      chunk set document
//	chunks/<set-id>.parquet                 chunk rows of one set
//	mappings/<dataset-id>/<band>/<id>.json  mapping document
//	commits/<tx-id>.json                    commit marker
//
// Rows are written before the commit marker; readers ignore chunk sets whose
// marker is absent. A failed commit deletes what it wrote.

// ObjectBackend stores the chunk index on a cube.Store.
type ObjectBackend struct {
	store  cube.Store
	prefix string
	log    logrus.FieldLogger

	mu        sync.Mutex
	committed map[uuid.UUID]bool
}

// ObjectOption configures an ObjectBackend.
type ObjectOption func(*ObjectBackend)

// WithPrefix places every index object under prefix.
func WithPrefix(prefix string) ObjectOption {
	return func(b *ObjectBackend) { b.prefix = strings.Trim(prefix, "/") }
}

// WithObjectLogger sets the logger used for cleanup diagnostics.
func WithObjectLogger(log logrus.FieldLogger) ObjectOption {
	return func(b *ObjectBackend) {
		if log != nil {
			b.log = log
		}
	}
}

// NewObjectBackend creates a Backend on store. The default prefix is "chunkindex".
func NewObjectBackend(store cube.Store, opts ...ObjectOption) *ObjectBackend {
	b := &ObjectBackend{
		store:     store,
		prefix:    "chunkindex",
		log:       logging.Discard(),
		committed: make(map[uuid.UUID]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// setDoc is the persisted chunk set with the transaction that wrote it.
type setDoc struct {
	TxID uuid.UUID `json:"tx_id"`
	*ChunkSet
}

// commitDoc is the commit marker content.
type commitDoc struct {
	TxID      uuid.UUID   `json:"tx_id"`
	ChunkSets []uuid.UUID `json:"chunk_sets"`
	Chunks    int         `json:"chunks"`
	Mappings  int         `json:"mappings"`
}

func (b *ObjectBackend) key(parts ...string) string {
	return path.Join(append([]string{b.prefix}, parts...)...)
}

func (b *ObjectBackend) setPath(id uuid.UUID) string    { return b.key("sets", id.String()+".json") }
func (b *ObjectBackend) chunksPath(id uuid.UUID) string { return b.key("chunks", id.String()+".parquet") }
func (b *ObjectBackend) commitPath(id uuid.UUID) string { return b.key("commits", id.String()+".json") }

func (b *ObjectBackend) mappingDir(datasetID uuid.UUID, band string) string {
	return b.key("mappings", datasetID.String(), url.PathEscape(band)) + "/"
}

// Begin starts a staged transaction.
func (b *ObjectBackend) Begin(_ context.Context) (Tx, error) {
	return &objectTx{backend: b, id: uuid.New(), chunks: make(map[uuid.UUID][]*Chunk)}, nil
}

// Mappings lists the mapping documents of a dataset's band whose chunk set
// is committed.
func (b *ObjectBackend) Mappings(ctx context.Context, datasetID uuid.UUID, band string) ([]*Mapping, error) {
	paths, err := b.store.List(ctx, b.mappingDir(datasetID, band))
	if err != nil {
		return nil, err
	}
	slices.Sort(paths)

	var out []*Mapping
	for _, p := range paths {
		var m Mapping
		if err := cube.GetJSON(ctx, b.store, p, &m); err != nil {
			if errors.Is(err, cube.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if _, err := b.ChunkSet(ctx, m.ChunkSetID); err != nil {
			if errors.Is(err, cube.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &m)
	}
	return out, nil
}

// ChunkSet loads a committed chunk set.
func (b *ObjectBackend) ChunkSet(ctx context.Context, id uuid.UUID) (*ChunkSet, error) {
	doc := setDoc{ChunkSet: &ChunkSet{}}
	if err := cube.GetJSON(ctx, b.store, b.setPath(id), &doc); err != nil {
		return nil, err
	}
	ok, err := b.isCommitted(ctx, doc.TxID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cube.ErrNotFound
	}
	return doc.ChunkSet, nil
}

// Chunks loads the chunk rows of a committed chunk set.
func (b *ObjectBackend) Chunks(ctx context.Context, chunkSetID uuid.UUID) ([]*Chunk, error) {
	if _, err := b.ChunkSet(ctx, chunkSetID); err != nil {
		return nil, err
	}
	data, err := cube.ReadAll(ctx, b.store, b.chunksPath(chunkSetID))
	if err != nil {
		if errors.Is(err, cube.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return decodeChunkRows(data)
}

func (b *ObjectBackend) isCommitted(ctx context.Context, txID uuid.UUID) (bool, error) {
	b.mu.Lock()
	ok := b.committed[txID]
	b.mu.Unlock()
	if ok {
		return true, nil
	}
	ok, err := b.store.Exists(ctx, b.commitPath(txID))
	if err != nil || !ok {
		return false, err
	}
	b.mu.Lock()
	b.committed[txID] = true
	b.mu.Unlock()
	return true, nil
}

// Close is a no-op; the store is owned by the caller.
func (b *ObjectBackend) Close() error { return nil }

// -----------------------------------------------------------------------------
// Transaction
// -----------------------------------------------------------------------------

type objectTx struct {
	backend  *ObjectBackend
	id       uuid.UUID
	sets     []*ChunkSet
	chunks   map[uuid.UUID][]*Chunk
	mappings []*Mapping
	done     bool
}

func (tx *objectTx) PutChunkSet(_ context.Context, cs *ChunkSet) error {
	if tx.done {
		return ErrTxDone
	}
	tx.sets = append(tx.sets, cs)
	return nil
}

func (tx *objectTx) PutChunk(_ context.Context, c *Chunk) error {
	if tx.done {
		return ErrTxDone
	}
	tx.chunks[c.ChunkSetID] = append(tx.chunks[c.ChunkSetID], c)
	return nil
}

func (tx *objectTx) PutMapping(_ context.Context, m *Mapping) error {
	if tx.done {
		return ErrTxDone
	}
	tx.mappings = append(tx.mappings, m)
	return nil
}

func (tx *objectTx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	b := tx.backend

	var written []string
	put := func(p string, data []byte) error {
		if err := b.store.Put(ctx, p, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("put %s: %w", p, err)
		}
		written = append(written, p)
		return nil
	}
	putJSON := func(p string, v any) error {
		data, err := cube.JSON.Marshal(v)
		if err != nil {
			return err
		}
		return put(p, data)
	}

	err := func() error {
		known := make(map[uuid.UUID]bool, len(tx.sets))
		marker := commitDoc{TxID: tx.id, Mappings: len(tx.mappings)}
		for _, cs := range tx.sets {
			known[cs.ID] = true
			marker.ChunkSets = append(marker.ChunkSets, cs.ID)
			if rows := tx.chunks[cs.ID]; len(rows) > 0 {
				data, err := encodeChunkRows(rows)
				if err != nil {
					return err
				}
				if err := put(b.chunksPath(cs.ID), data); err != nil {
					return err
				}
				marker.Chunks += len(rows)
			}
			if err := putJSON(b.setPath(cs.ID), setDoc{TxID: tx.id, ChunkSet: cs}); err != nil {
				return err
			}
		}
		for setID := range tx.chunks {
			if !known[setID] {
				return fmt.Errorf("chunks reference unknown chunk set %s", setID)
			}
		}
		for _, m := range tx.mappings {
			p := b.mappingDir(m.DatasetID, m.Band) + m.ID.String() + ".json"
			if err := putJSON(p, m); err != nil {
				return err
			}
		}
		return putJSON(b.commitPath(tx.id), marker)
	}()
	if err != nil {
		tx.cleanup(ctx, written)
		return err
	}

	b.mu.Lock()
	b.committed[tx.id] = true
	b.mu.Unlock()
	return nil
}

// cleanup deletes objects of a failed commit, newest first.
func (tx *objectTx) cleanup(ctx context.Context, written []string) {
	ctx = context.WithoutCancel(ctx)
	for i := len(written) - 1; i >= 0; i-- {
		if err := tx.backend.store.Delete(ctx, written[i]); err != nil {
			tx.backend.log.WithError(err).WithField("path", written[i]).Warn("chunk index cleanup failed")
		}
	}
}

func (tx *objectTx) Rollback(_ context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.sets, tx.chunks, tx.mappings = nil, nil, nil
	return nil
}
