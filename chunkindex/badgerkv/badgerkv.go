// Package badgerkv stores the chunk index in an embedded Badger database.
//
// Keys:
//
//	s/<set-id>                         chunk set
//	c/<set-id>/<chunk-id>              chunk
//	m/<dataset-id>/<band>/<mapping-id> mapping
//
// Each indexing pass is one Badger read-write transaction, so a pass must
// fit Badger's transaction limit (15% of the memtable size).
package badgerkv

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pithecene-io/cubeingest/chunkindex"
	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/internal/logging"
)

// Config configures the Badger backend.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps the database in memory only.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// MemTableSize overrides Badger's memtable size in bytes, which also
	// bounds the size of one transaction. Zero keeps Badger's default.
	MemTableSize int64

	Logger logrus.FieldLogger
}

// ErrBatchTooLarge is returned when one indexing pass does not fit in a
// single Badger transaction. Index fewer results per pass or raise
// Config.MemTableSize.
var ErrBatchTooLarge = errors.New("badgerkv: indexing pass exceeds the transaction size limit")

// Backend implements chunkindex.Backend on Badger.
type Backend struct {
	db  *badger.DB
	log logrus.FieldLogger
}

var _ chunkindex.Backend = (*Backend)(nil)

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Backend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerkv: path is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(log.WithField("component", "badger")).WithSyncWrites(cfg.SyncWrites)
	if cfg.MemTableSize > 0 {
		opts = opts.WithMemTableSize(cfg.MemTableSize)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerkv: open %q: %w", cfg.Path, err)
	}
	log.WithFields(logrus.Fields{"path": cfg.Path, "in_memory": cfg.InMemory}).Debug("chunk index database opened")
	return &Backend{db: db, log: log}, nil
}

func setKey(id uuid.UUID) []byte { return []byte("s/" + id.String()) }

func chunkPrefix(setID uuid.UUID) []byte { return []byte("c/" + setID.String() + "/") }

func mappingPrefix(datasetID uuid.UUID, band string) []byte {
	return []byte("m/" + datasetID.String() + "/" + url.PathEscape(band) + "/")
}

// Begin starts a read-write transaction.
func (b *Backend) Begin(_ context.Context) (chunkindex.Tx, error) {
	return &tx{txn: b.db.NewTransaction(true)}, nil
}

// Mappings returns the mappings of a dataset's band.
func (b *Backend) Mappings(_ context.Context, datasetID uuid.UUID, band string) ([]*chunkindex.Mapping, error) {
	var out []*chunkindex.Mapping
	err := b.db.View(func(txn *badger.Txn) error {
		return scan(txn, mappingPrefix(datasetID, band), func(v []byte) error {
			var m chunkindex.Mapping
			if err := cube.JSON.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, &m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("badgerkv: mappings: %w", err)
	}
	return out, nil
}

// ChunkSet returns a chunk set or cube.ErrNotFound.
func (b *Backend) ChunkSet(_ context.Context, id uuid.UUID) (*chunkindex.ChunkSet, error) {
	var cs chunkindex.ChunkSet
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(setKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return cube.JSON.Unmarshal(v, &cs) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, cube.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badgerkv: chunk set %s: %w", id, err)
	}
	return &cs, nil
}

// Chunks returns the chunks of a chunk set in insertion order.
func (b *Backend) Chunks(_ context.Context, chunkSetID uuid.UUID) ([]*chunkindex.Chunk, error) {
	var out []*chunkindex.Chunk
	err := b.db.View(func(txn *badger.Txn) error {
		return scan(txn, chunkPrefix(chunkSetID), func(v []byte) error {
			var c chunkindex.Chunk
			if err := cube.JSON.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("badgerkv: chunks: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (b *Backend) Close() error { return b.db.Close() }

func scan(txn *badger.Txn, prefix []byte, fn func([]byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Transaction
// -----------------------------------------------------------------------------

type tx struct {
	txn    *badger.Txn
	seq    map[uuid.UUID]int
	closed bool
}

func (t *tx) set(key []byte, v any) error {
	if t.closed {
		return chunkindex.ErrTxDone
	}
	data, err := cube.JSON.Marshal(v)
	if err != nil {
		return err
	}
	if err := t.txn.Set(key, data); err != nil {
		if errors.Is(err, badger.ErrTxnTooBig) {
			return fmt.Errorf("%w: %w", ErrBatchTooLarge, err)
		}
		return err
	}
	return nil
}

func (t *tx) PutChunkSet(_ context.Context, cs *chunkindex.ChunkSet) error {
	return t.set(setKey(cs.ID), cs)
}

// PutChunk keys chunks by insertion sequence so scans return them in order.
func (t *tx) PutChunk(_ context.Context, c *chunkindex.Chunk) error {
	if t.seq == nil {
		t.seq = make(map[uuid.UUID]int)
	}
	n := t.seq[c.ChunkSetID]
	t.seq[c.ChunkSetID] = n + 1
	key := append(chunkPrefix(c.ChunkSetID), []byte(fmt.Sprintf("%08d", n))...)
	return t.set(key, c)
}

func (t *tx) PutMapping(_ context.Context, m *chunkindex.Mapping) error {
	key := append(mappingPrefix(m.DatasetID, m.Band), []byte(m.ID.String())...)
	return t.set(key, m)
}

func (t *tx) Commit(_ context.Context) error {
	if t.closed {
		return chunkindex.ErrTxDone
	}
	t.closed = true
	return t.txn.Commit()
}

func (t *tx) Rollback(_ context.Context) error {
	if t.closed {
		return chunkindex.ErrTxDone
	}
	t.closed = true
	t.txn.Discard()
	return nil
}
