// Package postgres stores the chunk index in PostgreSQL.
//
// The schema has three tables: s3_dataset (one row per chunk set),
// s3_dataset_chunk (one row per chunk), and s3_dataset_mapping (dataset band
// to chunk set). Each indexing pass runs in one SQL transaction.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/pithecene-io/cubeingest/chunkindex"
	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/internal/logging"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS {{s}}s3_dataset (
    id              uuid PRIMARY KEY,
    base_name       text NOT NULL,
    band            text NOT NULL,
    bucket          text NOT NULL,
    macro_shape     bigint[] NOT NULL,
    chunk_size      bigint[] NOT NULL,
    numpy_type      text NOT NULL,
    dimensions      text[] NOT NULL,
    regular_dims    boolean[] NOT NULL,
    regular_index   double precision[][] NOT NULL,
    irregular_index double precision[][] NOT NULL
);

CREATE TABLE IF NOT EXISTS {{s}}s3_dataset_chunk (
    id                 uuid PRIMARY KEY,
    s3_dataset_id      uuid NOT NULL REFERENCES {{s}}s3_dataset (id),
    s3_key             text NOT NULL,
    chunk_id           text NOT NULL,
    compression_scheme text,
    micro_shape        bigint[] NOT NULL,
    index_min          double precision[] NOT NULL,
    index_max          double precision[] NOT NULL
);

CREATE INDEX IF NOT EXISTS s3_dataset_chunk_dataset_idx ON {{s}}s3_dataset_chunk (s3_dataset_id);

CREATE TABLE IF NOT EXISTS {{s}}s3_dataset_mapping (
    id            uuid PRIMARY KEY,
    dataset_ref   uuid NOT NULL,
    band          text NOT NULL,
    s3_dataset_id uuid NOT NULL REFERENCES {{s}}s3_dataset (id)
);

CREATE INDEX IF NOT EXISTS s3_dataset_mapping_ref_idx ON {{s}}s3_dataset_mapping (dataset_ref, band);
`

const chunkSetColumns = `id, base_name, band, bucket, macro_shape, chunk_size, numpy_type,
    dimensions, regular_dims, regular_index, irregular_index`

var schemaName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Backend implements chunkindex.Backend on a *sql.DB using lib/pq.
type Backend struct {
	db     *sql.DB
	schema string
	log    logrus.FieldLogger
}

var (
	_ chunkindex.Backend = (*Backend)(nil)
	_ chunkindex.Joiner  = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend) error

// WithSchema qualifies every table with schema.
func WithSchema(schema string) Option {
	return func(b *Backend) error {
		if !schemaName.MatchString(schema) {
			return fmt.Errorf("postgres: invalid schema name %q", schema)
		}
		b.schema = schema
		return nil
	}
}

// WithLogger sets the backend logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(b *Backend) error {
		if log != nil {
			b.log = log
		}
		return nil
	}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Backend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	b, err := New(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, opts ...Option) (*Backend, error) {
	b := &Backend{db: db, log: logging.Discard()}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Backend) q(query string) string {
	prefix := ""
	if b.schema != "" {
		prefix = pq.QuoteIdentifier(b.schema) + "."
	}
	return strings.ReplaceAll(query, "{{s}}", prefix)
}

// Migrate creates the schema and tables if missing.
func (b *Backend) Migrate(ctx context.Context) error {
	if b.schema != "" {
		if _, err := b.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(b.schema)); err != nil {
			return fmt.Errorf("postgres: create schema: %w", err)
		}
	}
	if _, err := b.db.ExecContext(ctx, b.q(schemaDDL)); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	b.log.WithField("schema", b.schema).Debug("chunk index schema ready")
	return nil
}

// Begin starts a SQL transaction.
func (b *Backend) Begin(ctx context.Context) (chunkindex.Tx, error) {
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	return &tx{b: b, tx: sqlTx}, nil
}

// Mappings returns the mappings of a dataset's band.
func (b *Backend) Mappings(ctx context.Context, datasetID uuid.UUID, band string) ([]*chunkindex.Mapping, error) {
	rows, err := b.db.QueryContext(ctx, b.q(`
SELECT id, dataset_ref, band, s3_dataset_id
FROM {{s}}s3_dataset_mapping
WHERE dataset_ref = $1 AND band = $2
ORDER BY id`), datasetID, band)
	if err != nil {
		return nil, fmt.Errorf("postgres: query mappings: %w", err)
	}
	defer rows.Close()

	var out []*chunkindex.Mapping
	for rows.Next() {
		var m chunkindex.Mapping
		if err := rows.Scan(&m.ID, &m.DatasetID, &m.Band, &m.ChunkSetID); err != nil {
			return nil, fmt.Errorf("postgres: scan mapping: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ChunkSet returns a chunk set or cube.ErrNotFound.
func (b *Backend) ChunkSet(ctx context.Context, id uuid.UUID) (*chunkindex.ChunkSet, error) {
	row := b.db.QueryRowContext(ctx, b.q(`SELECT `+chunkSetColumns+` FROM {{s}}s3_dataset WHERE id = $1`), id)
	cs, err := scanChunkSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cube.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: chunk set %s: %w", id, err)
	}
	return cs, nil
}

// LookupChunkSets joins mapping and chunk set in one query.
func (b *Backend) LookupChunkSets(ctx context.Context, datasetID uuid.UUID, band string) ([]*chunkindex.ChunkSet, error) {
	rows, err := b.db.QueryContext(ctx, b.q(`
SELECT d.id, d.base_name, d.band, d.bucket, d.macro_shape, d.chunk_size, d.numpy_type,
       d.dimensions, d.regular_dims, d.regular_index, d.irregular_index
FROM {{s}}s3_dataset_mapping m
JOIN {{s}}s3_dataset d ON d.id = m.s3_dataset_id
WHERE m.dataset_ref = $1 AND m.band = $2
ORDER BY m.id`), datasetID, band)
	if err != nil {
		return nil, fmt.Errorf("postgres: lookup: %w", err)
	}
	defer rows.Close()

	var out []*chunkindex.ChunkSet
	for rows.Next() {
		cs, err := scanChunkSet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan chunk set: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// Chunks returns the chunks of a chunk set ordered by chunk id.
func (b *Backend) Chunks(ctx context.Context, chunkSetID uuid.UUID) ([]*chunkindex.Chunk, error) {
	rows, err := b.db.QueryContext(ctx, b.q(`
SELECT id, s3_dataset_id, s3_key, chunk_id, COALESCE(compression_scheme, ''), micro_shape, index_min, index_max
FROM {{s}}s3_dataset_chunk
WHERE s3_dataset_id = $1
ORDER BY chunk_id`), chunkSetID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query chunks: %w", err)
	}
	defer rows.Close()

	var out []*chunkindex.Chunk
	for rows.Next() {
		var c chunkindex.Chunk
		err := rows.Scan(&c.ID, &c.ChunkSetID, &c.Key, &c.ChunkID, &c.Compression,
			pq.Array(&c.MicroShape), pq.Array(&c.IndexMin), pq.Array(&c.IndexMax))
		if err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Close closes the connection pool.
func (b *Backend) Close() error { return b.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanChunkSet(s scanner) (*chunkindex.ChunkSet, error) {
	var cs chunkindex.ChunkSet
	var regular, irregular float8Matrix
	err := s.Scan(&cs.ID, &cs.BaseName, &cs.Band, &cs.Bucket,
		pq.Array(&cs.MacroShape), pq.Array(&cs.ChunkSize), &cs.DType,
		pq.Array(&cs.Dimensions), pq.Array(&cs.RegularDims), &regular, &irregular)
	if err != nil {
		return nil, err
	}
	cs.RegularIndex = regular.dense()
	cs.IrregularIndex = irregular
	return &cs, nil
}

// -----------------------------------------------------------------------------
// Transaction
// -----------------------------------------------------------------------------

type tx struct {
	b  *Backend
	tx *sql.Tx
}

func (t *tx) PutChunkSet(ctx context.Context, cs *chunkindex.ChunkSet) error {
	_, err := t.tx.ExecContext(ctx, t.b.q(`
INSERT INTO {{s}}s3_dataset (`+chunkSetColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`),
		cs.ID, cs.BaseName, cs.Band, cs.Bucket,
		pq.Array(cs.MacroShape), pq.Array(cs.ChunkSize), cs.DType,
		pq.Array(cs.Dimensions), pq.Array(cs.RegularDims),
		denseMatrix(cs.RegularIndex), float8Matrix(cs.IrregularIndex))
	return mapTxErr(err)
}

func (t *tx) PutChunk(ctx context.Context, c *chunkindex.Chunk) error {
	_, err := t.tx.ExecContext(ctx, t.b.q(`
INSERT INTO {{s}}s3_dataset_chunk (id, s3_dataset_id, s3_key, chunk_id, compression_scheme, micro_shape, index_min, index_max)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)`),
		c.ID, c.ChunkSetID, c.Key, c.ChunkID, c.Compression,
		pq.Array(c.MicroShape), pq.Array(c.IndexMin), pq.Array(c.IndexMax))
	return mapTxErr(err)
}

func (t *tx) PutMapping(ctx context.Context, m *chunkindex.Mapping) error {
	_, err := t.tx.ExecContext(ctx, t.b.q(`
INSERT INTO {{s}}s3_dataset_mapping (id, dataset_ref, band, s3_dataset_id)
VALUES ($1, $2, $3, $4)`),
		m.ID, m.DatasetID, m.Band, m.ChunkSetID)
	return mapTxErr(err)
}

func (t *tx) Commit(_ context.Context) error { return mapTxErr(t.tx.Commit()) }

func (t *tx) Rollback(_ context.Context) error { return mapTxErr(t.tx.Rollback()) }

func mapTxErr(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return chunkindex.ErrTxDone
	}
	return err
}
