// Package cube provides the shared data model, object storage abstraction,
// compression, and record codecs for the cubeingest pipeline.
//
// Cube focuses on the persistence vocabulary of gridded ingestion: tiles,
// cells, tasks, datasets, products, and the physical layout a storage driver
// reports for each band it writes. It does not schedule work or talk to a
// catalog.
package cube

import (
	"context"
	"errors"
	"io"
)

// Store is a flat, write-once namespace of objects addressed by
// slash-separated keys. Put on an existing key returns ErrPathExists; keys
// that are empty or climb above the root return ErrInvalidPath.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error

	// Get returns ErrNotFound for a missing key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	Exists(ctx context.Context, key string) (bool, error)

	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete is a no-op for a missing key.
	Delete(ctx context.Context, key string) error
}

// RangeReader reads part of an object. A range running past the end returns
// the bytes that exist; an offset past the end returns an empty slice.
type RangeReader interface {
	ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error)
}

// ConditionalWriter replaces an object only while it still holds expected.
// An empty expected means the object must not exist. Losing writers get
// ErrConflict.
//
// Products are the only mutable documents; everything else is write-once.
type ConditionalWriter interface {
	CompareAndSwap(ctx context.Context, key, expected, replacement string) error
}

// Compressor wraps streams in one chunk compression scheme.
type Compressor interface {
	// Name is the value recorded in KeyMap.Compression.
	Name() string
	Compress(w io.Writer) (io.WriteCloser, error)
	Decompress(r io.Reader) (io.ReadCloser, error)
}

var (
	ErrNotFound    = errors.New("cube: not found")
	ErrPathExists  = errors.New("cube: key already written")
	ErrInvalidPath = errors.New("cube: invalid key")

	// ErrConflict is returned by CompareAndSwap when the object changed.
	ErrConflict = errors.New("cube: concurrent update")

	ErrLayoutInvalid     = errors.New("cube: invalid band layout")
	ErrUnknownCompressor = errors.New("cube: unknown compressor")
)
