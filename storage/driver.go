package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/internal/logging"
)

// Driver chunks arrays into a cube.Store.
type Driver struct {
	store       cube.Store
	bucket      string
	compression string
	concurrency int
	log         logrus.FieldLogger
}

// Option configures a Driver.
type Option func(*Driver)

// WithBucket sets the bucket name reported in band layouts.
func WithBucket(bucket string) Option {
	return func(d *Driver) { d.bucket = bucket }
}

// WithCompression sets the chunk compression scheme. Default "zstd".
func WithCompression(name string) Option {
	return func(d *Driver) { d.compression = name }
}

// WithConcurrency bounds the number of chunk uploads in flight. Default 8.
func WithConcurrency(n int) Option {
	return func(d *Driver) { d.concurrency = n }
}

// WithLogger sets the driver logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(d *Driver) { d.log = log }
}

// New returns a driver writing to store.
func New(store cube.Store, opts ...Option) (*Driver, error) {
	d := &Driver{store: store, compression: "zstd", concurrency: 8}
	for _, opt := range opts {
		opt(d)
	}
	if _, err := cube.CompressorByName(d.compression); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if d.concurrency < 1 {
		d.concurrency = 1
	}
	if d.log == nil {
		d.log = logging.Discard()
	}
	return d, nil
}

// ChunkKey returns the storage key of a band's chunk.
func ChunkKey(base, band, chunkID string) string {
	return path.Join(base, band, chunkID)
}

// Write stores every variable of arr under base, split into chunks of at
// most chunking[dim] elements per dimension (whole axis when unset), and
// returns the resulting layout per band. Chunks are uploaded concurrently;
// on error some of them may already be stored.
func (d *Driver) Write(ctx context.Context, arr *Array, base string, chunking map[string]int64) (cube.StorageOutput, error) {
	if err := arr.Validate(); err != nil {
		return nil, err
	}
	comp, err := cube.CompressorByName(d.compression)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	shape := arr.Shape()
	chunkSize := make([]int64, len(shape))
	for i, dim := range arr.Dims {
		c := chunking[dim]
		if c <= 0 || c > shape[i] {
			c = shape[i]
		}
		chunkSize[i] = c
	}
	grid := chunkGrid(shape, chunkSize)

	out := make(cube.StorageOutput, len(arr.Vars))
	for band, v := range arr.Vars {
		layout := d.layout(arr, base, band, v.DType, shape, chunkSize)
		for _, cs := range grid {
			km := keyMap(arr.Coords, base, band, cs, chunkSize)
			km.Compression = comp.Name()
			layout.KeyMaps = append(layout.KeyMaps, km)
		}
		if err := layout.Validate(); err != nil {
			return nil, err
		}
		out[band] = layout
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, band := range out.Bands() {
		v := arr.Vars[band]
		elem, _ := DTypeSize(v.DType)
		for _, km := range out[band].KeyMaps {
			g.Go(func() error {
				raw := extract(v.Data, shape, km.Chunk, elem)
				data, err := cube.CompressBytes(comp, raw)
				if err != nil {
					return fmt.Errorf("storage: compress %s: %w", km.Key, err)
				}
				if err := d.store.Put(gctx, km.Key, bytes.NewReader(data)); err != nil {
					return fmt.Errorf("storage: write %s: %w", km.Key, err)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	d.log.WithFields(logrus.Fields{
		"base":   base,
		"bands":  len(out),
		"chunks": len(grid) * len(out),
	}).Debug("array written")
	return out, nil
}

func (d *Driver) layout(arr *Array, base, band, dtype string, shape, chunkSize []int64) *cube.BandLayout {
	rank := len(shape)
	l := &cube.BandLayout{
		BaseName:       path.Join(base, band),
		Bucket:         d.bucket,
		MacroShape:     macroShape(shape, chunkSize),
		ChunkSize:      slices.Clone(chunkSize),
		DType:          dtype,
		Dimensions:     slices.Clone(arr.Dims),
		RegularDims:    make([]bool, rank),
		RegularIndex:   make([][]float64, rank),
		IrregularIndex: make([][]float64, rank),
	}
	for i, coords := range arr.Coords {
		if triple, ok := regularTriple(coords); ok {
			l.RegularDims[i] = true
			l.RegularIndex[i] = triple
		} else {
			l.IrregularIndex[i] = slices.Clone(coords)
		}
	}
	return l
}

// ReadChunk fetches and decompresses one chunk.
func (d *Driver) ReadChunk(ctx context.Context, km cube.KeyMap) ([]byte, error) {
	comp, err := cube.CompressorByName(km.Compression)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	data, err := cube.ReadAll(ctx, d.store, km.Key)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", km.Key, err)
	}
	raw, err := cube.DecompressBytes(comp, data)
	if err != nil {
		return nil, fmt.Errorf("storage: decompress %s: %w", km.Key, err)
	}
	return raw, nil
}

// -----------------------------------------------------------------------------
// Chunking
// -----------------------------------------------------------------------------

// macroShape returns the number of chunks along each axis.
func macroShape(shape, chunkSize []int64) []int64 {
	out := make([]int64, len(shape))
	for i := range shape {
		out[i] = (shape[i] + chunkSize[i] - 1) / chunkSize[i]
	}
	return out
}

// chunkGrid enumerates chunk slices in row-major chunk order.
func chunkGrid(shape, chunkSize []int64) [][]cube.Slice {
	counts := macroShape(shape, chunkSize)
	total := int64(1)
	for _, n := range counts {
		total *= n
	}

	out := make([][]cube.Slice, 0, total)
	pos := make([]int64, len(shape))
	for range total {
		s := make([]cube.Slice, len(shape))
		for i, p := range pos {
			start := p * chunkSize[i]
			s[i] = cube.Slice{Start: start, Stop: min(start+chunkSize[i], shape[i])}
		}
		out = append(out, s)
		for i := len(pos) - 1; i >= 0; i-- {
			pos[i]++
			if pos[i] < counts[i] {
				break
			}
			pos[i] = 0
		}
	}
	return out
}

func chunkID(s []cube.Slice, chunkSize []int64) string {
	parts := make([]string, len(s))
	for i, sl := range s {
		parts[i] = strconv.FormatInt(sl.Start/chunkSize[i], 10)
	}
	return strings.Join(parts, "_")
}

func keyMap(coords [][]float64, base, band string, s []cube.Slice, chunkSize []int64) cube.KeyMap {
	id := chunkID(s, chunkSize)
	km := cube.KeyMap{
		Key:      ChunkKey(base, band, id),
		ChunkID:  id,
		Chunk:    slices.Clone(s),
		IndexMin: make([]float64, len(s)),
		IndexMax: make([]float64, len(s)),
	}
	for i, sl := range s {
		km.IndexMin[i] = coords[i][sl.Start]
		km.IndexMax[i] = coords[i][sl.Stop-1]
	}
	return km
}

// extract copies the elements of a row-major array inside the slices.
func extract(data []byte, shape []int64, s []cube.Slice, elem int) []byte {
	rank := len(shape)
	strides := make([]int64, rank)
	stride := int64(elem)
	for i := rank - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}

	last := s[rank-1]
	run := last.Len() * int64(elem)
	rows := int64(1)
	for _, sl := range s[:rank-1] {
		rows *= sl.Len()
	}

	out := make([]byte, 0, rows*run)
	pos := make([]int64, rank-1)
	for range rows {
		off := last.Start * strides[rank-1]
		for i, p := range pos {
			off += (s[i].Start + p) * strides[i]
		}
		out = append(out, data[off:off+run]...)
		for i := len(pos) - 1; i >= 0; i-- {
			pos[i]++
			if pos[i] < s[i].Len() {
				break
			}
			pos[i] = 0
		}
	}
	return out
}
