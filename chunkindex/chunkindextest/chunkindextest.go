// Package chunkindextest provides fixtures and a conformance suite for
// chunkindex backends.
package chunkindextest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/cubeingest/chunkindex"
	"github.com/pithecene-io/cubeingest/cube"
)

// ErrInjected is returned by FailingBackend at the configured call.
var ErrInjected = errors.New("chunkindextest: injected failure")

// Epoch is the first time label of Layout fixtures.
var Epoch = time.Date(1996, 1, 1, 0, 0, 0, 0, time.UTC)

// Layout builds a [time, y, x] band layout with times irregular time labels,
// a 4x2 regular spatial grid, and chunks of 1x2x2.
func Layout(base string, times int) *cube.BandLayout {
	ys := []float64{75, 50, 25, 0}
	xs := []float64{0, 25}
	tcoords := make([]float64, times)
	for i := range tcoords {
		tcoords[i] = float64(Epoch.AddDate(0, 0, i).Unix())
	}

	l := &cube.BandLayout{
		BaseName:       base,
		Bucket:         "cubes",
		MacroShape:     []int64{int64(times), 2, 1},
		ChunkSize:      []int64{1, 2, 2},
		DType:          "int16",
		Dimensions:     []string{"time", "y", "x"},
		RegularDims:    []bool{false, true, true},
		RegularIndex:   [][]float64{nil, {75, -25, -25}, {0, 50, 25}},
		IrregularIndex: [][]float64{tcoords, nil, nil},
	}
	for t := range times {
		for yi := range 2 {
			id := fmt.Sprintf("%d_%d_0", t, yi)
			l.KeyMaps = append(l.KeyMaps, cube.KeyMap{
				Key:         base + "/" + id,
				ChunkID:     id,
				Compression: "zstd",
				Chunk:       []cube.Slice{{Start: int64(t), Stop: int64(t + 1)}, {Start: int64(2 * yi), Stop: int64(2*yi + 2)}, {Start: 0, Stop: 2}},
				IndexMin:    []float64{tcoords[t], ys[2*yi], xs[0]},
				IndexMax:    []float64{tcoords[t], ys[2*yi+1], xs[1]},
			})
		}
	}
	return l
}

// Entry builds an entry for datasets with the given bands, each laid out by Layout.
func Entry(base string, times int, datasets []uuid.UUID, bands ...string) chunkindex.Entry {
	out := cube.StorageOutput{}
	for _, b := range bands {
		out[b] = Layout(base+"/"+b, times)
	}
	return chunkindex.Entry{DatasetIDs: datasets, Storage: out}
}

// -----------------------------------------------------------------------------
// Failure injection
// -----------------------------------------------------------------------------

// FailingBackend wraps a Backend and fails the FailOnChunkSet-th PutChunkSet
// call of each transaction.
type FailingBackend struct {
	chunkindex.Backend
	FailOnChunkSet int
}

// Begin wraps the inner transaction.
func (f *FailingBackend) Begin(ctx context.Context) (chunkindex.Tx, error) {
	tx, err := f.Backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, failOn: f.FailOnChunkSet}, nil
}

type failingTx struct {
	chunkindex.Tx
	failOn int
	sets   int
}

func (tx *failingTx) PutChunkSet(ctx context.Context, cs *chunkindex.ChunkSet) error {
	tx.sets++
	if tx.sets == tx.failOn {
		return ErrInjected
	}
	return tx.Tx.PutChunkSet(ctx, cs)
}

// -----------------------------------------------------------------------------
// Conformance suite
// -----------------------------------------------------------------------------

// RunBackendTests exercises a Backend through chunkindex.Index. newBackend
// must return an empty backend for every call.
func RunBackendTests(t *testing.T, newBackend func(t *testing.T) chunkindex.Backend) {
	t.Run("RecordAndLookup", func(t *testing.T) { testRecordAndLookup(t, newBackend(t)) })
	t.Run("Locate", func(t *testing.T) { testLocate(t, newBackend(t)) })
	t.Run("LookupUnknown", func(t *testing.T) { testLookupUnknown(t, newBackend(t)) })
	t.Run("BatchIsAtomic", func(t *testing.T) { testBatchIsAtomic(t, newBackend(t)) })
	t.Run("ManyToOneMapping", func(t *testing.T) { testManyToOne(t, newBackend(t)) })
}

func testRecordAndLookup(t *testing.T, backend chunkindex.Backend) {
	ctx := t.Context()
	ix := chunkindex.New(backend)
	ds := uuid.New()

	ids, err := ix.Record(ctx, Entry("tile_1_2", 3, []uuid.UUID{ds}, "blue", "green"))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("Record returned %d chunk sets, want 2", len(ids))
	}

	sets, err := ix.Lookup(ctx, ds, "green")
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 1 {
		t.Fatalf("Lookup returned %d sets, want 1", len(sets))
	}
	cs := sets[0]
	if cs.Band != "green" || cs.ID != ids[1] {
		t.Errorf("Lookup returned band %q id %s, want green %s", cs.Band, cs.ID, ids[1])
	}
	if err := cs.Validate(); err != nil {
		t.Errorf("stored chunk set invalid: %v", err)
	}
	if len(cs.Dimensions) != len(cs.MacroShape) || len(cs.Dimensions) != len(cs.ChunkSize) || len(cs.Dimensions) != len(cs.RegularDims) {
		t.Errorf("rank mismatch in %+v", cs)
	}
	if len(cs.RegularIndex) != 2 || len(cs.IrregularIndex) != 1 {
		t.Errorf("index tables: %d regular, %d irregular", len(cs.RegularIndex), len(cs.IrregularIndex))
	}
	want := Layout("tile_1_2/green", 3).IrregularIndex[0]
	if got := cs.IrregularCoords()[0]; !slices.Equal(got, want) {
		t.Errorf("irregular coords = %v, want %v", got, want)
	}

	chunks, err := ix.Chunks(ctx, cs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 6 {
		t.Fatalf("Chunks returned %d, want 6", len(chunks))
	}
	for _, c := range chunks {
		if err := c.Validate(len(cs.MacroShape)); err != nil {
			t.Error(err)
		}
		if !slices.Equal(c.MicroShape, []int64{1, 2, 2}) {
			t.Errorf("chunk %s micro shape = %v", c.ChunkID, c.MicroShape)
		}
		if c.ChunkSetID != cs.ID || c.Compression != "zstd" {
			t.Errorf("chunk %s: set %s compression %q", c.ChunkID, c.ChunkSetID, c.Compression)
		}
	}
}

func testLocate(t *testing.T, backend chunkindex.Backend) {
	ctx := t.Context()
	ix := chunkindex.New(backend)
	ds := uuid.New()

	if _, err := ix.Record(ctx, Entry("tile_0_0", 2, []uuid.UUID{ds}, "blue")); err != nil {
		t.Fatal(err)
	}

	day1 := float64(Epoch.AddDate(0, 0, 1).Unix())
	locs, err := ix.Locate(ctx, ds, "blue", []float64{day1, 10, 12})
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 1 || locs[0].Chunk.ChunkID != "1_1_0" {
		t.Fatalf("Locate = %+v, want chunk 1_1_0", locs)
	}

	locs, err = ix.Locate(ctx, ds, "blue", []float64{day1, 500, 12})
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 0 {
		t.Errorf("out-of-bounds coordinate located %d chunks", len(locs))
	}

	if _, err := ix.Locate(ctx, ds, "blue", []float64{day1}); !errors.Is(err, chunkindex.ErrRankMismatch) {
		t.Errorf("expected ErrRankMismatch, got %v", err)
	}
}

func testLookupUnknown(t *testing.T, backend chunkindex.Backend) {
	ix := chunkindex.New(backend)
	sets, err := ix.Lookup(t.Context(), uuid.New(), "blue")
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 0 {
		t.Errorf("unknown dataset returned %d sets", len(sets))
	}
}

func testBatchIsAtomic(t *testing.T, backend chunkindex.Backend) {
	ctx := t.Context()
	ix := chunkindex.New(&FailingBackend{Backend: backend, FailOnChunkSet: 2})

	var entries []chunkindex.Entry
	var datasets []uuid.UUID
	for i := range 5 {
		ds := uuid.New()
		datasets = append(datasets, ds)
		entries = append(entries, Entry(fmt.Sprintf("tile_%d", i), 1, []uuid.UUID{ds}, "blue"))
	}

	if _, err := ix.Record(ctx, entries...); !errors.Is(err, ErrInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}

	reader := chunkindex.New(backend)
	for _, ds := range datasets {
		sets, err := reader.Lookup(ctx, ds, "blue")
		if err != nil {
			t.Fatal(err)
		}
		if len(sets) != 0 {
			t.Errorf("dataset %s has %d chunk sets after rollback", ds, len(sets))
		}
	}

	// The backend stays usable after a rolled back pass.
	if _, err := reader.Record(ctx, entries...); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
	for _, ds := range datasets {
		sets, err := reader.Lookup(ctx, ds, "blue")
		if err != nil {
			t.Fatal(err)
		}
		if len(sets) != 1 {
			t.Errorf("dataset %s has %d chunk sets after retry, want 1", ds, len(sets))
		}
	}
}

func testManyToOne(t *testing.T, backend chunkindex.Backend) {
	ctx := t.Context()
	ix := chunkindex.New(backend)
	a, b := uuid.New(), uuid.New()

	ids, err := ix.Record(ctx, Entry("tile_5_5", 2, []uuid.UUID{a, b}, "red"))
	if err != nil {
		t.Fatal(err)
	}
	for _, ds := range []uuid.UUID{a, b} {
		sets, err := ix.Lookup(ctx, ds, "red")
		if err != nil {
			t.Fatal(err)
		}
		if len(sets) != 1 || sets[0].ID != ids[0] {
			t.Errorf("dataset %s maps to %v, want %s", ds, sets, ids[0])
		}
	}
}
