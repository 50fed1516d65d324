package badgerkv

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/pithecene-io/cubeingest/chunkindex"
	"github.com/pithecene-io/cubeingest/chunkindex/chunkindextest"
	"github.com/pithecene-io/cubeingest/executor"
	"github.com/pithecene-io/cubeingest/schedule"
)

func openInMemory(t *testing.T) chunkindex.Backend {
	t.Helper()
	b, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackend_Conformance(t *testing.T) {
	chunkindextest.RunBackendTests(t, openInMemory)
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("expected error without path")
	}
}

func TestBackend_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := t.Context()
	ds := uuid.New()

	b, err := Open(Config{Path: dir, SyncWrites: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := chunkindex.New(b).Record(ctx, chunkindextest.Entry("tile", 2, []uuid.UUID{ds}, "blue")); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	b, err = Open(Config{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ix := chunkindex.New(b)
	sets, err := ix.Lookup(ctx, ds, "blue")
	if err != nil || len(sets) != 1 {
		t.Fatalf("Lookup after reopen = %v, %v", sets, err)
	}
	chunks, err := ix.Chunks(ctx, sets[0].ID)
	if err != nil || len(chunks) != 4 {
		t.Fatalf("Chunks after reopen = %d, %v", len(chunks), err)
	}
	if chunks[0].ChunkID != "0_0_0" || chunks[3].ChunkID != "1_1_0" {
		t.Errorf("chunks out of insertion order: %s .. %s", chunks[0].ChunkID, chunks[3].ChunkID)
	}
}

// TestBackend_DefaultQueueThroughScheduler indexes a full default-size
// queue of three-band, eight-label tiles.
func TestBackend_DefaultQueueThroughScheduler(t *testing.T) {
	if testing.Short() {
		t.Skip("indexes 150k chunks")
	}
	ctx := t.Context()
	b := openInMemory(t)
	ix := chunkindex.New(b)

	n := schedule.DefaultQueueSize
	datasets := make([]uuid.UUID, n)
	for i := range datasets {
		datasets[i] = uuid.New()
	}
	ex := executor.NewSerial(func(_ context.Context, i int) (chunkindex.Entry, error) {
		return chunkindextest.Entry(fmt.Sprintf("tile_%d", i), 8, []uuid.UUID{datasets[i]}, "blue", "green", "red"), nil
	})
	idx := schedule.IndexFunc[chunkindex.Entry](func(ctx context.Context, entries []chunkindex.Entry) (int, error) {
		if _, err := ix.Record(ctx, entries...); err != nil {
			return 0, err
		}
		return len(entries), nil
	})
	tasks := func(yield func(int, error) bool) {
		for i := range n {
			if !yield(i, nil) {
				return
			}
		}
	}

	stats, err := schedule.New[int, chunkindex.Entry](ex, idx, schedule.Config{PollInterval: time.Millisecond}).Run(ctx, tasks)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Successes != n || stats.IndexRetries != 0 {
		t.Fatalf("stats = %+v, want %d successes without retries", stats, n)
	}
	sets, err := ix.Lookup(ctx, datasets[n-1], "green")
	if err != nil || len(sets) != 1 {
		t.Fatalf("Lookup = %v, %v", sets, err)
	}
	chunks, err := ix.Chunks(ctx, sets[0].ID)
	if err != nil || len(chunks) != 16 {
		t.Errorf("Chunks = %d, %v; want 16", len(chunks), err)
	}
}

func TestBackend_BatchTooLarge(t *testing.T) {
	ctx := t.Context()
	b, err := Open(Config{InMemory: true, MemTableSize: 8 << 20})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	entries := make([]chunkindex.Entry, 500)
	for i := range entries {
		entries[i] = chunkindextest.Entry(fmt.Sprintf("tile_%d", i), 8, []uuid.UUID{uuid.New()}, "blue", "green", "red")
	}
	_, err = chunkindex.New(b).Record(ctx, entries...)
	if !errors.Is(err, ErrBatchTooLarge) || !errors.Is(err, badger.ErrTxnTooBig) {
		t.Fatalf("err = %v, want ErrBatchTooLarge", err)
	}

	// Nothing from the rejected pass is visible.
	sets, err := chunkindex.New(b).Lookup(ctx, entries[0].DatasetIDs[0], "blue")
	if err != nil || len(sets) != 0 {
		t.Errorf("Lookup after failed pass = %v, %v", sets, err)
	}
}
