package cube

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func TestJSONL_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	header := map[string]string{"kind": "header"}
	tasks := []Task{
		{TileIndex: TileIndex{X: 1, Y: -2}, Tile: &Cell{Index: TileIndex{X: 1, Y: -2}}},
		{TileIndex: TileIndex{X: 3, Y: 4}, Tile: &Cell{
			Index:   TileIndex{X: 3, Y: 4},
			Sources: []Observation{{Time: time.Date(2001, 1, 2, 0, 0, 0, 0, time.UTC)}},
		}},
	}

	if err := w.Write(header); err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if err := w.Write(task); err != nil {
			t.Fatal(err)
		}
	}

	r := NewJSONLReader(&buf)
	var gotHeader map[string]string
	if err := r.Next(&gotHeader); err != nil {
		t.Fatal(err)
	}
	if gotHeader["kind"] != "header" {
		t.Errorf("header = %v", gotHeader)
	}

	var got []Task
	for {
		var task Task
		err := r.Next(&task)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, task)
	}
	if len(got) != 2 {
		t.Fatalf("decoded %d tasks, want 2", len(got))
	}
	if got[1].TileIndex != (TileIndex{X: 3, Y: 4}) || !got[1].Tile.Sources[0].Time.Equal(tasks[1].Tile.Sources[0].Time) {
		t.Errorf("task mismatch: %+v", got[1])
	}
}

func TestPutGetJSON(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()

	in := &Product{Name: "ls5_nbar", Measurements: []Measurement{{Name: "blue", DType: "int16", Nodata: -999}}}
	if err := PutJSON(ctx, store, "products/ls5_nbar.json", in); err != nil {
		t.Fatal(err)
	}
	var out Product
	if err := GetJSON(ctx, store, "products/ls5_nbar.json", &out); err != nil {
		t.Fatal(err)
	}
	if out.Name != in.Name || out.Measurements[0].Nodata != -999 {
		t.Errorf("got %+v", out)
	}
	if err := GetJSON(ctx, store, "products/none.json", &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
