package chunkindex

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/pithecene-io/cubeingest/cube"
)

func TestPadIrregular_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		lists [][]float64
	}{
		{"single axis of length one", [][]float64{{42}}},
		{"equal lengths", [][]float64{{1, 2}, {3, 4}}},
		{"widely differing lengths", [][]float64{{1}, {1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, {5, 6}}},
		{"negative and zero coordinates", [][]float64{{0, -1.5}, {-2}}},
		{"no irregular axes", [][]float64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			padded := PadIrregular(tt.lists)

			width := 0
			for _, l := range tt.lists {
				width = max(width, len(l))
			}
			for i, row := range padded {
				if len(row) != width {
					t.Errorf("row %d has %d entries, want %d", i, len(row), width)
				}
				for j := len(tt.lists[i]); j < width; j++ {
					if row[j] != nil {
						t.Errorf("row %d position %d should be padding", i, j)
					}
				}
			}

			if diff := cmp.Diff(tt.lists, UnpadIrregular(padded)); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestChunkSetFromLayout_SplitsIndexTables(t *testing.T) {
	layout := &cube.BandLayout{
		BaseName:       "b",
		MacroShape:     []int64{3, 1, 1},
		ChunkSize:      []int64{1, 10, 10},
		Dimensions:     []string{"time", "y", "x"},
		RegularDims:    []bool{false, true, true},
		RegularIndex:   [][]float64{nil, {100, 0, -10}, {0, 100, 10}},
		IrregularIndex: [][]float64{{1, 2, 3}, nil, nil},
	}
	cs := chunkSetFromLayout(uuid.New(), "blue", layout)
	if err := cs.Validate(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]float64{{100, 0, -10}, {0, 100, 10}}, cs.RegularIndex); diff != "" {
		t.Errorf("regular index (-want +got):\n%s", diff)
	}

	axes := cs.Axes()
	if axes[0].Regular || len(axes[0].Coords) != 3 {
		t.Errorf("time axis = %+v", axes[0])
	}
	if !axes[1].Regular || axes[1].Step != -10 || axes[2].Start != 0 {
		t.Errorf("spatial axes = %+v %+v", axes[1], axes[2])
	}

	// Layout slices are copied, not shared.
	layout.RegularIndex[1][0] = -1
	if cs.RegularIndex[0][0] != 100 {
		t.Error("chunk set aliases layout memory")
	}
}

func TestChunkSet_Validate(t *testing.T) {
	base := func() *ChunkSet {
		return &ChunkSet{
			Dimensions:     []string{"time", "x"},
			MacroShape:     []int64{2, 1},
			ChunkSize:      []int64{1, 4},
			RegularDims:    []bool{false, true},
			RegularIndex:   [][]float64{{0, 4, 1}},
			IrregularIndex: PadIrregular([][]float64{{1, 2}}),
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("valid chunk set rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ChunkSet)
	}{
		{"no dimensions", func(c *ChunkSet) { c.Dimensions = nil }},
		{"short macro shape", func(c *ChunkSet) { c.MacroShape = c.MacroShape[:1] }},
		{"missing irregular list", func(c *ChunkSet) { c.IrregularIndex = nil }},
		{"extra regular triple", func(c *ChunkSet) { c.RegularIndex = append(c.RegularIndex, []float64{0, 1, 1}) }},
		{"bad triple", func(c *ChunkSet) { c.RegularIndex[0] = []float64{0, 1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestChunk_Contains(t *testing.T) {
	c := &Chunk{IndexMin: []float64{0, 75}, IndexMax: []float64{10, 50}}
	tests := []struct {
		coord []float64
		want  bool
	}{
		{[]float64{5, 60}, true},
		{[]float64{0, 50}, true},
		{[]float64{10, 75}, true},
		{[]float64{11, 60}, false},
		{[]float64{5, 80}, false},
		{[]float64{5}, false},
	}
	for _, tt := range tests {
		if got := c.Contains(tt.coord); got != tt.want {
			t.Errorf("Contains(%v) = %v, want %v", tt.coord, got, tt.want)
		}
	}
}
