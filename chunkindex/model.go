package chunkindex

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/pithecene-io/cubeingest/cube"
)

// ChunkSet records how one band of one indexing group is laid out as chunks.
//
// RegularIndex holds one {start, stop, step} triple per regular axis, in axis
// order. IrregularIndex holds one coordinate list per irregular axis, right
// padded with nil to the length of the longest list.
type ChunkSet struct {
	ID             uuid.UUID    `json:"id"`
	BaseName       string       `json:"base_name"`
	Band           string       `json:"band"`
	Bucket         string       `json:"bucket"`
	MacroShape     []int64      `json:"macro_shape"`
	ChunkSize      []int64      `json:"chunk_size"`
	DType          string       `json:"numpy_type"`
	Dimensions     []string     `json:"dimensions"`
	RegularDims    []bool       `json:"regular_dims"`
	RegularIndex   [][]float64  `json:"regular_index"`
	IrregularIndex [][]*float64 `json:"irregular_index"`
}

// Chunk records one stored chunk of a chunk set.
type Chunk struct {
	ID          uuid.UUID `json:"id"`
	ChunkSetID  uuid.UUID `json:"s3_dataset_id"`
	Key         string    `json:"s3_key"`
	ChunkID     string    `json:"chunk_id"`
	Compression string    `json:"compression_scheme"`
	MicroShape  []int64   `json:"micro_shape"`
	IndexMin    []float64 `json:"index_min"`
	IndexMax    []float64 `json:"index_max"`
}

// Mapping links a logical dataset's band to the chunk set holding it.
type Mapping struct {
	ID         uuid.UUID `json:"id"`
	DatasetID  uuid.UUID `json:"dataset_ref"`
	Band       string    `json:"band"`
	ChunkSetID uuid.UUID `json:"s3_dataset_id"`
}

// Entry is one task output to index: the logical datasets it produced and
// the physical layout of every band.
type Entry struct {
	DatasetIDs []uuid.UUID
	Storage    cube.StorageOutput
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

// Validate checks the shape invariants of the chunk set.
func (c *ChunkSet) Validate() error {
	rank := len(c.Dimensions)
	if rank == 0 {
		return fmt.Errorf("chunkindex: chunk set %s: %w", c.ID, ErrNoDimensions)
	}
	if len(c.MacroShape) != rank || len(c.ChunkSize) != rank || len(c.RegularDims) != rank {
		return fmt.Errorf("chunkindex: chunk set %s: %w: dimensions=%d macro_shape=%d chunk_size=%d regular_dims=%d",
			c.ID, ErrRankMismatch, rank, len(c.MacroShape), len(c.ChunkSize), len(c.RegularDims))
	}
	regular := 0
	for _, r := range c.RegularDims {
		if r {
			regular++
		}
	}
	if len(c.RegularIndex) != regular || len(c.IrregularIndex) != rank-regular {
		return fmt.Errorf("chunkindex: chunk set %s: %w: %d regular axes with %d triples, %d irregular axes with %d lists",
			c.ID, ErrRankMismatch, regular, len(c.RegularIndex), rank-regular, len(c.IrregularIndex))
	}
	for i, triple := range c.RegularIndex {
		if len(triple) != 3 {
			return fmt.Errorf("chunkindex: chunk set %s: regular_index[%d]: %w", c.ID, i, ErrRankMismatch)
		}
	}
	return nil
}

// Validate checks that the chunk matches the rank of its chunk set.
func (c *Chunk) Validate(rank int) error {
	if len(c.MicroShape) != rank || len(c.IndexMin) != rank || len(c.IndexMax) != rank {
		return fmt.Errorf("chunkindex: chunk %s: %w: micro_shape=%d index_min=%d index_max=%d, want %d",
			c.ChunkID, ErrRankMismatch, len(c.MicroShape), len(c.IndexMin), len(c.IndexMax), rank)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Index decoding
// -----------------------------------------------------------------------------

// IrregularCoords returns the irregular coordinate lists with padding removed.
func (c *ChunkSet) IrregularCoords() [][]float64 {
	return UnpadIrregular(c.IrregularIndex)
}

// Axis describes the coordinates of one axis of a chunk set.
type Axis struct {
	Name    string
	Regular bool

	// Start, Stop and Step are set for regular axes.
	Start, Stop, Step float64

	// Coords is set for irregular axes.
	Coords []float64
}

// Axes decodes the per-axis coordinate description in dimension order.
func (c *ChunkSet) Axes() []Axis {
	irregular := c.IrregularCoords()
	out := make([]Axis, len(c.Dimensions))
	ri, ii := 0, 0
	for i, name := range c.Dimensions {
		out[i].Name = name
		if i < len(c.RegularDims) && c.RegularDims[i] && ri < len(c.RegularIndex) {
			t := c.RegularIndex[ri]
			out[i].Regular = true
			out[i].Start, out[i].Stop, out[i].Step = t[0], t[1], t[2]
			ri++
			continue
		}
		if ii < len(irregular) {
			out[i].Coords = irregular[ii]
			ii++
		}
	}
	return out
}

// Contains reports whether coord falls within the chunk's index bounds on
// every axis.
func (c *Chunk) Contains(coord []float64) bool {
	if len(coord) != len(c.IndexMin) || len(coord) != len(c.IndexMax) {
		return false
	}
	for i, v := range coord {
		lo, hi := c.IndexMin[i], c.IndexMax[i]
		if lo > hi {
			lo, hi = hi, lo
		}
		if v < lo || v > hi {
			return false
		}
	}
	return true
}

// -----------------------------------------------------------------------------
// Padding
// -----------------------------------------------------------------------------

// PadIrregular right-pads every list with nil to the length of the longest.
func PadIrregular(lists [][]float64) [][]*float64 {
	width := 0
	for _, l := range lists {
		width = max(width, len(l))
	}
	out := make([][]*float64, len(lists))
	for i, l := range lists {
		row := make([]*float64, width)
		for j := range l {
			v := l[j]
			row[j] = &v
		}
		out[i] = row
	}
	return out
}

// UnpadIrregular strips trailing nil padding from every list.
func UnpadIrregular(padded [][]*float64) [][]float64 {
	out := make([][]float64, len(padded))
	for i, row := range padded {
		n := len(row)
		for n > 0 && row[n-1] == nil {
			n--
		}
		coords := make([]float64, n)
		for j := range n {
			if row[j] != nil {
				coords[j] = *row[j]
			}
		}
		out[i] = coords
	}
	return out
}

// -----------------------------------------------------------------------------
// Layout conversion
// -----------------------------------------------------------------------------

// chunkSetFromLayout builds the chunk set row for one band.
func chunkSetFromLayout(id uuid.UUID, band string, layout *cube.BandLayout) *ChunkSet {
	cs := &ChunkSet{
		ID:          id,
		BaseName:    layout.BaseName,
		Band:        band,
		Bucket:      layout.Bucket,
		MacroShape:  append([]int64(nil), layout.MacroShape...),
		ChunkSize:   append([]int64(nil), layout.ChunkSize...),
		DType:       layout.DType,
		Dimensions:  append([]string(nil), layout.Dimensions...),
		RegularDims: append([]bool(nil), layout.RegularDims...),
	}
	var irregular [][]float64
	for i, regular := range layout.RegularDims {
		if regular {
			cs.RegularIndex = append(cs.RegularIndex, append([]float64(nil), layout.RegularIndex[i]...))
		} else {
			irregular = append(irregular, layout.IrregularIndex[i])
		}
	}
	cs.IrregularIndex = PadIrregular(irregular)
	return cs
}

// chunkFromKeyMap builds the chunk row for one stored chunk.
func chunkFromKeyMap(id, setID uuid.UUID, km cube.KeyMap) *Chunk {
	return &Chunk{
		ID:          id,
		ChunkSetID:  setID,
		Key:         km.Key,
		ChunkID:     km.ChunkID,
		Compression: km.Compression,
		MicroShape:  km.MicroShape(),
		IndexMin:    append([]float64(nil), km.IndexMin...),
		IndexMax:    append([]float64(nil), km.IndexMax...),
	}
}
