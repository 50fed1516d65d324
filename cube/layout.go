package cube

import (
	"fmt"
	"slices"
)

// Slice is a half-open element range [Start, Stop) along one axis.
type Slice struct {
	Start int64 `json:"start"`
	Stop  int64 `json:"stop"`
}

// Len returns the number of elements covered by the slice.
func (s Slice) Len() int64 { return s.Stop - s.Start }

// KeyMap locates one stored chunk of a band.
type KeyMap struct {
	Key         string    `json:"s3_key"`
	ChunkID     string    `json:"chunk_id"`
	Compression string    `json:"compression,omitempty"`
	Chunk       []Slice   `json:"chunk"`
	IndexMin    []float64 `json:"index_min"`
	IndexMax    []float64 `json:"index_max"`
}

// MicroShape returns the element extent of the chunk along each axis.
func (k KeyMap) MicroShape() []int64 {
	out := make([]int64, len(k.Chunk))
	for i, s := range k.Chunk {
		out[i] = s.Len()
	}
	return out
}

// BandLayout is the physical layout a storage driver reports for one band.
//
// RegularIndex and IrregularIndex carry one slot per axis. A regular axis has
// a {start, stop, step} triple in RegularIndex and nil in IrregularIndex; an
// irregular axis has its coordinate list in IrregularIndex and nil in
// RegularIndex.
type BandLayout struct {
	BaseName       string      `json:"base_name"`
	Bucket         string      `json:"bucket"`
	MacroShape     []int64     `json:"macro_shape"`
	ChunkSize      []int64     `json:"chunk_size"`
	DType          string      `json:"numpy_type"`
	Dimensions     []string    `json:"dimensions"`
	RegularDims    []bool      `json:"regular_dims"`
	RegularIndex   [][]float64 `json:"regular_index"`
	IrregularIndex [][]float64 `json:"irregular_index"`
	KeyMaps        []KeyMap    `json:"s3_keys"`
}

// StorageOutput maps band names to their physical layout.
type StorageOutput map[string]*BandLayout

// Bands returns the band names in sorted order.
func (s StorageOutput) Bands() []string {
	out := make([]string, 0, len(s))
	for band := range s {
		out = append(out, band)
	}
	slices.Sort(out)
	return out
}

// layoutValidationError provides details about band layout validation failures.
type layoutValidationError struct {
	Field   string
	Message string
}

func (e *layoutValidationError) Error() string {
	return fmt.Sprintf("invalid band layout: %s: %s", e.Field, e.Message)
}

func (e *layoutValidationError) Unwrap() error {
	return ErrLayoutInvalid
}

// Validate checks the per-axis shape rules of the layout.
func (b *BandLayout) Validate() error {
	if b == nil {
		return &layoutValidationError{Field: "layout", Message: "is nil"}
	}
	if b.BaseName == "" {
		return &layoutValidationError{Field: "base_name", Message: "is required"}
	}
	rank := len(b.Dimensions)
	if rank == 0 {
		return &layoutValidationError{Field: "dimensions", Message: "must not be empty"}
	}
	for _, f := range []struct {
		name string
		n    int
	}{
		{"macro_shape", len(b.MacroShape)},
		{"chunk_size", len(b.ChunkSize)},
		{"regular_dims", len(b.RegularDims)},
		{"regular_index", len(b.RegularIndex)},
		{"irregular_index", len(b.IrregularIndex)},
	} {
		if f.n != rank {
			return &layoutValidationError{
				Field:   f.name,
				Message: fmt.Sprintf("has %d entries, want %d", f.n, rank),
			}
		}
	}
	for i, regular := range b.RegularDims {
		switch {
		case regular && len(b.RegularIndex[i]) != 3:
			return &layoutValidationError{
				Field:   fmt.Sprintf("regular_index[%d]", i),
				Message: "must be a {start, stop, step} triple",
			}
		case regular && b.IrregularIndex[i] != nil:
			return &layoutValidationError{
				Field:   fmt.Sprintf("irregular_index[%d]", i),
				Message: "must be nil for a regular axis",
			}
		case !regular && b.RegularIndex[i] != nil:
			return &layoutValidationError{
				Field:   fmt.Sprintf("regular_index[%d]", i),
				Message: "must be nil for an irregular axis",
			}
		case !regular && b.IrregularIndex[i] == nil:
			return &layoutValidationError{
				Field:   fmt.Sprintf("irregular_index[%d]", i),
				Message: "is required for an irregular axis",
			}
		}
	}
	for i, km := range b.KeyMaps {
		if km.Key == "" {
			return &layoutValidationError{Field: fmt.Sprintf("s3_keys[%d].s3_key", i), Message: "is required"}
		}
		if len(km.Chunk) != rank || len(km.IndexMin) != rank || len(km.IndexMax) != rank {
			return &layoutValidationError{
				Field:   fmt.Sprintf("s3_keys[%d]", i),
				Message: fmt.Sprintf("chunk, index_min and index_max must have %d entries", rank),
			}
		}
		for axis, s := range km.Chunk {
			if s.Stop < s.Start {
				return &layoutValidationError{
					Field:   fmt.Sprintf("s3_keys[%d].chunk[%d]", i, axis),
					Message: "stop precedes start",
				}
			}
		}
	}
	return nil
}
