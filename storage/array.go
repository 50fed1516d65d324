// Package storage writes rendered tile arrays to an object store as
// compressed chunks and reports their physical layout.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrUnknownDType is returned for a data type with no fixed element size.
var ErrUnknownDType = errors.New("storage: unknown dtype")

var dtypeSizes = map[string]int{
	"bool":    1,
	"int8":    1,
	"uint8":   1,
	"int16":   2,
	"uint16":  2,
	"int32":   4,
	"uint32":  4,
	"float32": 4,
	"int64":   8,
	"uint64":  8,
	"float64": 8,
}

// DTypeSize returns the element size in bytes of dtype.
func DTypeSize(dtype string) (int, error) {
	n, ok := dtypeSizes[dtype]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownDType, dtype)
	}
	return n, nil
}

// Variable is one band of an Array: little-endian elements laid out in
// row-major order over the array's dimensions.
type Variable struct {
	DType string
	Data  []byte
}

// Array is a labelled n-dimensional array with one coordinate list per
// dimension and any number of same-shaped variables.
type Array struct {
	Dims   []string
	Coords [][]float64
	Vars   map[string]*Variable
}

// Shape returns the number of elements along each dimension.
func (a *Array) Shape() []int64 {
	out := make([]int64, len(a.Coords))
	for i, c := range a.Coords {
		out[i] = int64(len(c))
	}
	return out
}

// Size returns the total number of elements per variable.
func (a *Array) Size() int64 {
	n := int64(1)
	for _, s := range a.Shape() {
		n *= s
	}
	return n
}

// Validate checks that coordinates and variables agree with the dimensions.
func (a *Array) Validate() error {
	if len(a.Dims) == 0 {
		return errors.New("storage: array has no dimensions")
	}
	if len(a.Coords) != len(a.Dims) {
		return fmt.Errorf("storage: %d coordinate lists for %d dimensions", len(a.Coords), len(a.Dims))
	}
	for i, c := range a.Coords {
		if len(c) == 0 {
			return fmt.Errorf("storage: dimension %s is empty", a.Dims[i])
		}
	}
	size := a.Size()
	for name, v := range a.Vars {
		n, err := DTypeSize(v.DType)
		if err != nil {
			return fmt.Errorf("storage: variable %s: %w", name, err)
		}
		if int64(len(v.Data)) != size*int64(n) {
			return fmt.Errorf("storage: variable %s has %d bytes, want %d", name, len(v.Data), size*int64(n))
		}
	}
	return nil
}

// Filled returns a variable of the given shape with every element set to
// value converted to dtype.
func Filled(dtype string, shape []int64, value float64) (*Variable, error) {
	size, err := DTypeSize(dtype)
	if err != nil {
		return nil, err
	}
	elem := make([]byte, size)
	switch dtype {
	case "bool", "int8", "uint8":
		elem[0] = byte(int64(value))
	case "int16", "uint16":
		binary.LittleEndian.PutUint16(elem, uint16(int64(value)))
	case "int32", "uint32":
		binary.LittleEndian.PutUint32(elem, uint32(int64(value)))
	case "int64", "uint64":
		binary.LittleEndian.PutUint64(elem, uint64(int64(value)))
	case "float32":
		binary.LittleEndian.PutUint32(elem, math.Float32bits(float32(value)))
	case "float64":
		binary.LittleEndian.PutUint64(elem, math.Float64bits(value))
	}

	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	data := make([]byte, 0, n*int64(size))
	for range n {
		data = append(data, elem...)
	}
	return &Variable{DType: dtype, Data: data}, nil
}

// -----------------------------------------------------------------------------
// Axis classification
// -----------------------------------------------------------------------------

// regularTriple returns the {start, stop, step} description of coords when
// start + i*step reproduces every coordinate exactly. Axes shorter than two
// elements are never regular.
func regularTriple(coords []float64) ([]float64, bool) {
	if len(coords) < 2 {
		return nil, false
	}
	start := coords[0]
	step := coords[1] - start
	if step == 0 {
		return nil, false
	}
	for i, c := range coords {
		if start+float64(i)*step != c {
			return nil, false
		}
	}
	return []float64{start, start + float64(len(coords))*step, step}, true
}
