package cube

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Spatial types
// -----------------------------------------------------------------------------

// TileIndex addresses one tile of a product grid.
type TileIndex struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (t TileIndex) String() string { return fmt.Sprintf("(%d, %d)", t.X, t.Y) }

// Compare orders tile indexes by X, then Y.
func (t TileIndex) Compare(o TileIndex) int {
	if c := cmp.Compare(t.X, o.X); c != 0 {
		return c
	}
	return cmp.Compare(t.Y, o.Y)
}

// XY is a pair of values along the x and y axes.
type XY struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Extent is an axis-aligned bounding box in grid CRS units.
type Extent struct {
	Left   float64 `json:"left" yaml:"left"`
	Bottom float64 `json:"bottom" yaml:"bottom"`
	Right  float64 `json:"right" yaml:"right"`
	Top    float64 `json:"top" yaml:"top"`
}

// Empty reports whether the extent covers no area.
func (e Extent) Empty() bool { return e.Right <= e.Left || e.Top <= e.Bottom }

// Intersects reports whether the two extents share interior area.
func (e Extent) Intersects(o Extent) bool {
	return e.Left < o.Right && o.Left < e.Right && e.Bottom < o.Top && o.Bottom < e.Top
}

// Intersection returns the overlapping part of both extents.
func (e Extent) Intersection(o Extent) Extent {
	return Extent{
		Left:   math.Max(e.Left, o.Left),
		Bottom: math.Max(e.Bottom, o.Bottom),
		Right:  math.Min(e.Right, o.Right),
		Top:    math.Min(e.Top, o.Top),
	}
}

// GridSpec describes an axis-aligned tiling of a CRS.
type GridSpec struct {
	CRS        string `json:"crs" yaml:"crs"`
	TileSize   XY     `json:"tile_size" yaml:"tile_size"`
	Resolution XY     `json:"resolution" yaml:"resolution"`
	Origin     XY     `json:"origin" yaml:"origin"`
}

// Validate checks that the grid can be used to tile extents.
func (g GridSpec) Validate() error {
	if g.TileSize.X <= 0 || g.TileSize.Y <= 0 {
		return fmt.Errorf("cube: grid tile size must be positive, got %v", g.TileSize)
	}
	if g.Resolution.X == 0 || g.Resolution.Y == 0 {
		return fmt.Errorf("cube: grid resolution must be non-zero, got %v", g.Resolution)
	}
	return nil
}

// TileExtent returns the bounds of the tile at idx.
func (g GridSpec) TileExtent(idx TileIndex) Extent {
	left := g.Origin.X + float64(idx.X)*g.TileSize.X
	bottom := g.Origin.Y + float64(idx.Y)*g.TileSize.Y
	return Extent{Left: left, Bottom: bottom, Right: left + g.TileSize.X, Top: bottom + g.TileSize.Y}
}

// TileIndexes returns every tile whose interior intersects e, ordered by X then Y.
func (g GridSpec) TileIndexes(e Extent) []TileIndex {
	if e.Empty() {
		return nil
	}
	x0 := int(math.Floor((e.Left - g.Origin.X) / g.TileSize.X))
	x1 := int(math.Ceil((e.Right-g.Origin.X)/g.TileSize.X)) - 1
	y0 := int(math.Floor((e.Bottom - g.Origin.Y) / g.TileSize.Y))
	y1 := int(math.Ceil((e.Top-g.Origin.Y)/g.TileSize.Y)) - 1

	var out []TileIndex
	for x := x0; x <= x1; x++ {
		for y := y0; y <= y1; y++ {
			out = append(out, TileIndex{X: x, Y: y})
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Query
// -----------------------------------------------------------------------------

// Range is a closed numeric interval.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// TimeRange is a half-open time interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Query restricts a catalog search by time and spatial bounds.
// Nil fields are unconstrained.
type Query struct {
	Time *TimeRange `json:"time,omitempty"`
	X    *Range     `json:"x,omitempty"`
	Y    *Range     `json:"y,omitempty"`
}

// MatchTime reports whether t satisfies the time constraint.
func (q Query) MatchTime(t time.Time) bool {
	return q.Time == nil || q.Time.Contains(t)
}

// MatchExtent reports whether e overlaps the spatial constraint.
func (q Query) MatchExtent(e Extent) bool {
	if q.X != nil && (e.Right < q.X.Min || e.Left > q.X.Max) {
		return false
	}
	if q.Y != nil && (e.Top < q.Y.Min || e.Bottom > q.Y.Max) {
		return false
	}
	return true
}

// -----------------------------------------------------------------------------
// Products and datasets
// -----------------------------------------------------------------------------

// Measurement describes one band of a product.
type Measurement struct {
	Name             string   `json:"name" yaml:"name"`
	DType            string   `json:"dtype" yaml:"dtype"`
	Nodata           float64  `json:"nodata" yaml:"nodata"`
	Units            string   `json:"units,omitempty" yaml:"units,omitempty"`
	Aliases          []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	ResamplingMethod string   `json:"resampling_method,omitempty" yaml:"resampling_method,omitempty"`
}

// StorageSpec describes how a managed product is tiled and chunked on disk.
type StorageSpec struct {
	Driver         string             `json:"driver" yaml:"driver"`
	Bucket         string             `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	CRS            string             `json:"crs" yaml:"crs"`
	TileSize       map[string]float64 `json:"tile_size" yaml:"tile_size"`
	Resolution     map[string]float64 `json:"resolution" yaml:"resolution"`
	Origin         map[string]float64 `json:"origin,omitempty" yaml:"origin,omitempty"`
	Chunking       map[string]int64   `json:"chunking,omitempty" yaml:"chunking,omitempty"`
	DimensionOrder []string           `json:"dimension_order,omitempty" yaml:"dimension_order,omitempty"`
}

// Grid derives the spatial tiling from the storage spec.
func (s *StorageSpec) Grid() (GridSpec, error) {
	if s == nil {
		return GridSpec{}, errors.New("cube: product has no storage spec")
	}
	g := GridSpec{
		CRS:        s.CRS,
		TileSize:   XY{X: s.TileSize["x"], Y: s.TileSize["y"]},
		Resolution: XY{X: s.Resolution["x"], Y: s.Resolution["y"]},
		Origin:     XY{X: s.Origin["x"], Y: s.Origin["y"]},
	}
	return g, g.Validate()
}

// TimeSliceSize returns the number of time labels per output tile, defaulting to 1.
func (s *StorageSpec) TimeSliceSize() int {
	if s == nil {
		return 1
	}
	if v, ok := s.TileSize["time"]; ok && v >= 1 {
		return int(v)
	}
	return 1
}

// Product is a named dataset type.
type Product struct {
	Name         string         `json:"name" yaml:"name"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	MetadataType string         `json:"metadata_type,omitempty" yaml:"metadata_type,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Managed      bool           `json:"managed,omitempty" yaml:"managed,omitempty"`
	Storage      *StorageSpec   `json:"storage,omitempty" yaml:"storage,omitempty"`
	Measurements []Measurement  `json:"measurements" yaml:"measurements"`
}

// Measurement returns the named band.
func (p *Product) Measurement(name string) (Measurement, bool) {
	for _, m := range p.Measurements {
		if m.Name == name {
			return m, true
		}
	}
	return Measurement{}, false
}

// Dataset is a logical catalog entry: one product's data for one time label
// over one extent.
type Dataset struct {
	ID           uuid.UUID            `json:"id"`
	Product      string               `json:"product"`
	CenterTime   time.Time            `json:"center_time"`
	Extent       Extent               `json:"extent"`
	CRS          string               `json:"crs,omitempty"`
	Format       string               `json:"format,omitempty"`
	URIs         []string             `json:"uris,omitempty"`
	Measurements []string             `json:"measurements,omitempty"`
	SourceIDs    map[string]uuid.UUID `json:"source_ids,omitempty"`
	Metadata     map[string]any       `json:"metadata,omitempty"`

	// Sources holds the resolved lineage when the dataset was loaded with it.
	Sources map[string]*Dataset `json:"sources,omitempty"`
}

// URI returns the first location of the dataset, or "".
func (d *Dataset) URI() string {
	if len(d.URIs) == 0 {
		return ""
	}
	return d.URIs[0]
}

// -----------------------------------------------------------------------------
// Cells and tasks
// -----------------------------------------------------------------------------

// Observation groups the datasets sharing one time label within a cell.
type Observation struct {
	Time     time.Time  `json:"time"`
	Datasets []*Dataset `json:"datasets"`
}

// Cell is one tile of a product grid with its time-ordered observations.
//
// Cells are treated as immutable; the methods below return copies.
type Cell struct {
	Index   TileIndex     `json:"index"`
	Extent  Extent        `json:"extent"`
	CRS     string        `json:"crs,omitempty"`
	Sources []Observation `json:"sources"`
}

// Len returns the number of time labels in the cell.
func (c *Cell) Len() int { return len(c.Sources) }

// Times returns the cell's time labels in order.
func (c *Cell) Times() []time.Time {
	out := make([]time.Time, len(c.Sources))
	for i, o := range c.Sources {
		out[i] = o.Time
	}
	return out
}

// TimeBounds returns the first and last time labels. Both are zero for an
// empty cell.
func (c *Cell) TimeBounds() (time.Time, time.Time) {
	if len(c.Sources) == 0 {
		return time.Time{}, time.Time{}
	}
	return c.Sources[0].Time, c.Sources[len(c.Sources)-1].Time
}

// Datasets returns every dataset in the cell, in time order.
func (c *Cell) Datasets() []*Dataset {
	var out []*Dataset
	for _, o := range c.Sources {
		out = append(out, o.Datasets...)
	}
	return out
}

// Without returns a copy of the cell with every observation for which drop
// reports true removed.
func (c *Cell) Without(drop func(time.Time) bool) *Cell {
	out := &Cell{Index: c.Index, Extent: c.Extent, CRS: c.CRS}
	for _, o := range c.Sources {
		if !drop(o.Time) {
			out.Sources = append(out.Sources, o)
		}
	}
	return out
}

// Split partitions the cell's time axis into consecutive runs of at most
// size labels. An empty cell yields nothing.
func (c *Cell) Split(size int) []*Cell {
	if size < 1 {
		size = 1
	}
	var out []*Cell
	for chunk := range slices.Chunk(c.Sources, size) {
		out = append(out, &Cell{
			Index:   c.Index,
			Extent:  c.Extent,
			CRS:     c.CRS,
			Sources: slices.Clone(chunk),
		})
	}
	return out
}

// Task is one unit of ingestion work: a time-sliced cell and its tile index.
type Task struct {
	TileIndex TileIndex `json:"tile_index"`
	Tile      *Cell     `json:"tile"`
}

func (t Task) String() string {
	if t.Tile == nil || t.Tile.Len() == 0 {
		return t.TileIndex.String()
	}
	start, end := t.Tile.TimeBounds()
	return fmt.Sprintf("%s %s..%s", t.TileIndex, start.Format(time.RFC3339), end.Format(time.RFC3339))
}
