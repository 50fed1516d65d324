// Package ingest turns an ingestion configuration into tile tasks, runs
// them, and shapes their output for indexing.
package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/cubeingest/cube"
)

// FuseKey names the configuration entry that allows several datasets per
// time label.
const FuseKey = "fuse_data"

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("ingest: invalid configuration")

// MeasurementSpec maps one source band onto an output band.
type MeasurementSpec struct {
	SrcVarname       string         `yaml:"src_varname" json:"src_varname"`
	Name             string         `yaml:"name" json:"name"`
	DType            string         `yaml:"dtype,omitempty" json:"dtype,omitempty"`
	Nodata           *float64       `yaml:"nodata,omitempty" json:"nodata,omitempty"`
	ResamplingMethod string         `yaml:"resampling_method,omitempty" json:"resampling_method,omitempty"`
	Attrs            map[string]any `yaml:"attrs,omitempty" json:"attrs,omitempty"`
}

// Bounds restricts ingestion to a rectangle in the output CRS.
type Bounds struct {
	Left   float64 `yaml:"left" json:"left"`
	Bottom float64 `yaml:"bottom" json:"bottom"`
	Right  float64 `yaml:"right" json:"right"`
	Top    float64 `yaml:"top" json:"top"`
}

// Config is an ingestion configuration document.
type Config struct {
	SourceType       string            `yaml:"source_type" json:"source_type"`
	OutputType       string            `yaml:"output_type" json:"output_type"`
	Description      string            `yaml:"description" json:"description"`
	Location         string            `yaml:"location" json:"location"`
	FilePathTemplate string            `yaml:"file_path_template" json:"file_path_template"`
	Storage          cube.StorageSpec  `yaml:"storage" json:"storage"`
	Measurements     []MeasurementSpec `yaml:"measurements" json:"measurements"`
	IngestionBounds  *Bounds           `yaml:"ingestion_bounds,omitempty" json:"ingestion_bounds,omitempty"`
	FuseData         string            `yaml:"fuse_data,omitempty" json:"fuse_data,omitempty"`
	MetadataType     string            `yaml:"metadata_type,omitempty" json:"metadata_type,omitempty"`
	GlobalAttributes map[string]any    `yaml:"global_attributes,omitempty" json:"global_attributes,omitempty"`
	Version          string            `yaml:"version,omitempty" json:"version,omitempty"`

	// Set when the task list is created and when the file is loaded.
	TaskfileVersion int64  `yaml:"taskfile_version,omitempty" json:"taskfile_version,omitempty"`
	Filename        string `yaml:"filename,omitempty" json:"filename,omitempty"`
}

// LoadConfig reads a YAML configuration file. Filename is set to the
// file's base name.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Filename = filepath.Base(path)
	return cfg, nil
}

// ParseConfig decodes and validates a YAML configuration document.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("ingest: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields the ingest pipeline depends on.
func (c *Config) Validate() error {
	var missing []string
	for name, v := range map[string]string{
		"source_type":        c.SourceType,
		"output_type":        c.OutputType,
		"location":           c.Location,
		"file_path_template": c.FilePathTemplate,
		"storage.crs":        c.Storage.CRS,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: missing %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	if len(c.Measurements) == 0 {
		return fmt.Errorf("%w: no measurements", ErrInvalidConfig)
	}
	for i, m := range c.Measurements {
		if m.SrcVarname == "" || m.Name == "" {
			return fmt.Errorf("%w: measurement %d needs src_varname and name", ErrInvalidConfig, i)
		}
	}
	if _, err := c.Storage.Grid(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.FuseData != "" && c.FuseData != "copy" {
		return fmt.Errorf("%w: unsupported %s %q", ErrInvalidConfig, FuseKey, c.FuseData)
	}
	if b := c.IngestionBounds; b != nil && (b.Right <= b.Left || b.Top <= b.Bottom) {
		return fmt.Errorf("%w: empty ingestion_bounds", ErrInvalidConfig)
	}
	return nil
}

// Fuses reports whether several datasets per time label may be combined.
func (c *Config) Fuses() bool { return c.FuseData != "" }

// DimensionOrder returns the storage dimension order, defaulting to time, y, x.
func (c *Config) DimensionOrder() []string {
	if len(c.Storage.DimensionOrder) > 0 {
		return c.Storage.DimensionOrder
	}
	return []string{"time", "y", "x"}
}

// NameMap maps source band names to output band names.
func (c *Config) NameMap() map[string]string {
	out := make(map[string]string, len(c.Measurements))
	for _, m := range c.Measurements {
		out[m.SrcVarname] = m.Name
	}
	return out
}

// AppMetadata is the lineage block recorded on every output dataset.
func (c *Config) AppMetadata() map[string]any {
	version := c.Version
	if version == "" {
		version = "unknown"
	}
	return map[string]any{
		"lineage": map[string]any{
			"algorithm": map[string]any{
				"name":       "datacube-ingest",
				"version":    version,
				"repo_url":   "https://github.com/GeoscienceAustralia/datacube-ingester.git",
				"parameters": map[string]any{"configuration_file": c.Filename},
			},
		},
	}
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// Years is an inclusive range of calendar years.
type Years struct {
	From int
	To   int
}

// ParseYears accepts a single year ("1996") or an inclusive range
// ("1996-2001").
func ParseYears(s string) (*Years, error) {
	bad := fmt.Errorf("ingest: year must be a single year (eg 1996) or an inclusive range (eg 1996-2001), got %q", s)
	from, to, isRange := strings.Cut(s, "-")
	y0, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return nil, bad
	}
	y1 := y0
	if isRange {
		if y1, err = strconv.Atoi(strings.TrimSpace(to)); err != nil {
			return nil, bad
		}
	}
	if y1 < y0 {
		return nil, bad
	}
	return &Years{From: y0, To: y1}, nil
}

// Query builds the catalog query for the configuration: the years, when
// given, as a half-open time range, and the ingestion bounds as x and y
// ranges.
func (c *Config) Query(years *Years) cube.Query {
	var q cube.Query
	if years != nil {
		q.Time = &cube.TimeRange{
			Start: time.Date(years.From, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(years.To+1, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	if b := c.IngestionBounds; b != nil {
		q.X = &cube.Range{Min: b.Left, Max: b.Right}
		q.Y = &cube.Range{Min: b.Bottom, Max: b.Top}
	}
	return q
}
