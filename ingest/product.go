package ingest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pithecene-io/cubeingest/catalog"
	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/internal/logging"
)

// ErrProductChanged is returned by EnsureOutputProduct when the derived
// output product differs from the stored one and changes are not allowed.
var ErrProductChanged = errors.New("ingest: ingest config differs from the existing output product, but product changes are not allowed")

// MorphProduct derives the output product definition from the source
// product and the configuration. The source is not modified.
func MorphProduct(source *cube.Product, cfg *Config, format string) (*cube.Product, error) {
	var out cube.Product
	data, err := cube.JSON.Marshal(source)
	if err != nil {
		return nil, fmt.Errorf("ingest: copy product %s: %w", source.Name, err)
	}
	if err := cube.JSON.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("ingest: copy product %s: %w", source.Name, err)
	}

	out.Name = cfg.OutputType
	out.Managed = true
	out.Description = cfg.Description
	out.Storage = &cube.StorageSpec{
		CRS:        cfg.Storage.CRS,
		Driver:     cfg.Storage.Driver,
		TileSize:   maps.Clone(cfg.Storage.TileSize),
		Resolution: maps.Clone(cfg.Storage.Resolution),
		Origin:     maps.Clone(cfg.Storage.Origin),
	}
	if out.Metadata == nil {
		out.Metadata = make(map[string]any)
	}
	out.Metadata["format"] = map[string]any{"name": format}
	if cfg.MetadataType != "" {
		out.MetadataType = cfg.MetadataType
	}

	out.Measurements = make([]cube.Measurement, 0, len(cfg.Measurements))
	for _, spec := range cfg.Measurements {
		m, ok := source.Measurement(spec.SrcVarname)
		if !ok {
			return nil, fmt.Errorf("%w: source product %s has no measurement %q", ErrInvalidConfig, source.Name, spec.SrcVarname)
		}
		m.Name = spec.Name
		if spec.Nodata != nil {
			m.Nodata = *spec.Nodata
		}
		if spec.DType != "" {
			m.DType = spec.DType
		}
		out.Measurements = append(out.Measurements, m)
	}
	return &out, nil
}

// Measurements returns the source bands to load, keyed by their source
// names, with nodata, dtype and resampling method taken from the
// configuration where set.
func Measurements(source *cube.Product, cfg *Config) ([]cube.Measurement, error) {
	out := make([]cube.Measurement, 0, len(cfg.Measurements))
	for _, spec := range cfg.Measurements {
		m, ok := source.Measurement(spec.SrcVarname)
		if !ok {
			return nil, fmt.Errorf("%w: source product %s has no measurement %q", ErrInvalidConfig, source.Name, spec.SrcVarname)
		}
		if spec.Nodata != nil && *spec.Nodata != 0 {
			m.Nodata = *spec.Nodata
		}
		if spec.DType != "" {
			m.DType = spec.DType
		}
		if spec.ResamplingMethod != "" {
			m.ResamplingMethod = spec.ResamplingMethod
		}
		out = append(out, m)
	}
	return out, nil
}

// EnsureOutputProduct loads the source product, derives the output product
// and adds it to the catalog if it is new. An existing output product that
// differs is updated only when allowChanges is set; otherwise the error
// wraps ErrProductChanged.
func EnsureOutputProduct(ctx context.Context, cat catalog.Catalog, cfg *Config, format string, allowChanges bool, log logrus.FieldLogger) (source, output *cube.Product, err error) {
	if log == nil {
		log = logging.Discard()
	}
	source, err = cat.Product(ctx, cfg.SourceType)
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: source product %s: %w", cfg.SourceType, err)
	}
	output, err = MorphProduct(source, cfg, format)
	if err != nil {
		return nil, nil, err
	}
	log.WithField("product", output.Name).Info("derived output product")

	existing, err := cat.Product(ctx, output.Name)
	if errors.Is(err, cube.ErrNotFound) {
		output, err = cat.AddProduct(ctx, output)
		if err != nil {
			return nil, nil, err
		}
		return source, output, nil
	}
	if err != nil {
		return nil, nil, err
	}

	safe, unsafe, err := catalog.CompareProducts(existing, output)
	if err != nil {
		return nil, nil, err
	}
	if len(safe) == 0 && len(unsafe) == 0 {
		return source, existing, nil
	}
	changes := append(safe, unsafe...)
	for _, c := range changes {
		log.WithField("product", output.Name).Warn("output product change: " + c.String())
	}
	if !allowChanges {
		return nil, nil, fmt.Errorf("%w: %s", ErrProductChanged, describe(changes))
	}
	output, err = cat.UpdateProduct(ctx, output)
	if err != nil {
		return nil, nil, err
	}
	return source, output, nil
}

func describe(changes []catalog.Change) string {
	parts := make([]string, len(changes))
	for i, c := range changes {
		parts[i] = c.Path
	}
	return strings.Join(parts, ", ")
}
