package catalog

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pithecene-io/cubeingest/cube"
	"github.com/pithecene-io/cubeingest/internal/logging"
)

// StoreCatalog keeps catalog documents in an object store:
//
//	<prefix>/products/<name>.json
//	<prefix>/datasets/<id>.json
//	<prefix>/by-product/<product>/<id>    (empty marker)
//
// Product updates use compare-and-swap when the store supports it.
type StoreCatalog struct {
	store  cube.Store
	prefix string
	log    logrus.FieldLogger
}

var _ Catalog = (*StoreCatalog)(nil)

// StoreOption configures a StoreCatalog.
type StoreOption func(*StoreCatalog)

// WithPrefix roots catalog documents under prefix. Default "catalog".
func WithPrefix(prefix string) StoreOption {
	return func(c *StoreCatalog) { c.prefix = strings.Trim(prefix, "/") }
}

// WithLogger sets the catalog logger.
func WithLogger(log logrus.FieldLogger) StoreOption {
	return func(c *StoreCatalog) {
		if log != nil {
			c.log = log
		}
	}
}

// NewStore returns a catalog backed by store.
func NewStore(store cube.Store, opts ...StoreOption) *StoreCatalog {
	c := &StoreCatalog{store: store, prefix: "catalog", log: logging.Discard()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *StoreCatalog) key(parts ...string) string {
	if c.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{c.prefix}, parts...)...)
}

func (c *StoreCatalog) productPath(name string) string { return c.key("products", name+".json") }
func (c *StoreCatalog) datasetPath(id uuid.UUID) string {
	return c.key("datasets", id.String()+".json")
}
func (c *StoreCatalog) markerDir(product string) string { return c.key("by-product", product) + "/" }

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("catalog: invalid product name %q", name)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Products
// -----------------------------------------------------------------------------

// Product returns a product by name.
func (c *StoreCatalog) Product(ctx context.Context, name string) (*cube.Product, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	var p cube.Product
	if err := cube.GetJSON(ctx, c.store, c.productPath(name), &p); err != nil {
		return nil, fmt.Errorf("catalog: product %s: %w", name, err)
	}
	return &p, nil
}

// AddProduct stores a new product.
func (c *StoreCatalog) AddProduct(ctx context.Context, p *cube.Product) (*cube.Product, error) {
	if err := validName(p.Name); err != nil {
		return nil, err
	}
	data, err := cube.JSON.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("catalog: encode product: %w", err)
	}
	pth := c.productPath(p.Name)
	if cw, ok := c.store.(cube.ConditionalWriter); ok {
		err = cw.CompareAndSwap(ctx, pth, "", string(data))
	} else {
		err = c.store.Put(ctx, pth, bytes.NewReader(data))
	}
	if errors.Is(err, cube.ErrConflict) || errors.Is(err, cube.ErrPathExists) {
		return nil, fmt.Errorf("%w: %s", ErrProductExists, p.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: add product %s: %w", p.Name, err)
	}
	c.log.WithField("product", p.Name).Info("product added")
	return p, nil
}

// UpdateProduct replaces an existing product definition.
func (c *StoreCatalog) UpdateProduct(ctx context.Context, p *cube.Product) (*cube.Product, error) {
	if err := validName(p.Name); err != nil {
		return nil, err
	}
	cw, ok := c.store.(cube.ConditionalWriter)
	if !ok {
		return nil, errors.New("catalog: store does not support product updates")
	}
	pth := c.productPath(p.Name)
	current, err := cube.ReadAll(ctx, c.store, pth)
	if err != nil {
		return nil, fmt.Errorf("catalog: product %s: %w", p.Name, err)
	}
	data, err := cube.JSON.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("catalog: encode product: %w", err)
	}
	if err := cw.CompareAndSwap(ctx, pth, string(current), string(data)); err != nil {
		return nil, fmt.Errorf("catalog: update product %s: %w", p.Name, err)
	}
	c.log.WithField("product", p.Name).Info("product updated")
	return p, nil
}

// -----------------------------------------------------------------------------
// Datasets
// -----------------------------------------------------------------------------

// AddDataset stores ds and its product marker. Resolved Sources are folded
// into SourceIDs and not stored inline.
func (c *StoreCatalog) AddDataset(ctx context.Context, ds *cube.Dataset, policy SourcesPolicy) error {
	if ds.ID == uuid.Nil {
		return errors.New("catalog: dataset has no id")
	}
	if err := validName(ds.Product); err != nil {
		return err
	}
	if _, err := c.Product(ctx, ds.Product); err != nil {
		return err
	}

	doc := *ds
	doc.SourceIDs = sourceIDs(ds)
	doc.Sources = nil

	if policy == Verify {
		for classifier, id := range doc.SourceIDs {
			ok, err := c.store.Exists(ctx, c.datasetPath(id))
			if err != nil {
				return fmt.Errorf("catalog: check source %s: %w", id, err)
			}
			if !ok {
				return fmt.Errorf("%w: %s source %s (%s)", ErrSourceMissing, ds.ID, id, classifier)
			}
		}
	}

	err := cube.PutJSON(ctx, c.store, c.datasetPath(ds.ID), &doc)
	if errors.Is(err, cube.ErrPathExists) {
		c.log.WithField("dataset", ds.ID).Debug("dataset already indexed")
	} else if err != nil {
		return fmt.Errorf("catalog: add dataset %s: %w", ds.ID, err)
	}

	// The marker goes last so Search never sees a dataset without a document.
	err = c.store.Put(ctx, c.markerDir(ds.Product)+ds.ID.String(), bytes.NewReader(nil))
	if err != nil && !errors.Is(err, cube.ErrPathExists) {
		return fmt.Errorf("catalog: add dataset marker %s: %w", ds.ID, err)
	}
	return nil
}

func sourceIDs(ds *cube.Dataset) map[string]uuid.UUID {
	if len(ds.SourceIDs) == 0 && len(ds.Sources) == 0 {
		return nil
	}
	out := make(map[string]uuid.UUID, len(ds.SourceIDs)+len(ds.Sources))
	for k, id := range ds.SourceIDs {
		out[k] = id
	}
	for k, src := range ds.Sources {
		if src != nil {
			out[k] = src.ID
		}
	}
	return out
}

// Dataset loads a dataset, optionally resolving its full lineage.
func (c *StoreCatalog) Dataset(ctx context.Context, id uuid.UUID, withSources bool) (*cube.Dataset, error) {
	return c.dataset(ctx, id, withSources, make(map[uuid.UUID]*cube.Dataset))
}

func (c *StoreCatalog) dataset(ctx context.Context, id uuid.UUID, withSources bool, seen map[uuid.UUID]*cube.Dataset) (*cube.Dataset, error) {
	if ds, ok := seen[id]; ok {
		return ds, nil
	}
	var ds cube.Dataset
	if err := cube.GetJSON(ctx, c.store, c.datasetPath(id), &ds); err != nil {
		return nil, fmt.Errorf("catalog: dataset %s: %w", id, err)
	}
	seen[id] = &ds
	if !withSources || len(ds.SourceIDs) == 0 {
		return &ds, nil
	}
	ds.Sources = make(map[string]*cube.Dataset, len(ds.SourceIDs))
	for classifier, srcID := range ds.SourceIDs {
		src, err := c.dataset(ctx, srcID, true, seen)
		if err != nil {
			return nil, err
		}
		ds.Sources[classifier] = src
	}
	return &ds, nil
}

// Search returns the product's datasets whose center time and extent match q.
func (c *StoreCatalog) Search(ctx context.Context, product string, q cube.Query) ([]*cube.Dataset, error) {
	if err := validName(product); err != nil {
		return nil, err
	}
	dir := c.markerDir(product)
	markers, err := c.store.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: list %s: %w", product, err)
	}

	var out []*cube.Dataset
	for _, m := range markers {
		id, err := uuid.Parse(path.Base(m))
		if err != nil {
			c.log.WithField("path", m).Warn("ignoring malformed dataset marker")
			continue
		}
		ds, err := c.dataset(ctx, id, false, make(map[uuid.UUID]*cube.Dataset))
		if err != nil {
			return nil, err
		}
		if q.MatchTime(ds.CenterTime) && q.MatchExtent(ds.Extent) {
			out = append(out, ds)
		}
	}
	slices.SortFunc(out, func(a, b *cube.Dataset) int {
		if d := a.CenterTime.Compare(b.CenterTime); d != 0 {
			return d
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}
