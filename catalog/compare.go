package catalog

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/pithecene-io/cubeingest/cube"
)

// Change is one differing field between two product definitions.
type Change struct {
	Path string
	Old  any
	New  any
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %v -> %v", c.Path, c.Old, c.New)
}

// safeFields may change without invalidating stored data.
var safeFields = map[string]bool{
	"Description": true,
	"Metadata":    true,
}

// CompareProducts reports the differences between an existing product and a
// proposed replacement, split into safe and unsafe changes. Both products
// are compared in their stored (JSON) form.
func CompareProducts(existing, proposed *cube.Product) (safe, unsafe []Change, err error) {
	a, err := normalize(existing)
	if err != nil {
		return nil, nil, err
	}
	b, err := normalize(proposed)
	if err != nil {
		return nil, nil, err
	}

	var r changeReporter
	cmp.Equal(a, b, cmpopts.EquateEmpty(), cmp.Reporter(&r))
	for _, c := range r.changes {
		top, _, _ := strings.Cut(c.Path, ".")
		if safeFields[top] {
			safe = append(safe, c)
		} else {
			unsafe = append(unsafe, c)
		}
	}
	return safe, unsafe, nil
}

func normalize(p *cube.Product) (*cube.Product, error) {
	if p == nil {
		return &cube.Product{}, nil
	}
	data, err := cube.JSON.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("catalog: encode product: %w", err)
	}
	var out cube.Product
	if err := cube.JSON.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("catalog: decode product: %w", err)
	}
	return &out, nil
}

// changeReporter collects the leaf differences found by cmp.Equal.
type changeReporter struct {
	path    cmp.Path
	changes []Change
}

func (r *changeReporter) PushStep(ps cmp.PathStep) { r.path = append(r.path, ps) }

func (r *changeReporter) PopStep() { r.path = r.path[:len(r.path)-1] }

func (r *changeReporter) Report(rs cmp.Result) {
	if rs.Equal() {
		return
	}
	vx, vy := r.path.Last().Values()
	r.changes = append(r.changes, Change{
		Path: r.path.String(),
		Old:  valueOf(vx),
		New:  valueOf(vy),
	})
}

func valueOf(v reflect.Value) any {
	if !v.IsValid() || !v.CanInterface() {
		return nil
	}
	return v.Interface()
}
