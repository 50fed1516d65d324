//go:build !unix

package cube

import (
	"context"
	"errors"
)

var errNoFlock = errors.New("cube: compare-and-swap on the fs store needs flock")

func (f *fsStore) CompareAndSwap(context.Context, string, string, string) error {
	return errNoFlock
}
