//go:build unix

package cube

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// CompareAndSwap serialises writers on an flock held on key+".lock", then
// publishes the replacement with a rename so readers never see a partial
// document.
func (f *fsStore) CompareAndSwap(_ context.Context, key, expected, replacement string) error {
	name, err := f.file(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	unlock, err := lockFile(name + lockSuffix)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := os.ReadFile(name)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if !casMatches(current, exists, expected) {
		return ErrConflict
	}

	tmp, err := writeTemp(dir, "cas", strings.NewReader(replacement))
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, name); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// lockFile takes an exclusive flock on name, creating it if needed.
func lockFile(name string) (unlock func(), err error) {
	lf, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	fd := int(lf.Fd())
	if err := syscall.Flock(fd, syscall.LOCK_EX); err != nil {
		_ = lf.Close()
		return nil, err
	}
	return func() {
		_ = syscall.Flock(fd, syscall.LOCK_UN)
		_ = lf.Close()
	}, nil
}
