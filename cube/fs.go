package cube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// Scratch files the fs store leaves beside objects. List hides them.
const (
	lockSuffix = ".lock"
	tempPrefix = ".cube-"
)

type fsStore struct {
	root string
}

// NewFS returns a Store rooted at an existing directory. Objects are plain
// files at root/key, so a local tree written here can be read by anything
// that understands the same key layout.
//
// Put publishes with a hard link from a temp file, which makes writes atomic
// and write-once across processes sharing the directory.
func NewFS(root string) (Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("cube: store root %s is not a directory", root)
	}
	return &fsStore{root: abs}, nil
}

// file maps a key to its path on disk.
func (f *fsStore) file(key string) (string, error) {
	k, err := CleanKey(key, false)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.root, filepath.FromSlash(k)), nil
}

func (f *fsStore) Put(_ context.Context, key string, r io.Reader) error {
	name, err := f.file(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := writeTemp(dir, "put", r)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	if err := os.Link(tmp, name); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrPathExists
		}
		return err
	}
	return nil
}

func (f *fsStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	name, err := f.file(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return file, err
}

func (f *fsStore) Exists(_ context.Context, key string) (bool, error) {
	name, err := f.file(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(name)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, err
	}
	return !info.IsDir(), nil
}

func (f *fsStore) List(_ context.Context, prefix string) ([]string, error) {
	p, err := CleanKey(prefix, true)
	if err != nil {
		return nil, err
	}
	// Walk the deepest directory that can hold matches.
	base := p
	if !strings.HasSuffix(base, "/") {
		base = path.Dir(base)
	}
	start := filepath.Join(f.root, filepath.FromSlash(base))

	var keys []string
	err = filepath.WalkDir(start, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || hidden(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(f.root, name)
		if err != nil {
			return err
		}
		if k := filepath.ToSlash(rel); strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}

func hidden(name string) bool {
	return strings.HasSuffix(name, lockSuffix) || strings.HasPrefix(name, tempPrefix)
}

func (f *fsStore) Delete(_ context.Context, key string) error {
	name, err := f.file(key)
	if err != nil {
		return err
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *fsStore) ReadRange(_ context.Context, key string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, ErrInvalidPath
	}
	name, err := f.file(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer Close(file)

	buf := make([]byte, length)
	n, err := file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// writeTemp copies r into a new hidden file in dir and returns its name.
func writeTemp(dir, kind string, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(dir, tempPrefix+kind+"-*")
	if err != nil {
		return "", err
	}
	_, werr := io.Copy(tmp, r)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		return "", werr
	}
	return tmp.Name(), nil
}
