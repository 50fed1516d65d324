package cube

import (
	"bytes"
	"context"
	"io"
	"slices"
	"strings"
	"sync"
)

type memStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory returns a Store kept in a map, safe for concurrent use. It
// implements RangeReader and ConditionalWriter. Tests and single-process
// dry runs use it.
func NewMemory() Store {
	return &memStore{objects: make(map[string][]byte)}
}

// load returns the object under key, which must already be clean.
func (m *memStore) load(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}

func (m *memStore) Put(_ context.Context, key string, r io.Reader) error {
	k, err := CleanKey(key, false)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[k]; ok {
		return ErrPathExists
	}
	m.objects[k] = data
	return nil
}

func (m *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	k, err := CleanKey(key, false)
	if err != nil {
		return nil, err
	}
	data, ok := m.load(k)
	if !ok {
		return nil, ErrNotFound
	}
	// Stored slices are never mutated, so readers can share them.
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	k, err := CleanKey(key, false)
	if err != nil {
		return false, err
	}
	_, ok := m.load(k)
	return ok, nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]string, error) {
	p, err := CleanKey(prefix, true)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	slices.Sort(keys)
	return keys, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	k, err := CleanKey(key, false)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, k)
	m.mu.Unlock()
	return nil
}

func (m *memStore) ReadRange(_ context.Context, key string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, ErrInvalidPath
	}
	k, err := CleanKey(key, false)
	if err != nil {
		return nil, err
	}
	data, ok := m.load(k)
	if !ok {
		return nil, ErrNotFound
	}
	return sliceRange(data, offset, length), nil
}

func (m *memStore) CompareAndSwap(_ context.Context, key, expected, replacement string) error {
	k, err := CleanKey(key, false)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.objects[k]
	if !casMatches(current, ok, expected) {
		return ErrConflict
	}
	m.objects[k] = []byte(replacement)
	return nil
}

// casMatches reports whether an object in state (current, exists) may be
// replaced by a writer that read expected.
func casMatches(current []byte, exists bool, expected string) bool {
	if !exists {
		return expected == ""
	}
	return string(current) == expected
}
