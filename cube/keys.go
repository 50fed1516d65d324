package cube

import (
	"io"
	"path"
	"strings"
)

// CleanKey returns key in canonical form: slash separated, relative to the
// store root and free of dot elements. Keys that would leave the root are
// rejected with ErrInvalidPath.
//
// With prefix set, an empty key selects everything and a trailing slash is
// kept, so "index/a/" does not match "index/ab".
func CleanKey(key string, prefix bool) (string, error) {
	if key == "" {
		if prefix {
			return "", nil
		}
		return "", ErrInvalidPath
	}
	k := strings.TrimLeft(path.Clean("/"+key), "/")
	switch {
	case k == "" && prefix:
		return "", nil
	case k == "":
		return "", ErrInvalidPath
	}
	for _, elem := range strings.Split(key, "/") {
		if elem == ".." {
			return "", ErrInvalidPath
		}
	}
	if prefix && strings.HasSuffix(key, "/") {
		k += "/"
	}
	return k, nil
}

// sliceRange returns a copy of at most length bytes of data from offset.
func sliceRange(data []byte, offset, length int64) []byte {
	if offset >= int64(len(data)) {
		return []byte{}
	}
	end := min(offset+length, int64(len(data)))
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out
}

// Close closes c and drops the error. For deferred closes of read handles.
func Close(c io.Closer) { _ = c.Close() }
