package cube

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// JSON is the codec used for every JSON document the pipeline persists.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

const maxScanTokenSize = 64 * 1024 * 1024 // 64MB

// -----------------------------------------------------------------------------
// JSON documents
// -----------------------------------------------------------------------------

// PutJSON encodes v and writes it write-once to path.
func PutJSON(ctx context.Context, store Store, path string, v any) error {
	data, err := JSON.Marshal(v)
	if err != nil {
		return fmt.Errorf("cube: encode %s: %w", path, err)
	}
	return store.Put(ctx, path, bytes.NewReader(data))
}

// GetJSON reads path and decodes it into v.
func GetJSON(ctx context.Context, store Store, path string, v any) error {
	data, err := ReadAll(ctx, store, path)
	if err != nil {
		return err
	}
	if err := JSON.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cube: decode %s: %w", path, err)
	}
	return nil
}

// ReadAll fetches the whole object at path.
func ReadAll(ctx context.Context, store Store, path string) ([]byte, error) {
	rc, err := store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer Close(rc)
	return io.ReadAll(rc)
}

// -----------------------------------------------------------------------------
// JSONL streams
// -----------------------------------------------------------------------------

// JSONLWriter writes one JSON value per line.
type JSONLWriter struct {
	enc *jsoniter.Encoder
}

// NewJSONLWriter creates a JSON Lines writer over w.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{enc: JSON.NewEncoder(w)}
}

// Write appends v as a single line.
func (j *JSONLWriter) Write(v any) error {
	return j.enc.Encode(v)
}

// JSONLReader reads JSON values written by JSONLWriter.
type JSONLReader struct {
	scanner *bufio.Scanner
}

// NewJSONLReader creates a JSON Lines reader over r.
func NewJSONLReader(r io.Reader) *JSONLReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)
	return &JSONLReader{scanner: scanner}
}

// Next decodes the next non-empty line into v. It returns io.EOF when the
// stream is exhausted.
func (j *JSONLReader) Next(v any) error {
	for j.scanner.Scan() {
		line := j.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return JSON.Unmarshal(line, v)
	}
	if err := j.scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
