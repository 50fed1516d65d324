package cube

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression names recorded in KeyMap.Compression.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

var compressionAliases = map[string]string{
	"":     CompressionNone,
	"noop": CompressionNone,
	"zlib": CompressionGzip,
}

// CompressorByName resolves a compression name, including the empty name
// and the "noop" and "zlib" aliases.
func CompressorByName(name string) (Compressor, error) {
	if alias, ok := compressionAliases[name]; ok {
		name = alias
	}
	switch name {
	case CompressionNone:
		return passthrough{}, nil
	case CompressionGzip:
		return gzipCodec{}, nil
	case CompressionZstd:
		return NewZstdCompressor(), nil
	}
	return nil, fmt.Errorf("cube: %w: %q", ErrUnknownCompressor, name)
}

// CompressBytes compresses a whole chunk.
func CompressBytes(c Compressor, data []byte) ([]byte, error) {
	if z, ok := c.(zstdCodec); ok {
		enc, err := z.encoder()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	}
	var buf bytes.Buffer
	w, err := c.Compress(&buf)
	if err != nil {
		return nil, err
	}
	_, werr := w.Write(data)
	if cerr := w.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, werr
	}
	return buf.Bytes(), nil
}

// DecompressBytes reverses CompressBytes.
func DecompressBytes(c Compressor, data []byte) ([]byte, error) {
	if z, ok := c.(zstdCodec); ok {
		dec, err := z.decoder()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(data, nil)
	}
	r, err := c.Decompress(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer Close(r)
	return io.ReadAll(r)
}

type passthrough struct{}

func (passthrough) Name() string { return CompressionNone }

func (passthrough) Compress(w io.Writer) (io.WriteCloser, error) { return nopWriteCloser{w}, nil }

func (passthrough) Decompress(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(r), nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type gzipCodec struct{}

func (gzipCodec) Name() string { return CompressionGzip }

func (gzipCodec) Compress(w io.Writer) (io.WriteCloser, error) { return gzip.NewWriter(w), nil }

func (gzipCodec) Decompress(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) }

// Shared block codecs for CompressBytes and DecompressBytes. Both are safe
// for concurrent EncodeAll and DecodeAll calls.
var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

type zstdCodec struct{}

// NewZstdCompressor returns the zstd codec. Chunks and task files default
// to zstd.
func NewZstdCompressor() Compressor { return zstdCodec{} }

func (zstdCodec) Name() string { return CompressionZstd }

func (zstdCodec) Compress(w io.Writer) (io.WriteCloser, error) { return zstd.NewWriter(w) }

func (zstdCodec) Decompress(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

func (zstdCodec) init() {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
}

func (z zstdCodec) encoder() (*zstd.Encoder, error) {
	z.init()
	return zstdEnc, zstdErr
}

func (z zstdCodec) decoder() (*zstd.Decoder, error) {
	z.init()
	return zstdDec, zstdErr
}
