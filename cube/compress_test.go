package cube

import (
	"bytes"
	"errors"
	"testing"
)

func TestCompressBytes(t *testing.T) {
	payload := bytes.Repeat([]byte("chunk-data-"), 512)

	for _, name := range []string{CompressionNone, CompressionGzip, CompressionZstd} {
		t.Run(name, func(t *testing.T) {
			c, err := CompressorByName(name)
			if err != nil {
				t.Fatal(err)
			}
			packed, err := CompressBytes(c, payload)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			if name != CompressionNone && len(packed) >= len(payload) {
				t.Errorf("%s did not shrink repetitive input: %d >= %d", name, len(packed), len(payload))
			}
			got, err := DecompressBytes(c, packed)
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Error("round trip mismatch")
			}
		})
	}
}

// Chunks written by the block encoder must stay readable by the streaming
// decoder, which task files and external readers use.
func TestZstd_BlockAndStream(t *testing.T) {
	c := NewZstdCompressor()
	packed, err := CompressBytes(c, []byte("tile 15 -40"))
	if err != nil {
		t.Fatal(err)
	}
	r, err := c.Decompress(bytes.NewReader(packed))
	if err != nil {
		t.Fatal(err)
	}
	defer Close(r)
	var got bytes.Buffer
	if _, err := got.ReadFrom(r); err != nil {
		t.Fatal(err)
	}
	if got.String() != "tile 15 -40" {
		t.Errorf("stream decode = %q", got.String())
	}
}

func TestCompressorByName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", CompressionNone},
		{"noop", CompressionNone},
		{"none", CompressionNone},
		{"zlib", CompressionGzip},
		{"gzip", CompressionGzip},
		{"zstd", CompressionZstd},
	}
	for _, tt := range tests {
		c, err := CompressorByName(tt.in)
		if err != nil {
			t.Fatalf("CompressorByName(%q): %v", tt.in, err)
		}
		if c.Name() != tt.want {
			t.Errorf("CompressorByName(%q) = %q, want %q", tt.in, c.Name(), tt.want)
		}
	}

	if _, err := CompressorByName("lzma"); !errors.Is(err, ErrUnknownCompressor) {
		t.Errorf("expected ErrUnknownCompressor, got %v", err)
	}
}
