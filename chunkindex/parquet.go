package chunkindex

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
)

// chunkRow is the Parquet schema of the chunk table.
type chunkRow struct {
	ID          string    `parquet:"id"`
	ChunkSetID  string    `parquet:"s3_dataset_id"`
	Key         string    `parquet:"s3_key"`
	ChunkID     string    `parquet:"chunk_id"`
	Compression string    `parquet:"compression_scheme"`
	MicroShape  []int64   `parquet:"micro_shape"`
	IndexMin    []float64 `parquet:"index_min"`
	IndexMax    []float64 `parquet:"index_max"`
}

func encodeChunkRows(chunks []*Chunk) ([]byte, error) {
	rows := make([]chunkRow, len(chunks))
	for i, c := range chunks {
		rows[i] = chunkRow{
			ID:          c.ID.String(),
			ChunkSetID:  c.ChunkSetID.String(),
			Key:         c.Key,
			ChunkID:     c.ChunkID,
			Compression: c.Compression,
			MicroShape:  c.MicroShape,
			IndexMin:    c.IndexMin,
			IndexMax:    c.IndexMax,
		}
	}
	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows, parquet.Compression(&parquet.Snappy)); err != nil {
		return nil, fmt.Errorf("chunkindex: encode chunk rows: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeChunkRows(data []byte) ([]*Chunk, error) {
	rows, err := parquet.Read[chunkRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("chunkindex: decode chunk rows: %w", err)
	}
	out := make([]*Chunk, len(rows))
	for i, r := range rows {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return nil, fmt.Errorf("chunkindex: chunk row %d id: %w", i, err)
		}
		setID, err := uuid.Parse(r.ChunkSetID)
		if err != nil {
			return nil, fmt.Errorf("chunkindex: chunk row %d set id: %w", i, err)
		}
		out[i] = &Chunk{
			ID:          id,
			ChunkSetID:  setID,
			Key:         r.Key,
			ChunkID:     r.ChunkID,
			Compression: r.Compression,
			MicroShape:  r.MicroShape,
			IndexMin:    r.IndexMin,
			IndexMax:    r.IndexMax,
		}
	}
	return out, nil
}
