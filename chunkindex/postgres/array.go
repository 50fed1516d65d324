package postgres

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// float8Matrix is a two-dimensional double precision[] value whose nil
// elements map to SQL NULL. Encoding goes through pq.GenericArray; lib/pq
// cannot scan multidimensional arrays, so Scan parses the literal itself.
type float8Matrix [][]*float64

// Value encodes the matrix as a Postgres array literal.
func (m float8Matrix) Value() (driver.Value, error) {
	rows := make([][]sql.NullFloat64, len(m))
	for i, row := range m {
		rows[i] = make([]sql.NullFloat64, len(row))
		for j, v := range row {
			if v != nil {
				rows[i][j] = sql.NullFloat64{Float64: *v, Valid: true}
			}
		}
	}
	return pq.GenericArray{A: rows}.Value()
}

// Scan decodes a Postgres array literal.
func (m *float8Matrix) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("postgres: cannot scan %T into float8 matrix", src)
	}
	out, err := parseFloat8Matrix(s)
	if err != nil {
		return err
	}
	*m = out
	return nil
}

func parseFloat8Matrix(s string) (float8Matrix, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return nil, fmt.Errorf("postgres: malformed array literal %q", s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	out := float8Matrix{}
	for body != "" {
		if body[0] != '{' {
			return nil, fmt.Errorf("postgres: expected nested array in %q", s)
		}
		end := strings.IndexByte(body, '}')
		if end < 0 {
			return nil, fmt.Errorf("postgres: unterminated nested array in %q", s)
		}
		row, err := parseFloat8Row(body[1:end])
		if err != nil {
			return nil, err
		}
		out = append(out, row)
		body = strings.TrimSpace(body[end+1:])
		body = strings.TrimSpace(strings.TrimPrefix(body, ","))
	}
	return out, nil
}

func parseFloat8Row(s string) ([]*float64, error) {
	if strings.TrimSpace(s) == "" {
		return []*float64{}, nil
	}
	fields := strings.Split(s, ",")
	row := make([]*float64, len(fields))
	for i, f := range fields {
		f = strings.TrimSpace(f)
		if strings.EqualFold(f, "NULL") {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("postgres: array element %q: %w", f, err)
		}
		row[i] = &v
	}
	return row, nil
}

// denseMatrix converts rows without NULLs.
func denseMatrix(rows [][]float64) float8Matrix {
	out := make(float8Matrix, len(rows))
	for i, row := range rows {
		out[i] = make([]*float64, len(row))
		for j := range row {
			v := row[j]
			out[i][j] = &v
		}
	}
	return out
}

// dense converts back, mapping NULL to zero.
func (m float8Matrix) dense() [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = make([]float64, len(row))
		for j, v := range row {
			if v != nil {
				out[i][j] = *v
			}
		}
	}
	return out
}
