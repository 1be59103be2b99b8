package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/aluiziolira/go-scrape-estates/models"
	"github.com/parquet-go/parquet-go"
)

// Column kinds inferred from row values. Flattened payload leaves are JSON
// scalars, so string, double, and boolean cover the whole value space.
type columnKind int

const (
	kindString columnKind = iota
	kindDouble
	kindBool
)

func writeParquet(filename string, rows []models.FlatRow) error {
	kinds := columnKinds(rows)
	schema := buildSchema(kinds)

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}

	writer := parquet.NewGenericWriter[any](f, schema)
	if _, err := writer.Write(encodeRows(rows, kinds)); err != nil {
		writer.Close()
		f.Close()
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return f.Close()
}

func readParquet(filename string) ([]models.FlatRow, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[any](f)
	defer reader.Close()

	rows := make([]models.FlatRow, 0, reader.NumRows())
	buf := make([]any, 64)
	for {
		n, err := reader.Read(buf)
		for i := 0; i < n; i++ {
			obj, ok := buf[i].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("parquet row %d is not an object", len(rows))
			}
			row := make(models.FlatRow, len(obj))
			for k, v := range obj {
				if v != nil {
					row[k] = v
				}
			}
			rows = append(rows, row)
			buf[i] = nil
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return rows, nil
}

// columnKinds assigns each column the kind of its first non-nil value.
// Columns never observed non-nil default to string.
func columnKinds(rows []models.FlatRow) map[string]columnKind {
	kinds := make(map[string]columnKind)
	for _, row := range rows {
		for col, v := range row {
			if _, seen := kinds[col]; seen || v == nil {
				continue
			}
			switch v.(type) {
			case float64, int, int64:
				kinds[col] = kindDouble
			case bool:
				kinds[col] = kindBool
			default:
				kinds[col] = kindString
			}
		}
	}
	for _, row := range rows {
		for col := range row {
			if _, seen := kinds[col]; !seen {
				kinds[col] = kindString
			}
		}
	}
	return kinds
}

func buildSchema(kinds map[string]columnKind) *parquet.Schema {
	group := parquet.Group{}
	for col, kind := range kinds {
		var node parquet.Node
		switch kind {
		case kindDouble:
			node = parquet.Leaf(parquet.DoubleType)
		case kindBool:
			node = parquet.Leaf(parquet.BooleanType)
		default:
			node = parquet.String()
		}
		group[col] = parquet.Optional(node)
	}
	return parquet.NewSchema("listing", group)
}

// encodeRows coerces every value to its column's kind so batches with
// drifting value types still fit one table schema.
func encodeRows(rows []models.FlatRow, kinds map[string]columnKind) []any {
	encoded := make([]any, len(rows))
	for i, row := range rows {
		out := make(map[string]any, len(row))
		for col, v := range row {
			if v == nil {
				continue
			}
			if coerced := coerceValue(v, kinds[col]); coerced != nil {
				out[col] = coerced
			}
		}
		encoded[i] = out
	}
	return encoded
}

func coerceValue(v any, kind columnKind) any {
	switch kind {
	case kindDouble:
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case int64:
			return float64(n)
		case string:
			if parsed, err := strconv.ParseFloat(n, 64); err == nil {
				return parsed
			}
			return nil
		default:
			return nil
		}
	case kindBool:
		if b, ok := v.(bool); ok {
			return b
		}
		return nil
	default:
		switch s := v.(type) {
		case string:
			return s
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(s)
		default:
			return fmt.Sprint(s)
		}
	}
}
