package parser

import (
	"strconv"

	"github.com/aluiziolira/go-scrape-estates/models"
)

// Flatten projects a nested Record onto a single-level row. Object keys are
// joined with ".", array elements are indexed with "[i]", and scalars are
// stored unchanged under their full path. Flattening is a pure function of
// the record: the same record always yields the same key set and values,
// and missing nested fields simply produce absent keys.
func Flatten(record models.Record) models.FlatRow {
	row := make(models.FlatRow, len(record)*2)
	flattenMap("", record, row)
	return row
}

func flattenMap(path string, obj map[string]any, row models.FlatRow) {
	for key, value := range obj {
		full := key
		if path != "" {
			full = path + "." + key
		}
		flattenValue(full, value, row)
	}
}

func flattenValue(path string, value any, row models.FlatRow) {
	switch v := value.(type) {
	case models.Record:
		flattenMap(path, v, row)
	case map[string]any:
		flattenMap(path, v, row)
	case []any:
		for i, item := range v {
			flattenValue(path+"["+strconv.Itoa(i)+"]", item, row)
		}
	default:
		row[path] = v
	}
}
