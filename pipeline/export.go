package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/aluiziolira/go-scrape-estates/models"
)

// PublishedColumn maps a flattened payload path to its published name.
type PublishedColumn struct {
	Path string
	Name string
}

// PublishedColumns is the static projection used by the published export
// and the Postgres sink. It is configuration, not derived logic: the paths
// follow the source payload's layout.
var PublishedColumns = []PublishedColumn{
	{Path: "postingId", Name: "posting_id"},
	{Path: "priceOperationTypes[0].operationType.name", Name: "status"},
	{Path: "priceOperationTypes[0].prices[0].formattedAmount", Name: "price"},
	{Path: "priceOperationTypes[0].prices[0].currency", Name: "currency_price"},
	{Path: "expenses.formattedAmount", Name: "expenses"},
	{Path: "expenses.currency", Name: "currency_expenses"},
	{Path: "mainFeatures.CFT100.value", Name: "m2_total"},
	{Path: "mainFeatures.CFT101.value", Name: "m2_covered"},
	{Path: "mainFeatures.CFT1.value", Name: "room"},
	{Path: "mainFeatures.CFT2.value", Name: "bedroom"},
	{Path: "mainFeatures.CFT3.value", Name: "bathroom"},
	{Path: "mainFeatures.CFT5.value", Name: "antiquity"},
	{Path: "mainFeatures.CFT7.value", Name: "garage"},
	{Path: "publisher.publisherId", Name: "publisher_id"},
	{Path: "publisher.name", Name: "publisher_name"},
	{Path: "realEstateType.name", Name: "type"},
	{Path: "postingLocation.postingGeolocation.geolocation.latitude", Name: "geo_latitude"},
	{Path: "postingLocation.postingGeolocation.geolocation.longitude", Name: "geo_longitude"},
}

// ExportCSV writes the row set as two text tables under dir: a complete
// table carrying every flattened column (split across partitions when
// partitions > 1) and a published table restricted and renamed to the
// PublishedColumns subset. Returns the files written.
func ExportCSV(rows []models.FlatRow, dir string, partitions int) ([]string, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if partitions <= 0 {
		partitions = 1
	}

	columns := unionColumns(rows)
	var written []string

	parts := partitionRows(rows, partitions)
	for i, part := range parts {
		name := "complete.csv"
		if len(parts) > 1 {
			name = fmt.Sprintf("complete-part%d.csv", i+1)
		}
		filename := filepath.Join(dir, name)
		if err := writeCSV(filename, columns, columns, part); err != nil {
			return written, err
		}
		written = append(written, filename)
	}

	paths, names := publishedHeader(columns)
	if len(paths) == 0 {
		return written, nil
	}
	filename := filepath.Join(dir, "published.csv")
	if err := writeCSV(filename, paths, names, rows); err != nil {
		return written, err
	}
	return append(written, filename), nil
}

func unionColumns(rows []models.FlatRow) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for col := range row {
			seen[col] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for col := range seen {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns
}

// publishedHeader keeps only published columns present in the row set, in
// their configured order.
func publishedHeader(columns []string) (paths, names []string) {
	present := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		present[col] = struct{}{}
	}
	for _, pc := range PublishedColumns {
		if _, ok := present[pc.Path]; ok {
			paths = append(paths, pc.Path)
			names = append(names, pc.Name)
		}
	}
	return paths, names
}

func partitionRows(rows []models.FlatRow, partitions int) [][]models.FlatRow {
	if partitions > len(rows) {
		partitions = len(rows)
	}
	parts := make([][]models.FlatRow, 0, partitions)
	size := (len(rows) + partitions - 1) / partitions
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		parts = append(parts, rows[start:end])
	}
	return parts
}

func writeCSV(filename string, paths, header []string, rows []models.FlatRow) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("write csv header: %w", err)
	}

	record := make([]string, len(paths))
	for _, row := range rows {
		for i, path := range paths {
			record[i] = formatValue(row[path])
		}
		if err := writer.Write(record); err != nil {
			f.Close()
			return fmt.Errorf("write csv record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush csv records: %w", err)
	}
	return f.Close()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
