// Package pipeline accumulates extracted records and persists them durably.
package pipeline

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aluiziolira/go-scrape-estates/models"
)

const (
	dataFileName   = "data.parquet"
	runStampFormat = "2006-01-02-15-04-05"
)

// Store is the durable run-scoped dataset flushed batches are appended to.
// A failed append must never lose the batch, hence the recovery-file path.
type Store interface {
	Append(rows []models.FlatRow) error
	WriteRecovery(batch int, rows []models.FlatRow) (string, error)
	Root() string
	ReadAll() ([]models.FlatRow, error)
}

// PersistenceError wraps a store append failure for a specific batch. It is
// handled at the accumulator boundary and never surfaces as a crawl error.
type PersistenceError struct {
	Batch int
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence batch %d: %v", e.Batch, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ParquetStore persists rows as a single Parquet table under a run-scoped
// directory named from the target and a creation timestamp. The directory
// is created lazily on the first append, so an empty crawl leaves nothing
// behind. Appends are read-modify-rewrite: the existing table is reloaded,
// the batch concatenated under the union schema (columns absent in older
// batches read as null), and the file atomically replaced. The store
// assumes a single writer; concurrent runs must use separate directories.
type ParquetStore struct {
	outputDir string
	target    string
	root      string

	now func() time.Time
}

// NewParquetStore returns a store rooted under outputDir for one target.
func NewParquetStore(outputDir, target string) *ParquetStore {
	return &ParquetStore{
		outputDir: outputDir,
		target:    target,
		now:       time.Now,
	}
}

// Root returns the run directory, or "" before the first append.
func (s *ParquetStore) Root() string {
	return s.root
}

// Append concatenates rows onto the run's data file, creating the run
// directory and initial table on first use.
func (s *ParquetStore) Append(rows []models.FlatRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	dataPath := filepath.Join(s.root, dataFileName)
	var combined []models.FlatRow
	if _, err := os.Stat(dataPath); err == nil {
		existing, err := readParquet(dataPath)
		if err != nil {
			return fmt.Errorf("read existing table: %w", err)
		}
		combined = append(existing, rows...)
	} else if os.IsNotExist(err) {
		combined = rows
	} else {
		return fmt.Errorf("stat data file: %w", err)
	}

	tmpPath := dataPath + ".tmp"
	if err := writeParquet(tmpPath, combined); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dataPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace data file: %w", err)
	}
	return nil
}

// WriteRecovery writes rows to a standalone file tagged with the failed
// batch number, next to the main table.
func (s *ParquetStore) WriteRecovery(batch int, rows []models.FlatRow) (string, error) {
	if err := s.ensureRoot(); err != nil {
		return "", err
	}
	recoveryPath := filepath.Join(s.root, fmt.Sprintf("recovery-%d.parquet", batch))
	if err := writeParquet(recoveryPath, rows); err != nil {
		return "", err
	}
	return recoveryPath, nil
}

// ReadAll reloads every row of the run's main table.
func (s *ParquetStore) ReadAll() ([]models.FlatRow, error) {
	if s.root == "" {
		return nil, nil
	}
	dataPath := filepath.Join(s.root, dataFileName)
	if _, err := os.Stat(dataPath); os.IsNotExist(err) {
		return nil, nil
	}
	return readParquet(dataPath)
}

func (s *ParquetStore) ensureRoot() error {
	if s.root != "" {
		return nil
	}
	name := fmt.Sprintf("%s-%s", TargetSlug(s.target), s.now().Format(runStampFormat))
	root := filepath.Join(s.outputDir, name)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create run directory %q: %w", root, err)
	}
	s.root = root
	return nil
}

// TargetSlug reduces a target URL to the path segment naming the search,
// e.g. "https://host/departamentos-alquiler.html" -> "departamentos-alquiler".
func TargetSlug(target string) string {
	parsed, err := url.Parse(target)
	if err != nil || parsed.Path == "" {
		return "crawl"
	}
	slug := path.Base(strings.TrimSuffix(parsed.Path, "/"))
	slug = strings.TrimSuffix(slug, ".html")
	if slug == "" || slug == "." || slug == "/" {
		return "crawl"
	}
	return slug
}
