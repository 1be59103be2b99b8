package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aluiziolira/go-scrape-estates/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RowSink receives flushed rows after a successful store append. Sinks are
// best-effort: the store remains the system of record.
type RowSink interface {
	Insert(ctx context.Context, rows []models.FlatRow) (int, error)
	Close()
}

// PGSink batch-inserts the published column subset into a Postgres table,
// keyed by posting id so re-crawled listings do not duplicate.
type PGSink struct {
	pool      *pgxpool.Pool
	table     string
	insertSQL string
}

// NewPGSink connects to Postgres and ensures the listings table exists.
func NewPGSink(ctx context.Context, dsn, schema string) (*PGSink, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pg dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pg pool: %w", err)
	}

	sink := &PGSink{
		pool:  pool,
		table: fmt.Sprintf("%q.listings", schema),
	}
	sink.insertSQL = buildInsertSQL(sink.table)
	if err := sink.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

// Insert writes one batch of rows, returning how many were new.
func (s *PGSink) Insert(ctx context.Context, rows []models.FlatRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	queued := 0
	for _, row := range rows {
		args, ok := publishedArgs(row)
		if !ok {
			continue
		}
		batch.Queue(s.insertSQL, args...)
		queued++
	}
	if queued == 0 {
		return 0, nil
	}

	results := s.pool.SendBatch(ctx, batch)
	inserted := 0
	for i := 0; i < queued; i++ {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return inserted, fmt.Errorf("pg insert: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return inserted, fmt.Errorf("pg batch close: %w", err)
	}
	return inserted, nil
}

// Close releases the connection pool.
func (s *PGSink) Close() {
	s.pool.Close()
}

func (s *PGSink) ensureTable(ctx context.Context) error {
	columns := make([]string, 0, len(PublishedColumns)+1)
	for _, pc := range PublishedColumns {
		columns = append(columns, pc.Name+" "+pgColumnType(pc.Name))
	}
	columns = append(columns, "scraped_at timestamptz")

	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (%s, PRIMARY KEY (posting_id))`,
		s.table, strings.Join(columns, ", "),
	)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure pg table: %w", err)
	}
	return nil
}

func buildInsertSQL(table string) string {
	names := make([]string, 0, len(PublishedColumns)+1)
	placeholders := make([]string, 0, len(PublishedColumns)+1)
	for i, pc := range PublishedColumns {
		names = append(names, pc.Name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
	}
	names = append(names, "scraped_at")
	placeholders = append(placeholders, fmt.Sprintf("$%d", len(PublishedColumns)+1))

	return fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (posting_id) DO NOTHING`,
		table, strings.Join(names, ", "), strings.Join(placeholders, ", "),
	)
}

// publishedArgs projects a row onto the insert argument list. Rows without
// a posting id cannot be keyed and are skipped.
func publishedArgs(row models.FlatRow) ([]any, bool) {
	args := make([]any, 0, len(PublishedColumns)+1)
	for _, pc := range PublishedColumns {
		value := row[pc.Path]
		switch pgColumnType(pc.Name) {
		case "double precision":
			if f, ok := value.(float64); ok {
				args = append(args, f)
			} else {
				args = append(args, nil)
			}
		default:
			if value == nil {
				args = append(args, nil)
			} else {
				args = append(args, formatValue(value))
			}
		}
	}
	if id, ok := args[0].(string); !ok || id == "" {
		return nil, false
	}

	if stamp, ok := row["scraped_at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, stamp); err == nil {
			args = append(args, parsed)
		} else {
			args = append(args, nil)
		}
	} else {
		args = append(args, nil)
	}
	return args, true
}

func pgColumnType(name string) string {
	switch name {
	case "geo_latitude", "geo_longitude":
		return "double precision"
	default:
		return "text"
	}
}
