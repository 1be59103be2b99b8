package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-scrape-estates/config"
	"github.com/aluiziolira/go-scrape-estates/models"
	"github.com/aluiziolira/go-scrape-estates/parser"
	lru "github.com/hashicorp/golang-lru/v2"
)

// FlushResult reports what one flush did.
type FlushResult struct {
	Flushed      int // records durably written by this flush
	Batch        int // 1-based batch number, 0 when nothing was due
	Recovered    bool
	RecoveryPath string
}

// Stats is a snapshot of the accumulator's counters.
type Stats struct {
	Added      int
	Written    int
	Recovered  int
	Duplicates int
	Flushes    int
}

// Accumulator buffers records across pages and flushes fixed-size batches
// to the store. Once a record is added it is written exactly once, to the
// store or to a recovery file, before its batch buffer is cleared. Append
// failures are downgraded to recovery files and logged; they never
// propagate as crawl failures.
type Accumulator struct {
	ctx       context.Context
	store     Store
	sink      RowSink
	batchSize int

	buffer  []models.Record
	dedupe  *lru.Cache[string, struct{}]
	batches int
	stats   Stats

	now func() time.Time
}

// NewAccumulator builds an accumulator flushing to store.
func NewAccumulator(ctx context.Context, store Store, cfg *config.Config) (*Accumulator, error) {
	dedupe, err := lru.New[string, struct{}](cfg.DedupeMaxSize)
	if err != nil {
		return nil, err
	}
	return &Accumulator{
		ctx:       ctx,
		store:     store,
		batchSize: cfg.BatchSize,
		buffer:    make([]models.Record, 0, cfg.BatchSize),
		dedupe:    dedupe,
		now:       time.Now,
	}, nil
}

// SetSink attaches an optional secondary sink fed after successful store
// appends. Sink failures are logged and never fail a flush.
func (a *Accumulator) SetSink(sink RowSink) {
	a.sink = sink
}

// AddPage appends a page of records to the buffer, skipping listings whose
// posting id was already seen this run.
func (a *Accumulator) AddPage(page []models.Record) {
	for _, record := range page {
		if id := record.PostingID(); id != "" {
			if _, dup := a.dedupe.Get(id); dup {
				a.stats.Duplicates++
				continue
			}
			a.dedupe.Add(id, struct{}{})
		}
		a.buffer = append(a.buffer, record)
		a.stats.Added++
	}
}

// FlushIfDue flushes when the buffer reached the batch size.
func (a *Accumulator) FlushIfDue() FlushResult {
	if len(a.buffer) < a.batchSize {
		return FlushResult{}
	}
	return a.flush()
}

// FinalFlush flushes whatever is buffered, regardless of size. Called for
// the crawl remainder and before every retry wait or abort.
func (a *Accumulator) FinalFlush() FlushResult {
	if len(a.buffer) == 0 {
		return FlushResult{}
	}
	return a.flush()
}

// Buffered reports how many records await the next flush.
func (a *Accumulator) Buffered() int {
	return len(a.buffer)
}

// Stats returns a snapshot of the counters.
func (a *Accumulator) Stats() Stats {
	return a.stats
}

func (a *Accumulator) flush() FlushResult {
	a.batches++
	result := FlushResult{Flushed: len(a.buffer), Batch: a.batches}

	stamp := a.now().UTC().Format(time.RFC3339)
	rows := make([]models.FlatRow, len(a.buffer))
	for i, record := range a.buffer {
		row := parser.Flatten(record)
		row["scraped_at"] = stamp
		rows[i] = row
	}

	if err := a.store.Append(rows); err != nil {
		perr := &PersistenceError{Batch: a.batches, Err: err}
		recoveryPath, werr := a.store.WriteRecovery(a.batches, rows)
		if werr != nil {
			// Both the append and the recovery write failed; the rows stay
			// buffered so the next flush can try again.
			slog.Error("recovery write failed, keeping batch buffered",
				slog.Int("batch", a.batches),
				slog.Int("rows", len(rows)),
				slog.Any("append_error", perr),
				slog.Any("recovery_error", werr),
			)
			a.batches--
			return FlushResult{}
		}
		slog.Error("store append failed, batch diverted to recovery file",
			slog.Int("batch", a.batches),
			slog.Int("rows", len(rows)),
			slog.Int("columns", countColumns(rows)),
			slog.String("recovery_file", recoveryPath),
			slog.Any("error", perr),
		)
		result.Recovered = true
		result.RecoveryPath = recoveryPath
		a.stats.Recovered += len(rows)
	} else {
		a.stats.Written += len(rows)
		if a.sink != nil {
			if inserted, err := a.sink.Insert(a.ctx, rows); err != nil {
				slog.Warn("secondary sink insert failed",
					slog.Int("batch", a.batches),
					slog.Any("error", err),
				)
			} else {
				slog.Debug("secondary sink insert",
					slog.Int("batch", a.batches),
					slog.Int("inserted", inserted),
				)
			}
		}
	}

	a.stats.Flushes++
	a.buffer = a.buffer[:0]
	return result
}

func countColumns(rows []models.FlatRow) int {
	columns := make(map[string]struct{})
	for _, row := range rows {
		for col := range row {
			columns[col] = struct{}{}
		}
	}
	return len(columns)
}
