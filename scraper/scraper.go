// Package scraper drives the crawl: page fetching, pacing, bounded
// retry-with-wait, and the guarantee that fetched records are flushed
// before the crawl returns.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aluiziolira/go-scrape-estates/config"
	"github.com/aluiziolira/go-scrape-estates/models"
	"github.com/aluiziolira/go-scrape-estates/parser"
	"github.com/aluiziolira/go-scrape-estates/pipeline"
)

const (
	pageSegment   = "-pagina-"
	htmlExtension = ".html"
)

// Scraper supervises one crawl target. Pages are fetched strictly in
// increasing order by a single goroutine; the only suspension points are
// the pacing delay between fetches and the retry cooldown.
type Scraper struct {
	cfg     *config.Config
	fetcher Fetcher
	pacer   *Pacer
	acc     *pipeline.Accumulator
	Metrics *Metrics

	baseURL      string
	retryCount   int
	errorsByType map[string]int

	// wait is a seam so tests can skip real sleeps.
	wait func(ctx context.Context, d time.Duration) error
}

// NewScraper builds a supervisor for cfg's target, flushing through acc.
// A nil metrics bundle gets a fresh registry.
func NewScraper(cfg *config.Config, acc *pipeline.Accumulator, metrics *Metrics) (*Scraper, error) {
	fetcher, err := newCollyFetcher(cfg)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Scraper{
		cfg:          cfg,
		fetcher:      fetcher,
		pacer:        NewPacer(),
		acc:          acc,
		Metrics:      metrics,
		baseURL:      NormalizeTarget(cfg.BaseURL),
		errorsByType: make(map[string]int),
		wait:         sleepContext,
	}, nil
}

// NormalizeTarget strips the page-1 extension so page addresses can be
// derived from the bare resource.
func NormalizeTarget(target string) string {
	return strings.TrimSuffix(target, htmlExtension)
}

// Run executes the crawl state machine: fetch page 1, discover the total,
// then walk pages 2..totalPages with pacing between fetches. Failures
// funnel into a flush-then-wait retry cycle bounded by MaxRetries; both
// aborts and completion flush the accumulated remainder first.
func (s *Scraper) Run(ctx context.Context) (*models.CrawlResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result := &models.CrawlResult{
		Target:       s.cfg.BaseURL,
		StartTime:    time.Now(),
		ErrorsByType: s.errorsByType,
	}

	slog.Info("starting crawl", slog.String("target", s.cfg.BaseURL))

	page := 1
	totalPages := 1
	for page <= totalPages {
		records, markup, err := s.fetchPage(page)
		if err != nil {
			retryErr := s.handleFailure(ctx, page, err)
			if retryErr != nil {
				s.finish(result)
				return result, retryErr
			}
			continue // resume at the same page
		}

		s.pacer.RecordSuccess()
		s.acc.AddPage(records)

		if page == 1 {
			totalPages = s.discoverTotal(markup, len(records))
			result.TotalPages = totalPages
		}
		result.PageCount++

		s.observeFlush(s.acc.FlushIfDue())

		if page < totalPages {
			delay := s.nextDelay()
			if err := s.wait(ctx, delay); err != nil {
				s.finish(result)
				return result, err
			}
		}
		page++
	}

	s.finish(result)
	slog.Info("crawl finished",
		slog.String("target", s.cfg.BaseURL),
		slog.Int("records", result.TotalRecords),
		slog.Int("pages", result.PageCount),
		slog.Duration("elapsed", result.Duration()),
		slog.String("throughput", fmt.Sprintf("%.1f records/s", result.RecordsPerSecond())),
	)
	return result, nil
}

// fetchPage fetches and decodes one page, feeding the pacing window.
func (s *Scraper) fetchPage(page int) ([]models.Record, string, error) {
	pageURL := s.pageURL(page)

	start := time.Now()
	markup, err := s.fetcher.GetText(pageURL)
	if err != nil {
		return nil, "", err
	}
	latency := time.Since(start)
	s.pacer.RecordLatency(latency)
	s.Metrics.ObserveFetch(latency)

	records, err := parser.ExtractListings(markup)
	if err != nil {
		return nil, "", ErrExtraction{URL: pageURL, Err: err}
	}

	s.Metrics.IncPage()
	s.Metrics.AddRecords(len(records))
	return records, markup, nil
}

func (s *Scraper) pageURL(page int) string {
	if page == 1 {
		return s.baseURL + htmlExtension
	}
	return fmt.Sprintf("%s%s%d%s", s.baseURL, pageSegment, page, htmlExtension)
}

func (s *Scraper) discoverTotal(markup string, firstPageSize int) int {
	if firstPageSize == 0 {
		return 1
	}
	total := parser.DiscoverTotal(markup, firstPageSize)
	if s.cfg.MaxRecords > 0 && total > s.cfg.MaxRecords {
		total = s.cfg.MaxRecords
	}
	totalPages := parser.TotalPages(total, firstPageSize)
	slog.Info("discovered crawl size",
		slog.Int("total_records", total),
		slog.Int("total_pages", totalPages),
		slog.Int("page_size", firstPageSize),
	)
	return totalPages
}

// handleFailure implements the RETRY_WAIT excursion: flush what was
// accumulated, then either wait out the cooldown or abort with the
// originating error once retries are exhausted.
func (s *Scraper) handleFailure(ctx context.Context, page int, err error) error {
	label := errorTypeLabel(err)
	s.errorsByType[label]++
	s.Metrics.IncError(label)

	before := s.pacer.Backoffs()
	s.pacer.RecordError()
	if s.pacer.Backoffs() > before {
		s.Metrics.IncBackoff()
		minDelay, maxDelay := s.pacer.Bounds()
		slog.Warn("pacing backed off",
			slog.Duration("min_delay", minDelay),
			slog.Duration("max_delay", maxDelay),
		)
	}

	// Fetched records never wait out a cooldown in memory.
	s.observeFlush(s.acc.FinalFlush())

	if s.retryCount >= s.cfg.MaxRetries {
		slog.Error("retries exhausted, aborting crawl",
			slog.Int("page", page),
			slog.Int("retries", s.retryCount),
			slog.Any("error", err),
		)
		var blocked ErrBlocked
		if errors.As(err, &blocked) {
			return fmt.Errorf("%w\nguidance: %s", err, blocked.Guidance())
		}
		return err
	}

	s.retryCount++
	s.Metrics.IncRetryWait()
	slog.Warn("page fetch failed, cooling down before resuming",
		slog.Int("page", page),
		slog.String("category", label),
		slog.Duration("cooldown", s.cfg.RetryCooldown),
		slog.Int("retry", s.retryCount),
		slog.Int("max_retries", s.cfg.MaxRetries),
		slog.Any("error", err),
	)
	return s.wait(ctx, s.cfg.RetryCooldown)
}

func (s *Scraper) nextDelay() time.Duration {
	delay := s.pacer.NextDelay()
	s.Metrics.ObservePacing(delay)
	return delay
}

func (s *Scraper) finish(result *models.CrawlResult) {
	s.observeFlush(s.acc.FinalFlush())
	stats := s.acc.Stats()
	result.TotalRecords = stats.Written + stats.Recovered
	result.RetryCount = s.retryCount
	result.EndTime = time.Now()
}

func (s *Scraper) observeFlush(fr pipeline.FlushResult) {
	if fr.Flushed == 0 {
		return
	}
	if fr.Recovered {
		s.Metrics.IncFlush("recovery")
		return
	}
	s.Metrics.IncFlush("store")
	slog.Debug("batch flushed",
		slog.Int("batch", fr.Batch),
		slog.Int("rows", fr.Flushed),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
