package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-estates/config"
	"github.com/aluiziolira/go-scrape-estates/models"
	"github.com/aluiziolira/go-scrape-estates/pipeline"
	"github.com/aluiziolira/go-scrape-estates/scraper"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	defaultCfg := config.DefaultConfig()

	targetsDefault := defaultCfg.BaseURL
	if value, ok := config.EnvString("SCRAPER_TARGETS"); ok {
		targetsDefault = value
	}
	batchDefault := defaultCfg.BatchSize
	if value, ok, err := config.EnvInt("SCRAPER_BATCH_SIZE"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid SCRAPER_BATCH_SIZE: %v\n", err)
		os.Exit(1)
	} else if ok {
		batchDefault = value
	}
	maxRecordsDefault := defaultCfg.MaxRecords
	if value, ok, err := config.EnvInt("SCRAPER_MAX_RECORDS"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid SCRAPER_MAX_RECORDS: %v\n", err)
		os.Exit(1)
	} else if ok {
		maxRecordsDefault = value
	}
	outputDefault := defaultCfg.OutputDir
	if value, ok := config.EnvString("SCRAPER_OUTPUT_DIR"); ok {
		outputDefault = value
	}
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("SCRAPER_METRICS_ADDR"); ok {
		metricsDefault = value
	}
	pgDSNDefault := defaultCfg.PGDSN
	if value, ok := config.EnvString("SCRAPER_PG_DSN"); ok {
		pgDSNDefault = value
	}

	targets := flag.String("targets", targetsDefault, "Comma-separated search URLs to crawl sequentially")
	maxRecords := flag.Int("max-records", maxRecordsDefault, "Hard cap on records per target (0 = uncapped)")
	batchSize := flag.Int("batch-size", batchDefault, "Records accumulated before each flush")
	maxRetries := flag.Int("max-retries", defaultCfg.MaxRetries, "Wait-and-resume cycles before aborting")
	cooldownMin := flag.Int("cooldown", int(defaultCfg.RetryCooldown/time.Minute), "Cooldown before resuming after a failure (minutes)")
	targetPauseSec := flag.Int("target-pause", int(defaultCfg.TargetPause/time.Second), "Pause between crawl targets (seconds)")
	outputDir := flag.String("output-dir", outputDefault, "Parent directory for run output")
	partitions := flag.Int("partitions", defaultCfg.Partitions, "Partitions for the complete CSV export")
	exportCSV := flag.Bool("export-csv", false, "Export complete and published CSV tables after each crawl")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	pgDSN := flag.String("pg-dsn", pgDSNDefault, "Optional Postgres DSN for the published-columns sink")
	pgSchema := flag.String("pg-schema", defaultCfg.PGSchema, "Postgres schema for the sink table")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	targetList := splitTargets(*targets)
	if len(targetList) == 0 {
		slog.Error("no crawl targets given")
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	cfg.MaxRecords = *maxRecords
	cfg.BatchSize = *batchSize
	cfg.MaxRetries = *maxRetries
	cfg.RetryCooldown = time.Duration(*cooldownMin) * time.Minute
	cfg.TargetPause = time.Duration(*targetPauseSec) * time.Second
	cfg.OutputDir = *outputDir
	cfg.Partitions = *partitions
	cfg.MetricsAddr = *metricsAddr
	cfg.Verbose = *verbose
	cfg.PGDSN = *pgDSN
	cfg.PGSchema = *pgSchema

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := scraper.NewMetrics()
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	var sink pipeline.RowSink
	if cfg.PGDSN != "" {
		pgSink, err := pipeline.NewPGSink(ctx, cfg.PGDSN, cfg.PGSchema)
		if err != nil {
			slog.Error("connecting postgres sink", slog.Any("error", err))
			os.Exit(1)
		}
		defer pgSink.Close()
		sink = pgSink
	}

	exitCode := 0
	for i, target := range targetList {
		targetCfg := *cfg
		targetCfg.BaseURL = target
		if err := targetCfg.Validate(); err != nil {
			slog.Error("invalid configuration", slog.String("target", target), slog.Any("error", err))
			exitCode = 1
			break
		}

		if err := crawlTarget(ctx, &targetCfg, metrics, sink, *exportCSV); err != nil {
			slog.Error("crawl failed", slog.String("target", target), slog.Any("error", err))
			exitCode = 1
			if ctx.Err() != nil {
				break
			}
		}

		// Let the source breathe before the next target.
		if i < len(targetList)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(targetCfg.TargetPause):
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	os.Exit(exitCode)
}

func crawlTarget(ctx context.Context, cfg *config.Config, metrics *scraper.Metrics, sink pipeline.RowSink, exportCSV bool) error {
	store := pipeline.NewParquetStore(cfg.OutputDir, cfg.BaseURL)
	acc, err := pipeline.NewAccumulator(ctx, store, cfg)
	if err != nil {
		return fmt.Errorf("initialising accumulator: %w", err)
	}
	if sink != nil {
		acc.SetSink(sink)
	}

	s, err := scraper.NewScraper(cfg, acc, metrics)
	if err != nil {
		return fmt.Errorf("initialising scraper: %w", err)
	}

	result, runErr := s.Run(ctx)
	result.RunRoot = store.Root()
	printSummary(result, acc.Stats())

	if exportCSV && store.Root() != "" {
		rows, err := store.ReadAll()
		if err != nil {
			slog.Error("reloading store for export", slog.Any("error", err))
		} else if files, err := pipeline.ExportCSV(rows, store.Root(), cfg.Partitions); err != nil {
			slog.Error("csv export failed", slog.Any("error", err))
		} else {
			for _, f := range files {
				slog.Info("exported", slog.String("file", f))
			}
		}
	}

	return runErr
}

func splitTargets(raw string) []string {
	var targets []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			targets = append(targets, trimmed)
		}
	}
	return targets
}

func printSummary(result *models.CrawlResult, stats pipeline.Stats) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Printf("Crawl complete: %s\n", result.Target)
	fmt.Printf("  Records:       %d\n", result.TotalRecords)
	fmt.Printf("  Pages:         %d of %d\n", result.PageCount, result.TotalPages)
	fmt.Printf("  Flushes:       %d\n", stats.Flushes)
	fmt.Printf("  Recovered:     %d\n", stats.Recovered)
	fmt.Printf("  Duplicates:    %d\n", stats.Duplicates)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	fmt.Printf("  Duration:      %v\n", result.Duration().Round(time.Second))
	fmt.Printf("  Throughput:    %.1f records/s\n", result.RecordsPerSecond())
	if result.RunRoot != "" {
		fmt.Printf("  Output:        %s\n", result.RunRoot)
	}
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
