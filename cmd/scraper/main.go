package main

import (
	"context"
	"encoding/json"
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/go-scrape-nutrition/checkpoint"
	"github.com/aluiziolira/go-scrape-nutrition/config"
	"github.com/aluiziolira/go-scrape-nutrition/ledger"
	"github.com/aluiziolira/go-scrape-nutrition/models"
	"github.com/aluiziolira/go-scrape-nutrition/pipeline"
	"github.com/aluiziolira/go-scrape-nutrition/scraper"
)

func main() {
	defaultCfg := config.DefaultConfig()
	baseURLDefault := defaultCfg.BaseURL
	if value, ok := config.EnvString("SCRAPER_BASE_URL"); ok {
		baseURLDefault = value
	}
	parallelDefault := defaultCfg.Parallelism
	if value, ok, err := config.EnvInt("SCRAPER_PARALLEL"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid SCRAPER_PARALLEL: %v\n", err)
		os.Exit(1)
	} else if ok {
		parallelDefault = value
	}
	timeoutDefault := defaultCfg.Timeout
	if value, ok, err := config.EnvDuration("SCRAPER_TIMEOUT"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid SCRAPER_TIMEOUT: %v\n", err)
		os.Exit(1)
	} else if ok {
		timeoutDefault = value
	}
	rateLimitDefault := defaultCfg.RateLimit
	if value, ok, err := config.EnvFloat("SCRAPER_RATE_LIMIT"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid SCRAPER_RATE_LIMIT: %v\n", err)
		os.Exit(1)
	} else if ok {
		rateLimitDefault = value
	}
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("SCRAPER_METRICS_ADDR"); ok {
		metricsDefault = value
	}

	mode := flag.String("mode", "scrape", "Run mode: scrape, retry, or discover")
	kind := flag.String("kind", defaultCfg.ItemKind, "Item kind to scrape: food or fruit")
	baseURL := flag.String("base-url", baseURLDefault, "Base URL of the nutrition site")
	startID := flag.Int("start-id", defaultCfg.StartID, "First item identifier")
	endID := flag.Int("end-id", defaultCfg.EndID, "Last item identifier (inclusive)")
	idsFile := flag.String("ids-file", defaultCfg.IDsFile, "JSON array of item identifiers to scrape instead of the id range")
	parallelism := flag.Int("parallel", parallelDefault, "Number of concurrent requests")
	delayMinMs := flag.Int("delay-min", int(defaultCfg.DelayMin/time.Millisecond), "Minimum delay between items (milliseconds)")
	delayMaxMs := flag.Int("delay-max", int(defaultCfg.DelayMax/time.Millisecond), "Maximum delay between items (milliseconds)")
	maxRetries := flag.Int("max-retries", defaultCfg.MaxRetries, "Maximum retry attempts per request")
	retryBackoffMs := flag.Int("retry-backoff", int(defaultCfg.RetryBackoff/time.Millisecond), "Initial retry backoff (milliseconds)")
	retryBackoffMaxMs := flag.Int("retry-backoff-max", int(defaultCfg.RetryBackoffMax/time.Millisecond), "Maximum retry backoff (milliseconds)")
	rateLimit := flag.Float64("rate-limit", rateLimitDefault, "Requests per second shared across workers (0 disables)")
	checkpointFile := flag.String("checkpoint", defaultCfg.CheckpointFile, "Checkpoint file path")
	checkpointEvery := flag.Int("checkpoint-every", defaultCfg.CheckpointEvery, "Checkpoint after this many completed items")
	ledgerFile := flag.String("ledger", defaultCfg.LedgerFile, "Skip ledger file path")
	csvFile := flag.String("csv", defaultCfg.CSVFile, "CSV output path")
	workbookFile := flag.String("xlsx", defaultCfg.WorkbookFile, "Excel output path")
	batchSize := flag.Int("batch-size", defaultCfg.BatchSize, "Records per sink flush")
	discoveryPages := flag.Int("discovery-pages", defaultCfg.DiscoveryPages, "Search pages to crawl when the total cannot be detected")
	discoveryOut := flag.String("discovery-out", defaultCfg.DiscoveryOutFile, "Identifier list output path for discover mode")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	setLogLoggerLevel(level.Level())

	cfg := config.DefaultConfig()
	cfg.BaseURL = *baseURL
	cfg.ItemKind = strings.ToLower(*kind)
	cfg.StartID = *startID
	cfg.EndID = *endID
	cfg.IDsFile = *idsFile
	cfg.Parallelism = *parallelism
	cfg.DelayMin = time.Duration(*delayMinMs) * time.Millisecond
	cfg.DelayMax = time.Duration(*delayMaxMs) * time.Millisecond
	cfg.Timeout = timeoutDefault
	cfg.MaxRetries = *maxRetries
	cfg.RetryBackoff = time.Duration(*retryBackoffMs) * time.Millisecond
	cfg.RetryBackoffMax = time.Duration(*retryBackoffMaxMs) * time.Millisecond
	cfg.RateLimit = *rateLimit
	cfg.CheckpointFile = *checkpointFile
	cfg.CheckpointEvery = *checkpointEvery
	cfg.LedgerFile = *ledgerFile
	cfg.CSVFile = *csvFile
	cfg.WorkbookFile = *workbookFile
	cfg.BatchSize = *batchSize
	cfg.DiscoveryPages = *discoveryPages
	cfg.DiscoveryOutFile = *discoveryOut
	cfg.MetricsAddr = *metricsAddr
	cfg.Verbose = *verbose

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	switch *mode {
	case "scrape", "retry", "discover":
	default:
		slog.Error("unknown mode", slog.String("mode", *mode))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing in-flight work")
	}()

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

	if *mode == "discover" {
		discoverer, err := scraper.NewDiscoverer(cfg, logger, metrics)
		if err != nil {
			slog.Error("initialising discovery", slog.Any("error", err))
			os.Exit(1)
		}

		startTime := time.Now()
		ids, err := discoverer.Run(ctx)
		if err != nil {
			slog.Error("discovery failed", slog.Any("error", err))
			os.Exit(1)
		}

		stopMetricsServer(metricsServer)
		printDiscoverySummary(len(ids), time.Since(startTime), cfg.DiscoveryOutFile)
		return
	}

	store, err := checkpoint.NewStore(cfg.CheckpointFile, logger)
	if err != nil {
		slog.Error("initialising checkpoint store", slog.Any("error", err))
		os.Exit(1)
	}
	led, err := ledger.New(cfg.LedgerFile, logger)
	if err != nil {
		slog.Error("initialising skip ledger", slog.Any("error", err))
		os.Exit(1)
	}

	csvSink, err := pipeline.NewCSVSink(cfg.CSVFile)
	if err != nil {
		slog.Error("creating csv sink", slog.Any("error", err))
		os.Exit(1)
	}
	workbookSink, err := pipeline.NewWorkbookSink(cfg.WorkbookFile, logger)
	if err != nil {
		slog.Error("creating workbook sink", slog.Any("error", err))
		os.Exit(1)
	}
	writer, err := pipeline.NewWriter(cfg, logger, csvSink, workbookSink)
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("close writer", slog.Any("error", err))
		}
	}()

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	fetcher := scraper.NewFetcher(cfg, limiter, metrics)
	extractor := scraper.NewExtractor(cfg.ItemKind, logger)
	runner := scraper.NewRunner(cfg, logger, metrics, store, led, writer, fetcher, extractor)

	slog.Info("starting scrape",
		slog.String("mode", *mode),
		slog.String("base_url", cfg.BaseURL),
		slog.String("kind", cfg.ItemKind),
		slog.Int("workers", cfg.Parallelism),
	)

	startTime := time.Now()
	var result *models.RunResult
	if *mode == "retry" {
		result, err = runner.RunRetry(ctx)
	} else {
		var ids []int
		ids, err = itemIDs(cfg)
		if err != nil {
			slog.Error("building identifier list", slog.Any("error", err))
			os.Exit(1)
		}
		result, err = runner.Run(ctx, ids)
	}
	if err != nil {
		slog.Error("scraping failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := writer.Validate(); err != nil {
		slog.Error("output validation failed", slog.Any("error", err))
		os.Exit(1)
	}

	stopMetricsServer(metricsServer)

	printSummary(result, time.Since(startTime), cfg, led.Len(), writer.GetMetrics())
}

// itemIDs builds the identifier list for a scrape run: the explicit JSON
// list when one is configured, the id range otherwise.
func itemIDs(cfg *config.Config) ([]int, error) {
	if cfg.IDsFile != "" {
		data, err := os.ReadFile(cfg.IDsFile)
		if err != nil {
			return nil, fmt.Errorf("read identifier list: %w", err)
		}
		var ids []int
		if err := json.Unmarshal(data, &ids); err != nil {
			return nil, fmt.Errorf("decode identifier list: %w", err)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("identifier list %s is empty", cfg.IDsFile)
		}
		return ids, nil
	}

	ids := make([]int, 0, cfg.EndID-cfg.StartID+1)
	for id := cfg.StartID; id <= cfg.EndID; id++ {
		ids = append(ids, id)
	}
	return ids, nil
}

func printSummary(result *models.RunResult, duration time.Duration, cfg *config.Config, ledgerSize int, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	if result.Interrupted {
		fmt.Println("Scrape interrupted, progress saved")
	} else {
		fmt.Println("Scrape complete")
	}

	fmt.Printf("  Target items:   %d\n", result.TargetCount)
	fmt.Printf("  Already done:   %d\n", result.AlreadyDone)
	fmt.Printf("  Completed:      %d\n", result.Completed)
	fmt.Printf("  Skipped:        %d\n", result.Skipped)
	fmt.Printf("  Records:        %d\n", result.RecordCount)
	if len(result.ErrorsByKind) > 0 {
		fmt.Printf("  Error types:    %v\n", result.ErrorsByKind)
	}
	if flushed, ok := metrics["flushed_records"].(int64); ok {
		fmt.Printf("  Rows written:   %d\n", flushed)
	}
	if dups, ok := metrics["duplicate_rows"].(int64); ok && dups > 0 {
		fmt.Printf("  Duplicates:     %d\n", dups)
	}

	recordsPerSec := 0.0
	if duration.Seconds() > 0 {
		recordsPerSec = float64(result.RecordCount) / duration.Seconds()
	}
	fmt.Printf("  Duration:       %v\n", duration)
	fmt.Printf("  Records/sec:    %.2f\n", recordsPerSec)
	fmt.Printf("  CSV output:     %s\n", cfg.CSVFile)
	fmt.Printf("  Workbook:       %s\n", cfg.WorkbookFile)
	if ledgerSize > 0 {
		fmt.Printf("  Skip ledger:    %s (%d items, re-run with -mode retry)\n", cfg.LedgerFile, ledgerSize)
	}
	fmt.Println(separator)
}

func printDiscoverySummary(count int, duration time.Duration, outFile string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Discovery complete")
	fmt.Printf("  Identifiers:    %d\n", count)
	fmt.Printf("  Duration:       %v\n", duration)
	fmt.Printf("  Output file:    %s\n", outFile)
	fmt.Println(separator)
}

func stopMetricsServer(server *http.Server) {
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
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
