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
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/aluiziolira/leanpub-report/config"
	"github.com/aluiziolira/leanpub-report/models"
	"github.com/aluiziolira/leanpub-report/pipeline"
	"github.com/aluiziolira/leanpub-report/scraper"
	"github.com/aluiziolira/leanpub-report/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		return 1
	}

	flag.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Site base URL")
	flag.IntVar(&cfg.MaxPages, "pages", cfg.MaxPages, "Maximum dashboard pages per listing")
	flag.IntVar(&cfg.Parallelism, "parallel", cfg.Parallelism, "Concurrent category fetches")
	flag.DurationVar(&cfg.Delay, "delay", cfg.Delay, "Delay between requests")
	flag.DurationVar(&cfg.RandomDelay, "random-delay", cfg.RandomDelay, "Random jitter added to delay")
	flag.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")
	flag.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Maximum retries per request")
	flag.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Initial retry backoff")
	flag.DurationVar(&cfg.RetryBackoffMax, "retry-backoff-max", cfg.RetryBackoffMax, "Maximum retry backoff")
	flag.DurationVar(&cfg.SessionMaxAge, "session-max-age", cfg.SessionMaxAge, "Log in again when the session is older than this")
	flag.StringVar(&cfg.SessionFile, "session-file", cfg.SessionFile, "File keeping the session cookie between runs (empty disables)")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Keep the session cookie in Redis instead of a file")
	flag.StringVar(&cfg.OutputFile, "output", cfg.OutputFile, "Output file path")
	flag.StringVar(&cfg.OutputFormat, "format", cfg.OutputFormat, "Output format: csv, json, dual or sqlite")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	flag.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Enable verbose logging")
	flag.Parse()

	cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		slog.Error("missing credentials, set LEANPUB_EMAIL and LEANPUB_PASSWORD", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := scraper.NewScraper(cfg)
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		return 1
	}

	store, closeStore, err := createStore(ctx, cfg)
	if err != nil {
		slog.Error("creating session store", slog.Any("error", err))
		return 1
	}
	defer closeStore()

	var opts []session.Option
	if store != nil {
		opts = append(opts, session.WithStore(store))
	}
	sessions := session.NewManager(s, creds, cfg, opts...)

	metricsServer := startMetricsServer(cfg, s.Metrics)

	slog.Info("starting run",
		slog.String("base_url", cfg.BaseURL),
		slog.Int("workers", cfg.Parallelism),
		slog.Any("credentials", creds),
	)

	result, runErr := pipeline.NewRunner(cfg, s, sessions).Run(ctx)
	if interrupted(ctx) {
		slog.Info("shutdown signal received, keeping the partial report")
	}
	if runErr != nil {
		slog.Error("run failed", slog.Any("error", runErr))
	}

	exit := 0
	if runErr != nil || (result != nil && !result.Complete()) {
		exit = 1
	}

	var authErr *scraper.AuthError
	if !errors.As(runErr, &authErr) && result != nil {
		if err := writeReport(cfg, result); err != nil {
			slog.Error("writing report", slog.Any("error", err))
			exit = 1
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if result != nil {
		printSummary(result, cfg.OutputFile, runErr)
	}
	return exit
}

// interrupted reports whether ctx was cancelled by a signal. It must be
// checked before the deferred stop runs, which cancels ctx as well.
func interrupted(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func createStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	noop := func() {}
	switch {
	case cfg.RedisAddr != "":
		client, err := session.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		closeClient := func() {
			if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
				slog.Warn("close redis", slog.Any("error", err))
			}
		}
		return session.NewRedisStore(client, cfg.RedisKey, cfg.SessionMaxAge), closeClient, nil
	case cfg.SessionFile != "":
		return session.NewFileStore(cfg.SessionFile), noop, nil
	default:
		return nil, noop, nil
	}
}

func createWriter(cfg *config.Config, runID string) (pipeline.OutputWriter, error) {
	switch cfg.OutputFormat {
	case "json":
		return pipeline.NewJSONWriter(cfg.OutputFile)
	case "csv":
		return pipeline.NewCSVWriter(cfg.OutputFile)
	case "dual":
		return pipeline.NewDualWriter(cfg.OutputFile, "")
	case "sqlite":
		return pipeline.NewSQLiteWriter(cfg.OutputFile, runID)
	default:
		return nil, fmt.Errorf("unsupported format: %s", cfg.OutputFormat)
	}
}

func writeReport(cfg *config.Config, result *models.RunResult) (err error) {
	writer, err := createWriter(cfg, result.RunID)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := writer.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close writer: %w", cerr)
		}
	}()

	if err := writer.Write(result.Report); err != nil {
		return err
	}
	return writer.Validate()
}

func startMetricsServer(cfg *config.Config, metrics *scraper.Metrics) *http.Server {
	if cfg.MetricsAddr == "" || metrics == nil {
		return nil
	}
	server := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	return server
}

func printSummary(result *models.RunResult, outputFile string, runErr error) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	switch {
	case runErr == nil && result.Complete():
		fmt.Println("Report complete")
	case runErr == nil:
		fmt.Println("Report written, some listings could not be read")
	case errors.Is(runErr, context.Canceled):
		fmt.Println("Run interrupted, partial report")
	default:
		fmt.Printf("Run failed: %v\n", runErr)
	}

	failures := result.Report.Failures()
	fmt.Printf("  Run:           %s\n", result.RunID)
	fmt.Printf("  Books:         %d\n", len(result.Report))
	fmt.Printf("  Failed books:  %d\n", failures)
	fmt.Printf("  Duplicates:    %d\n", result.DuplicateSlugs)
	fmt.Printf("  Requests:      %d\n", result.RequestCount)
	fmt.Printf("  Errors:        %d\n", result.ErrorCount)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	fmt.Printf("  Re-logins:     %d\n", result.Reauthentications)
	for _, failure := range result.ListingErrors {
		fmt.Printf("  Listing failed: %s (%s)\n", failure.Status, failure.Kind)
	}
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %s\n", formatCounts(result.ErrorsByType))
	}
	fmt.Printf("  Duration:      %v\n", result.EndTime.Sub(result.StartTime).Round(time.Millisecond))
	fmt.Printf("  Output file:   %s\n", outputFile)
	fmt.Println(separator)
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, " ")
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
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
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
