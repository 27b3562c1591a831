// Command harvester collects wiki revision pages into the JSON corpus used
// by the chatbot, resuming from the last flushed snapshot.
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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChillzonToast/nitc-chatbot/config"
	"github.com/ChillzonToast/nitc-chatbot/fetcher"
	"github.com/ChillzonToast/nitc-chatbot/harvester"
	"github.com/ChillzonToast/nitc-chatbot/models"
	"github.com/ChillzonToast/nitc-chatbot/store"
)

func main() {
	defaultCfg := config.DefaultConfig()

	endDefault := defaultCfg.EndID
	if value, ok, err := config.EnvInt("HARVEST_END_ID"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid HARVEST_END_ID: %v\n", err)
		os.Exit(1)
	} else if ok {
		endDefault = value
	}
	concurrencyDefault := defaultCfg.Concurrency
	if value, ok, err := config.EnvInt("HARVEST_CONCURRENCY"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid HARVEST_CONCURRENCY: %v\n", err)
		os.Exit(1)
	} else if ok {
		concurrencyDefault = value
	}
	timeoutDefault := defaultCfg.Timeout
	if value, ok, err := config.EnvDuration("HARVEST_TIMEOUT"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid HARVEST_TIMEOUT: %v\n", err)
		os.Exit(1)
	} else if ok {
		timeoutDefault = value
	}
	outputDefault := defaultCfg.OutputFile
	if value, ok := config.EnvString("HARVEST_OUTPUT"); ok {
		outputDefault = value
	}
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("HARVEST_METRICS_ADDR"); ok {
		metricsDefault = value
	}

	baseURL := flag.String("base-url", defaultCfg.BaseURL, "Wiki base URL")
	startID := flag.Int("start", defaultCfg.StartID, "First revision id to consider")
	endID := flag.Int("end", endDefault, "Last revision id (inclusive)")
	concurrency := flag.Int("concurrency", concurrencyDefault, "Concurrent fetches within a batch")
	batchSize := flag.Int("batch", defaultCfg.BatchSize, "Identifiers per batch")
	flushInterval := flag.Int("flush-interval", defaultCfg.FlushInterval, "Pages between snapshot flushes")
	maxAttempts := flag.Int("max-attempts", defaultCfg.MaxAttempts, "Fetch attempts per id before giving up")
	timeout := flag.Duration("timeout", timeoutDefault, "Per-request timeout")
	outputFile := flag.String("output", outputDefault, "Corpus file path")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	respectRobots := flag.Bool("respect-robots", defaultCfg.RespectRobotsTxt, "Respect robots.txt directives")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg := defaultCfg
	cfg.BaseURL = *baseURL
	cfg.StartID = *startID
	cfg.EndID = *endID
	cfg.Concurrency = *concurrency
	cfg.BatchSize = *batchSize
	cfg.FlushInterval = *flushInterval
	cfg.MaxAttempts = *maxAttempts
	cfg.Timeout = *timeout
	cfg.OutputFile = *outputFile
	cfg.MetricsAddr = *metricsAddr
	cfg.RespectRobotsTxt = *respectRobots
	cfg.Verbose = *verbose

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	f, err := fetcher.New(fetcher.Config{
		BaseURL:       cfg.BaseURL,
		UserAgent:     cfg.UserAgent,
		Timeout:       cfg.Timeout,
		RespectRobots: cfg.RespectRobotsTxt,
	})
	if err != nil {
		slog.Error("initialising fetcher", slog.Any("error", err))
		os.Exit(1)
	}

	h := harvester.New(cfg, f, store.New(cfg.OutputFile))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, flushing after the current batch")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(h.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	result, err := h.Run(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", serr))
		}
		cancel()
	}

	if result != nil {
		printSummary(result, cfg.OutputFile)
	}
	if err != nil {
		slog.Error("harvest failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func printSummary(result *models.HarvestResult, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	if result.Interrupted {
		fmt.Println("Harvest interrupted, run again to continue")
	} else {
		fmt.Println("Harvest complete")
	}

	fmt.Printf("  Fetched:        %d\n", result.Fetched)
	fmt.Printf("  Failed:         %d\n", result.Failed)
	fmt.Printf("  Not found:      %d\n", result.NotFound)
	fmt.Printf("  Already done:   %d\n", result.AlreadyDone)
	fmt.Printf("  Retries:        %d\n", result.Retries)
	fmt.Printf("  Requests:       %d\n", result.Requests)
	if len(result.Skipped) > 0 {
		fmt.Printf("  Skipped ids:    %s\n", formatIDs(result.Skipped, 20))
	}
	fmt.Printf("  Duration:       %v\n", result.EndTime.Sub(result.StartTime).Round(time.Millisecond))
	fmt.Printf("  Corpus file:    %s\n", outputFile)
	fmt.Println(separator)
}

func formatIDs(ids []int, limit int) string {
	shown := ids
	truncated := false
	if len(shown) > limit {
		shown = shown[:limit]
		truncated = true
	}
	out := fmt.Sprint(shown)
	if truncated {
		out += fmt.Sprintf(" (+%d more)", len(ids)-limit)
	}
	return out
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
