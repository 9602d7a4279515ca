package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-scrape-doctolib/browser"
	"github.com/aluiziolira/go-scrape-doctolib/config"
	"github.com/aluiziolira/go-scrape-doctolib/models"
	"github.com/aluiziolira/go-scrape-doctolib/pipeline"
	"github.com/aluiziolira/go-scrape-doctolib/scraper"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}

	verbose := cfg != nil && cfg.Verbose
	logger, level := newLogger(verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	queries := cfg.Queries()
	slog.Info("starting crawl",
		slog.String("base_url", cfg.BaseURL),
		slog.Int("searches", len(queries)),
		slog.Int("parallel", cfg.Parallelism),
		slog.String("availability", cfg.AvailabilitySource),
		slog.Bool("remote_browser", cfg.RemoteURL != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, closing browser sessions")
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

	sinks, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		slog.Error("connecting to snapshot store", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStores()

	crawler := scraper.NewCrawler(cfg, sessionFactory(cfg, metrics), metrics)

	startTime := time.Now()
	results := crawler.RunAll(ctx, queries)

	outputs := make([]crawlOutput, len(results))
	failed := 0
	for i, result := range results {
		outputs[i] = crawlOutput{Result: result}
		if result.Err != nil {
			failed++
			continue
		}
		files, stats, err := writeResult(context.Background(), cfg, sinks, result)
		outputs[i].Files = files
		outputs[i].Stats = stats
		if err != nil {
			failed++
			outputs[i].Result.Err = err
			slog.Error("writing crawl output", slog.String("query", result.Query.String()), slog.Any("error", err))
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(os.Stdout, outputs, time.Since(startTime))
	if failed > 0 {
		closeStores()
		os.Exit(1)
	}
}

// openStores connects the optional Postgres and MongoDB snapshot stores.
// The returned close function is safe to call more than once.
func openStores(ctx context.Context, cfg *config.Config) ([]snapshotSink, func(), error) {
	var (
		sinks   []snapshotSink
		closers []func()
	)
	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		})
	}

	if cfg.PostgresDSN != "" {
		store, err := pipeline.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, closeAll, fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				slog.Error("closing postgres", slog.Any("error", err))
			}
		})
		sinks = append(sinks, func(ctx context.Context, query models.SearchQuery, crawledAt time.Time) pipeline.OutputWriter {
			return store.Writer(ctx, query, crawledAt)
		})
		slog.Info("postgres snapshots enabled")
	}

	if cfg.MongoURI != "" {
		store, err := pipeline.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			closeAll()
			return nil, closeAll, fmt.Errorf("mongo: %w", err)
		}
		closers = append(closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Close(closeCtx); err != nil {
				slog.Error("closing mongo", slog.Any("error", err))
			}
		})
		sinks = append(sinks, func(ctx context.Context, query models.SearchQuery, crawledAt time.Time) pipeline.OutputWriter {
			return store.Writer(ctx, query, crawledAt)
		})
		slog.Info("mongo snapshots enabled", slog.String("database", cfg.MongoDatabase))
	}

	return sinks, closeAll, nil
}

// sessionFactory opens one browser session per crawl and pairs it with the
// configured availability strategy.
func sessionFactory(cfg *config.Config, metrics *scraper.Metrics) scraper.SessionFactory {
	return func(ctx context.Context, query models.SearchQuery) (scraper.PageSource, scraper.AvailabilityHarvester, error) {
		session, err := browser.New(ctx, cfg, metrics)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AvailabilitySource != config.AvailabilityAPI {
			return session, session, nil
		}

		harvester, err := scraper.NewAPIHarvester(cfg, session.SpecialityID, metrics)
		if err != nil {
			_ = session.Close()
			return nil, nil, err
		}
		return session, harvester, nil
	}
}

// parseConfig layers defaults, the optional YAML file, SCRAPER_* variables
// and finally the flags that were set explicitly.
func parseConfig(args []string) (*config.Config, error) {
	defaults := config.DefaultConfig()
	fs := flag.NewFlagSet("scraper", flag.ContinueOnError)

	configPath := fs.String("config", "", "YAML configuration file")
	speciality := fs.String("speciality", "", "Speciality to search for (e.g. dermatologue)")
	place := fs.String("place", "", "Place to search in (e.g. paris)")
	baseURL := fs.String("base-url", defaults.BaseURL, "Site root to start the search from")
	remoteURL := fs.String("remote-url", "", "DevTools websocket URL of an already running browser")
	headless := fs.Bool("headless", defaults.Headless, "Run the local browser headless")
	availability := fs.String("availability", defaults.AvailabilitySource, "Availability source: network or api")
	parallelism := fs.Int("parallel", defaults.Parallelism, "Number of searches crawled concurrently")
	maxPages := fs.Int("max-pages", defaults.MaxPages, "Give up on a search after this many pages")
	waitTimeout := fs.Duration("wait-timeout", defaults.WaitTimeout, "Timeout for each page element wait")
	outputDir := fs.String("output-dir", defaults.OutputDir, "Directory for output files")
	outputFormat := fs.String("format", defaults.OutputFormat, "Output format: json, jsonl, csv, or dual")
	postgresDSN := fs.String("postgres-dsn", "", "Also store snapshots in this Postgres database")
	mongoURI := fs.String("mongo-uri", "", "Also store snapshots in this MongoDB deployment")
	mongoDatabase := fs.String("mongo-database", defaults.MongoDatabase, "MongoDB database for snapshots")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	verbose := fs.Bool("v", false, "Enable verbose logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := config.LoadFile(*configPath, cfg); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "speciality":
			cfg.Speciality = *speciality
		case "place":
			cfg.Place = *place
		case "base-url":
			cfg.BaseURL = *baseURL
		case "remote-url":
			cfg.RemoteURL = *remoteURL
		case "headless":
			cfg.Headless = *headless
		case "availability":
			cfg.AvailabilitySource = strings.ToLower(*availability)
		case "parallel":
			cfg.Parallelism = *parallelism
		case "max-pages":
			cfg.MaxPages = *maxPages
		case "wait-timeout":
			cfg.WaitTimeout = *waitTimeout
		case "output-dir":
			cfg.OutputDir = *outputDir
		case "format":
			cfg.OutputFormat = *outputFormat
		case "postgres-dsn":
			cfg.PostgresDSN = *postgresDSN
		case "mongo-uri":
			cfg.MongoURI = *mongoURI
		case "mongo-database":
			cfg.MongoDatabase = *mongoDatabase
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "v":
			cfg.Verbose = *verbose
		}
	})
	cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
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

func printSummary(w io.Writer, outputs []crawlOutput, duration time.Duration) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Crawl complete")
	t.AppendHeader(table.Row{"Search", "Records", "Pages", "Repeated ids", "Duration", "Output"})

	for _, out := range outputs {
		r := out.Result
		if r.Err != nil {
			t.AppendRow(table.Row{r.Query.String(), "-", r.Pages, "-", "-", "failed: " + r.Err.Error()})
			continue
		}
		dup, _ := out.Stats["duplicate_ids"].(int)
		files := strings.Join(out.Files, "\n")
		if valErrors, ok := out.Stats["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
			files += fmt.Sprintf("\nvalidation: %v", valErrors)
		}
		t.AppendRow(table.Row{
			r.Query.String(),
			len(r.Records),
			r.Pages,
			dup,
			r.EndTime.Sub(r.StartTime).Round(time.Millisecond),
			files,
		})
	}

	t.AppendFooter(table.Row{"Total", "", "", "", duration.Round(time.Millisecond), ""})
	t.SetStyle(table.StyleRounded)
	t.Render()
}
