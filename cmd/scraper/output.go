package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aluiziolira/go-scrape-doctolib/config"
	"github.com/aluiziolira/go-scrape-doctolib/models"
	"github.com/aluiziolira/go-scrape-doctolib/pipeline"
)

type crawlOutput struct {
	Result models.CrawlResult
	Files  []string
	Stats  map[string]interface{}
}

// snapshotSink opens a database writer for one crawl.
type snapshotSink func(ctx context.Context, query models.SearchQuery, crawledAt time.Time) pipeline.OutputWriter

// writeResult sends the records of one finished crawl through a pipeline
// into its own output file(s) and every configured snapshot store.
func writeResult(ctx context.Context, cfg *config.Config, sinks []snapshotSink, result models.CrawlResult) ([]string, map[string]interface{}, error) {
	writer, files, err := createWriter(cfg, result)
	if err != nil {
		return nil, nil, fmt.Errorf("creating writer: %w", err)
	}
	var out pipeline.OutputWriter = writer
	if len(sinks) > 0 {
		writers := []pipeline.OutputWriter{writer}
		for _, sink := range sinks {
			writers = append(writers, sink(ctx, result.Query, result.StartTime))
		}
		out = pipeline.NewMultiWriter(writers...)
	}

	p := pipeline.NewPipeline(ctx, out, cfg)
	p.Start()
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}
	processErr := p.Process(result.Records...)
	closeErr := p.Close()
	stats := p.GetMetrics()

	if err := out.Close(); err != nil {
		return files, stats, fmt.Errorf("close writer: %w", err)
	}
	if processErr != nil {
		return files, stats, fmt.Errorf("process records: %w", processErr)
	}
	if closeErr != nil {
		return files, stats, fmt.Errorf("pipeline shutdown: %w", closeErr)
	}
	if err := out.Validate(); err != nil {
		return files, stats, fmt.Errorf("output validation: %w", err)
	}
	return files, stats, nil
}

func createWriter(cfg *config.Config, result models.CrawlResult) (pipeline.OutputWriter, []string, error) {
	name := func(ext string) string {
		return pipeline.OutputFilename(cfg.OutputDir, result.Query, result.StartTime, ext)
	}

	f := name(pipeline.Extension(cfg.OutputFormat))
	switch cfg.OutputFormat {
	case "json":
		w, err := pipeline.NewJSONWriter(f)
		return w, []string{f}, err
	case "jsonl":
		w, err := pipeline.NewJSONLWriter(f)
		return w, []string{f}, err
	case "csv":
		w, err := pipeline.NewCSVWriter(f)
		return w, []string{f}, err
	case "dual":
		jsonFile, csvFile := name("json"), name("csv")
		jsonWriter, err := pipeline.NewJSONWriter(jsonFile)
		if err != nil {
			return nil, nil, err
		}
		csvWriter, err := pipeline.NewCSVWriter(csvFile)
		if err != nil {
			jsonWriter.Close()
			return nil, nil, err
		}
		return pipeline.NewMultiWriter(jsonWriter, csvWriter), []string{jsonFile, csvFile}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported format: %s", cfg.OutputFormat)
	}
}
