package scraper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-doctolib/models"
)

// RunAll crawls queries with up to cfg.Parallelism sessions at once and
// returns one result per query in input order.
func (c *Crawler) RunAll(ctx context.Context, queries []models.SearchQuery) []models.CrawlResult {
	ordered := make([]models.CrawlResult, len(queries))
	if len(queries) == 0 {
		return ordered
	}

	workers := c.cfg.Parallelism
	if workers <= 0 {
		workers = 1
	}
	if workers > len(queries) {
		workers = len(queries)
	}

	type crawlJob struct {
		index int
		query models.SearchQuery
	}

	jobs := make(chan crawlJob)
	results := make(chan models.CrawlResult, len(queries))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				slog.Info("crawl starting", slog.String("query", job.query.String()))
				start := time.Now()
				records, pages, err := c.Crawl(ctx, job.query)
				result := models.CrawlResult{
					Query:     job.query,
					Index:     job.index,
					Records:   records,
					Pages:     pages,
					Err:       err,
					StartTime: start,
					EndTime:   time.Now(),
				}
				if err == nil {
					slog.Info("crawl finished",
						slog.String("query", job.query.String()),
						slog.Int("records", len(records)),
						slog.Duration("duration", result.EndTime.Sub(start)),
					)
				}
				results <- result
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, q := range queries {
			select {
			case jobs <- crawlJob{index: i, query: q}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	seen := make([]bool, len(queries))
	for r := range results {
		ordered[r.Index] = r
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			ordered[i] = models.CrawlResult{Query: queries[i], Index: i, Err: &CrawlError{Query: queries[i], Page: 1, Err: ctx.Err()}}
		}
	}

	return ordered
}
