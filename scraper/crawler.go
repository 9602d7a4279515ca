package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-scrape-doctolib/config"
	"github.com/aluiziolira/go-scrape-doctolib/models"
	"github.com/aluiziolira/go-scrape-doctolib/parser"
)

// PageSource drives one browser session through the search results.
// OpenSearch must be called exactly once, before any NextPage.
type PageSource interface {
	OpenSearch(ctx context.Context, query models.SearchQuery) (string, error)
	NextPage(ctx context.Context) (string, error)
	CurrentURL() string
	Close() error
}

// AvailabilityHarvester collects availability counts for the page that was
// just rendered. Errors are reported but never abort a crawl.
type AvailabilityHarvester interface {
	Harvest(ctx context.Context, listings []models.ListingPartial) (models.AvailabilityMap, error)
}

// SessionFactory opens the page source and harvester for one crawl.
type SessionFactory func(ctx context.Context, query models.SearchQuery) (PageSource, AvailabilityHarvester, error)

// CrawlSession is the per-run state of one crawl.
type CrawlSession struct {
	Query     models.SearchQuery
	Source    PageSource
	Harvester AvailabilityHarvester

	extractor        *parser.Extractor
	firstPageFetched bool
	page             int
	records          []*models.ListingRecord
}

// NewCrawlSession returns a session positioned before the first page.
func NewCrawlSession(query models.SearchQuery, source PageSource, harvester AvailabilityHarvester) *CrawlSession {
	return &CrawlSession{
		Query:     query,
		Source:    source,
		Harvester: harvester,
		extractor: parser.NewExtractor(),
	}
}

// Page returns the number of the page currently being processed.
func (s *CrawlSession) Page() int {
	return s.page
}

func (s *CrawlSession) fetch(ctx context.Context) (string, error) {
	if !s.firstPageFetched {
		markup, err := s.Source.OpenSearch(ctx, s.Query)
		if err != nil {
			return "", err
		}
		s.firstPageFetched = true
		return markup, nil
	}
	return s.Source.NextPage(ctx)
}

// Crawler coordinates the page-by-page traversal of one or more searches.
type Crawler struct {
	cfg        *config.Config
	newSession SessionFactory
	Metrics    *Metrics
}

// NewCrawler builds a crawler that opens sessions with factory.
func NewCrawler(cfg *config.Config, factory SessionFactory, metrics *Metrics) *Crawler {
	return &Crawler{
		cfg:        cfg,
		newSession: factory,
		Metrics:    metrics,
	}
}

// Crawl opens a session for query and runs it to the end of results. pages
// is the number of the last page reached, including a final page that only
// carries the end-of-results marker.
func (c *Crawler) Crawl(ctx context.Context, query models.SearchQuery) (records []*models.ListingRecord, pages int, err error) {
	source, harvester, err := c.newSession(ctx, query)
	if err != nil {
		c.Metrics.IncError(err)
		return nil, 0, &CrawlError{Query: query, Page: 1, Err: fmt.Errorf("open session: %w", err)}
	}
	sess := NewCrawlSession(query, source, harvester)
	records, err = c.Run(ctx, sess)
	return records, sess.Page(), err
}

// Run drives sess from its first page until the extractor reports the end
// of results. The page source is closed on every exit path. On error the
// accumulated records are discarded.
func (c *Crawler) Run(ctx context.Context, sess *CrawlSession) (records []*models.ListingRecord, err error) {
	c.Metrics.CrawlStarted()
	defer func() {
		if closeErr := sess.Source.Close(); closeErr != nil {
			slog.Warn("close page source", slog.String("query", sess.Query.String()), slog.Any("error", closeErr))
		}
		c.Metrics.CrawlFinished(err)
	}()

	for sess.page = 1; sess.page <= c.cfg.MaxPages; sess.page++ {
		if err := ctx.Err(); err != nil {
			return nil, c.fail(sess, err)
		}

		start := time.Now()
		phase := "next"
		if !sess.firstPageFetched {
			phase = "open"
		}

		markup, err := sess.fetch(ctx)
		if err != nil {
			return nil, c.fail(sess, err)
		}
		c.Metrics.IncPage(phase)

		result, err := sess.extractor.Extract(markup)
		if err != nil {
			return nil, c.fail(sess, ErrExtraction{Err: err})
		}

		availability, err := sess.Harvester.Harvest(ctx, result.Listings)
		if err != nil {
			c.Metrics.IncError(err)
			slog.Warn("availability harvest incomplete",
				slog.String("query", sess.Query.String()),
				slog.Int("page", sess.page),
				slog.Int("harvested", len(availability)),
				slog.Any("error", err),
			)
		}

		joined := Join(sess.page, result.Listings, availability)
		for _, r := range joined {
			c.Metrics.IncAvailability(r.TotalAvailabilities != nil)
		}
		c.Metrics.AddListings(len(joined))
		c.Metrics.ObserveDuration(time.Since(start))
		sess.records = append(sess.records, joined...)

		slog.Info("page crawled",
			slog.String("query", sess.Query.String()),
			slog.Int("page", sess.page),
			slog.Int("listings", len(joined)),
			slog.Int("availabilities", len(availability)),
			slog.Int("total", len(sess.records)),
			slog.Bool("last_page", result.IsLastPage),
		)

		if result.IsLastPage {
			return sess.records, nil
		}
	}

	sess.page = c.cfg.MaxPages
	return nil, c.fail(sess, ErrPageLimit{Limit: c.cfg.MaxPages})
}

func (c *Crawler) fail(sess *CrawlSession, err error) error {
	sess.records = nil
	c.Metrics.IncError(err)
	crawlErr := &CrawlError{
		Query: sess.Query,
		Page:  sess.page,
		URL:   sess.Source.CurrentURL(),
		Err:   err,
	}
	if errors.Is(err, context.Canceled) {
		slog.Info("crawl canceled", slog.String("query", sess.Query.String()), slog.Int("page", sess.page))
	} else {
		slog.Error("crawl failed",
			slog.String("query", sess.Query.String()),
			slog.Int("page", sess.page),
			slog.String("url", crawlErr.URL),
			slog.String("category", errorTypeLabel(err)),
			slog.Any("error", err),
		)
	}
	return crawlErr
}

// Join tags listings with their page number and availability. A doctor
// absent from availability gets a nil total.
func Join(page int, listings []models.ListingPartial, availability models.AvailabilityMap) []*models.ListingRecord {
	out := make([]*models.ListingRecord, 0, len(listings))
	for _, l := range listings {
		record := &models.ListingRecord{
			Page:       page,
			DoctorID:   l.DoctorID,
			ProfileURL: l.ProfileURL,
			FullName:   l.FullName,
		}
		if total, ok := availability[l.DoctorID]; ok {
			record.TotalAvailabilities = &total
		}
		out = append(out, record)
	}
	return out
}
