package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-scrape-doctolib/config"
	"github.com/aluiziolira/go-scrape-doctolib/models"
	"github.com/aluiziolira/go-scrape-doctolib/parser"
)

const availabilityLimit = "7"

// APIHarvester fetches availability straight from the search-results
// endpoint, one request per listing, instead of tapping the browser's
// network traffic.
type APIHarvester struct {
	cfg          *config.Config
	collector    *colly.Collector
	cache        *lru.Cache[string, int]
	specialityID func() string
	metrics      *Metrics
}

type harvestRun struct {
	mu    sync.Mutex
	found models.AvailabilityMap
	errs  []error
}

func (r *harvestRun) set(doctorID string, total int) {
	r.mu.Lock()
	r.found[doctorID] = total
	r.mu.Unlock()
}

func (r *harvestRun) fail(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

// NewAPIHarvester builds a harvester. specialityID is consulted on every
// Harvest call since the id is only known once the search form was submitted.
func NewAPIHarvester(cfg *config.Config, specialityID func() string, metrics *Metrics) (*APIHarvester, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	cache, err := lru.New[string, int](cfg.AvailabilityCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create availability cache: %w", err)
	}

	collector := colly.NewCollector(
		colly.Async(true),
		colly.AllowedDomains(parsed.Host),
		colly.UserAgent(cfg.UserAgent),
	)
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(cfg.APITimeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.APITimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.APIParallelism,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	if specialityID == nil {
		specialityID = func() string { return "" }
	}

	h := &APIHarvester{
		cfg:          cfg,
		collector:    collector,
		cache:        cache,
		specialityID: specialityID,
		metrics:      metrics,
	}
	h.configureHandlers()
	return h, nil
}

func (h *APIHarvester) configureHandlers() {
	h.collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
	})

	h.collector.OnResponse(func(r *colly.Response) {
		run, ok := r.Ctx.GetAny("run").(*harvestRun)
		if !ok {
			return
		}
		doctorID := r.Ctx.Get("doctor_id")
		total, err := parser.DecodeAvailability(r.Body)
		if err != nil {
			run.fail(ErrAvailabilityDecode{DoctorID: doctorID, Err: err})
			return
		}
		run.set(doctorID, total)
		h.cache.Add(r.Ctx.Get("cache_key"), total)
	})

	h.collector.OnError(func(r *colly.Response, err error) {
		if r == nil || r.Ctx == nil {
			return
		}
		run, ok := r.Ctx.GetAny("run").(*harvestRun)
		if !ok {
			return
		}
		fetchErr := ErrAvailabilityFetch{DoctorID: r.Ctx.Get("doctor_id"), Status: r.StatusCode, Err: err}
		if fetchErr.Retryable() && h.retry(r) {
			return
		}
		run.fail(fetchErr)
	})
}

// retry re-issues the request after a capped exponential backoff. The
// attempt count travels in the request context so it survives Retry.
func (h *APIHarvester) retry(r *colly.Response) bool {
	attempt, _ := r.Ctx.GetAny("attempt").(int)
	if attempt >= h.cfg.APIMaxRetries {
		return false
	}
	attempt++
	r.Ctx.Put("attempt", attempt)

	ctx, ok := r.Ctx.GetAny("ctx").(context.Context)
	if !ok {
		ctx = context.Background()
	}
	timer := time.NewTimer(h.backoff(attempt))
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return false
	}

	h.metrics.IncAPIRetries()
	slog.Debug("retrying availability request",
		slog.String("doctor_id", r.Ctx.Get("doctor_id")),
		slog.Int("attempt", attempt),
		slog.Int("status", r.StatusCode),
	)
	if err := r.Request.Retry(); err != nil {
		slog.Debug("availability retry failed", slog.String("url", r.Request.URL.String()), slog.Any("error", err))
		return false
	}
	return true
}

func (h *APIHarvester) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := h.cfg.APIRetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := h.cfg.APIRetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

// Harvest requests availability for every listing not already cached and
// waits for the responses. Doctors whose request failed are left out of
// the map; the joined failures are returned alongside.
func (h *APIHarvester) Harvest(ctx context.Context, listings []models.ListingPartial) (models.AvailabilityMap, error) {
	run := &harvestRun{found: make(models.AvailabilityMap, len(listings))}
	specialityID := h.specialityID()

	requested := 0
	for _, l := range listings {
		if err := ctx.Err(); err != nil {
			run.fail(err)
			break
		}

		key := specialityID + "/" + l.DoctorID
		if total, ok := h.cache.Get(key); ok {
			run.set(l.DoctorID, total)
			continue
		}

		reqCtx := colly.NewContext()
		reqCtx.Put("run", run)
		reqCtx.Put("doctor_id", l.DoctorID)
		reqCtx.Put("cache_key", key)
		reqCtx.Put("ctx", ctx)
		if err := h.collector.Request(http.MethodGet, h.endpoint(l.DoctorID, specialityID), nil, reqCtx, nil); err != nil {
			run.fail(ErrAvailabilityFetch{DoctorID: l.DoctorID, Err: err})
			continue
		}
		requested++
	}
	h.collector.Wait()

	slog.Debug("availability fetched from api",
		slog.Int("listings", len(listings)),
		slog.Int("requested", requested),
		slog.Int("found", len(run.found)),
	)

	run.mu.Lock()
	defer run.mu.Unlock()
	return run.found, errors.Join(run.errs...)
}

func (h *APIHarvester) endpoint(doctorID, specialityID string) string {
	q := url.Values{}
	q.Set("limit", availabilityLimit)
	q.Set("speciality_id", specialityID)
	base := strings.TrimSuffix(h.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/search_results/%s.json?%s", base, url.PathEscape(doctorID), q.Encode())
}
