package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawler.
type Metrics struct {
	Registry          *prometheus.Registry
	PagesTotal        *prometheus.CounterVec
	PageDuration      prometheus.Histogram
	ListingsTotal     prometheus.Counter
	AvailabilityTotal *prometheus.CounterVec
	ClickRetriesTotal prometheus.Counter
	APIRetriesTotal   prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
	CrawlsTotal       *prometheus.CounterVec
	ActiveCrawls      prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Result pages fetched, by navigation phase.",
		},
		[]string{"phase"},
	)
	pageDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_page_duration_seconds",
			Help:    "Time to fetch, extract and enrich one result page.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		},
	)
	listings := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_listings_total",
			Help: "Total number of listing records produced.",
		},
	)
	availability := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_availability_total",
			Help: "Listings joined with availability, by outcome (known or unknown).",
		},
		[]string{"outcome"},
	)
	clickRetries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_click_retries_total",
			Help: "Next-page clicks retried after interception.",
		},
	)
	apiRetries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_api_retries_total",
			Help: "Availability API requests retried.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_errors_total",
			Help: "Total number of crawler errors by type.",
		},
		[]string{"error_type"},
	)
	crawls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_crawls_total",
			Help: "Completed crawls by status.",
		},
		[]string{"status"},
	)
	active := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_active_crawls",
			Help: "Crawls currently holding a browser session.",
		},
	)

	registry.MustRegister(pages, pageDuration, listings, availability, clickRetries, apiRetries, errorsTotal, crawls, active)

	return &Metrics{
		Registry:          registry,
		PagesTotal:        pages,
		PageDuration:      pageDuration,
		ListingsTotal:     listings,
		AvailabilityTotal: availability,
		ClickRetriesTotal: clickRetries,
		APIRetriesTotal:   apiRetries,
		ErrorsTotal:       errorsTotal,
		CrawlsTotal:       crawls,
		ActiveCrawls:      active,
	}
}

// IncPage increments the pages counter.
func (m *Metrics) IncPage(phase string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records the time spent on one page.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.PageDuration.Observe(d.Seconds())
}

// AddListings increments the listings counter.
func (m *Metrics) AddListings(n int) {
	if m == nil {
		return
	}
	m.ListingsTotal.Add(float64(n))
}

// IncAvailability counts a joined listing by availability outcome.
func (m *Metrics) IncAvailability(known bool) {
	if m == nil {
		return
	}
	outcome := "unknown"
	if known {
		outcome = "known"
	}
	m.AvailabilityTotal.WithLabelValues(outcome).Inc()
}

// IncClickRetries increments the click retries counter.
func (m *Metrics) IncClickRetries() {
	if m == nil {
		return
	}
	m.ClickRetriesTotal.Inc()
}

// IncAPIRetries increments the availability API retries counter.
func (m *Metrics) IncAPIRetries() {
	if m == nil {
		return
	}
	m.APIRetriesTotal.Inc()
}

// IncError increments the errors counter for the error's type label. Joined
// errors are counted once per member.
func (m *Metrics) IncError(err error) {
	if m == nil || err == nil {
		return
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			m.IncError(e)
		}
		return
	}
	m.ErrorsTotal.WithLabelValues(errorTypeLabel(err)).Inc()
}

// CrawlStarted and CrawlFinished track active sessions and outcomes.
func (m *Metrics) CrawlStarted() {
	if m == nil {
		return
	}
	m.ActiveCrawls.Inc()
}

func (m *Metrics) CrawlFinished(err error) {
	if m == nil {
		return
	}
	m.ActiveCrawls.Dec()
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.CrawlsTotal.WithLabelValues(status).Inc()
}
