// Package browser drives a Chrome tab through the doctolib search flow and
// taps its network traffic for availability responses.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/aluiziolira/go-scrape-doctolib/config"
	"github.com/aluiziolira/go-scrape-doctolib/scraper"
)

// Session is one browser tab bound to a single search. It implements
// scraper.PageSource and scraper.AvailabilityHarvester.
type Session struct {
	cfg     *config.Config
	metrics *scraper.Metrics
	tap     *networkTap

	ctx         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	closeOnce   sync.Once
	closeErr    error

	// Tab steps with side effects outside the DOM snapshot. New binds them
	// to the tab.
	fetchBody func(ctx context.Context, id network.RequestID) ([]byte, error)
	scroll    func(ctx context.Context) error
	awaitNext func(ctx context.Context) error

	mu           sync.Mutex
	opened       bool
	specialityID string
	currentURL   string
}

// New starts a browser (or attaches to cfg.RemoteURL) and opens a tab with
// the network domain enabled. The session lives until Close or until parent
// is cancelled.
func New(parent context.Context, cfg *config.Config, metrics *scraper.Metrics) (*Session, error) {
	pattern, err := regexp.Compile(cfg.AvailabilityPattern)
	if err != nil {
		return nil, fmt.Errorf("compile availability pattern: %w", err)
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(parent, cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.NoSandbox,
			chromedp.Flag("disable-setuid-sandbox", true),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.Flag("enable-automation", false),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.UserAgent(cfg.UserAgent),
			chromedp.WindowSize(1920, 1080),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(parent, opts...)
	}

	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			slog.Debug(fmt.Sprintf(format, args...), slog.String("component", "chromedp"))
		}),
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			slog.Debug(fmt.Sprintf(format, args...), slog.String("component", "chromedp"), slog.Bool("error", true))
		}),
	)

	s := &Session{
		cfg:         cfg,
		metrics:     metrics,
		tap:         newNetworkTap(pattern),
		ctx:         tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
	}
	s.fetchBody = s.responseBody
	s.scroll = s.scrollBottom
	s.awaitNext = s.waitNextControl
	chromedp.ListenTarget(tabCtx, s.tap.handle)

	// The first Run allocates the tab and must use the tab context itself.
	if err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriverJS).Do(ctx)
			return err
		}),
	); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	slog.Debug("browser session started",
		slog.Bool("remote", cfg.RemoteURL != ""),
		slog.Bool("headless", cfg.Headless),
	)
	return s, nil
}

// CurrentURL returns the last URL the session observed after a navigation.
func (s *Session) CurrentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentURL == "" {
		return s.cfg.BaseURL
	}
	return s.currentURL
}

// SpecialityID returns the id of the speciality picked in OpenSearch, or ""
// before the search was submitted.
func (s *Session) SpecialityID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specialityID
}

// Close releases the tab and the allocator. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.ctx != nil {
			s.closeErr = chromedp.Cancel(s.ctx)
		}
		if s.tabCancel != nil {
			s.tabCancel()
		}
		if s.allocCancel != nil {
			s.allocCancel()
		}
	})
	return s.closeErr
}

// run executes actions against the tab with a deadline. The caller's ctx
// can abort the actions early but never tears down the tab.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (s *Session) navErr(step string, err error) error {
	return scraper.ErrNavigation{Step: step, URL: s.CurrentURL(), Err: err}
}

func (s *Session) setURL(u string) {
	if u == "" {
		return
	}
	s.mu.Lock()
	s.currentURL = u
	s.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
