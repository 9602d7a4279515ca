package browser

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"regexp"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/aluiziolira/go-scrape-doctolib/models"
	"github.com/aluiziolira/go-scrape-doctolib/parser"
	"github.com/aluiziolira/go-scrape-doctolib/scraper"
)

type capturedResponse struct {
	requestID network.RequestID
	url       string
}

// networkTap records availability responses as the tab receives them. A
// response is only ready once its body finished loading.
type networkTap struct {
	pattern *regexp.Regexp

	mu      sync.Mutex
	pending map[network.RequestID]string
	ready   []capturedResponse
}

func newNetworkTap(pattern *regexp.Regexp) *networkTap {
	return &networkTap{
		pattern: pattern,
		pending: make(map[network.RequestID]string),
	}
}

// handle runs on the chromedp event goroutine and must not block.
func (t *networkTap) handle(ev interface{}) {
	switch ev := ev.(type) {
	case *network.EventResponseReceived:
		if ev.Response == nil || ev.Response.Status < 200 || ev.Response.Status >= 300 {
			return
		}
		if !t.matches(ev.Response.URL) {
			return
		}
		t.mu.Lock()
		t.pending[ev.RequestID] = ev.Response.URL
		t.mu.Unlock()
	case *network.EventLoadingFinished:
		t.mu.Lock()
		if u, ok := t.pending[ev.RequestID]; ok {
			delete(t.pending, ev.RequestID)
			t.ready = append(t.ready, capturedResponse{requestID: ev.RequestID, url: u})
		}
		t.mu.Unlock()
	case *network.EventLoadingFailed:
		t.mu.Lock()
		delete(t.pending, ev.RequestID)
		t.mu.Unlock()
	}
}

func (t *networkTap) matches(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return t.pattern.MatchString(u.Path)
}

// drain hands over every ready response exactly once.
func (t *networkTap) drain() []capturedResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.ready
	t.ready = nil
	return out
}

// Harvest collects availability totals from the responses the page fetched
// on its own. Each round drains what arrived, then scrolls to the bottom to
// trigger lazy loading. Harvesting stops after cfg.HarvestRounds rounds, once
// a later round drains nothing, or once every listing is covered.
//
// An empty first round does not stop the harvest: responses for the first
// rows are often still in flight when the page markup is read, and only the
// scroll that follows brings in the rest.
func (s *Session) Harvest(ctx context.Context, listings []models.ListingPartial) (models.AvailabilityMap, error) {
	found := make(models.AvailabilityMap, len(listings))
	var errs []error

	for round := 1; round <= s.cfg.HarvestRounds; round++ {
		captured := s.tap.drain()
		if round > 1 && len(captured) == 0 {
			break
		}

		for _, resp := range captured {
			doctorID := parser.DoctorIDFromURL(resp.url)
			body, err := s.fetchBody(ctx, resp.requestID)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return found, errors.Join(append(errs, ctxErr)...)
				}
				slog.Debug("availability body unavailable", slog.String("doctor_id", doctorID), slog.Any("error", err))
				errs = append(errs, scraper.ErrAvailabilityDecode{DoctorID: doctorID, Err: err})
				continue
			}
			total, err := parser.DecodeAvailability(body)
			if err != nil {
				slog.Debug("availability body undecodable", slog.String("doctor_id", doctorID), slog.Any("error", err))
				errs = append(errs, scraper.ErrAvailabilityDecode{DoctorID: doctorID, Err: err})
				continue
			}
			found[doctorID] = total
		}

		slog.Debug("harvest round",
			slog.Int("round", round),
			slog.Int("captured", len(captured)),
			slog.Int("found", len(found)),
		)

		if covered(listings, found) || round == s.cfg.HarvestRounds {
			break
		}

		if err := s.scroll(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		if err := sleepCtx(ctx, s.cfg.HarvestPause); err != nil {
			errs = append(errs, err)
			break
		}
	}

	return found, errors.Join(errs...)
}

func (s *Session) responseBody(ctx context.Context, id network.RequestID) ([]byte, error) {
	var body []byte
	err := s.run(ctx, s.cfg.WaitTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		b, err := network.GetResponseBody(id).Do(ctx)
		if err != nil {
			return err
		}
		body = b
		return nil
	}))
	return body, err
}

func (s *Session) scrollBottom(ctx context.Context) error {
	var height float64
	return s.run(ctx, s.cfg.WaitTimeout, chromedp.Evaluate(scrollBottomJS, &height))
}

func covered(listings []models.ListingPartial, found models.AvailabilityMap) bool {
	if len(listings) == 0 {
		return false
	}
	for _, l := range listings {
		if _, ok := found[l.DoctorID]; !ok {
			return false
		}
	}
	return true
}
