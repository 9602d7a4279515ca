package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/aluiziolira/go-scrape-doctolib/models"
	"github.com/aluiziolira/go-scrape-doctolib/parser"
	"github.com/aluiziolira/go-scrape-doctolib/scraper"
)

var errNextMissing = errors.New("next page control not found")

type suggestionResult struct {
	OK    bool   `json:"ok"`
	Count int    `json:"count"`
	ID    string `json:"id"`
	Text  string `json:"text"`
}

type hitResult struct {
	State string `json:"state"`
	By    string `json:"by"`
}

// OpenSearch fills the search form for query, submits it and returns the
// markup of the first results page.
func (s *Session) OpenSearch(ctx context.Context, query models.SearchQuery) (string, error) {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return "", scraper.ErrSequence{Op: "open_search"}
	}
	s.opened = true
	s.mu.Unlock()

	if err := s.run(ctx, s.cfg.WaitTimeout, chromedp.Navigate(s.cfg.BaseURL)); err != nil {
		return "", s.navErr("navigate", err)
	}
	s.setURL(s.cfg.BaseURL)
	s.dismissCookies(ctx)

	picked, err := s.pickSuggestion(ctx, "speciality", SpecialityInputSelector, SpecialityResultsSelector, query.Speciality, s.cfg.SpecialitySuggestion)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.specialityID = parser.SpecialityIDFromElementID(picked.ID)
	s.mu.Unlock()

	if _, err := s.pickSuggestion(ctx, "place", PlaceInputSelector, PlaceResultsSelector, query.Place, s.cfg.PlaceSuggestion); err != nil {
		return "", err
	}

	if err := s.run(ctx, s.cfg.WaitTimeout,
		chromedp.WaitVisible(SubmitSelector, chromedp.ByQuery),
		chromedp.Click(SubmitSelector, chromedp.ByQuery),
	); err != nil {
		return "", s.navErr("submit", err)
	}

	markup, err := s.waitResults(ctx)
	if err != nil {
		return "", s.navErr("results", err)
	}
	slog.Info("search opened",
		slog.String("query", query.String()),
		slog.String("speciality_id", s.SpecialityID()),
		slog.String("url", s.CurrentURL()),
	)
	return markup, nil
}

// NextPage clicks the next-page control and returns the markup of the page
// it leads to. A control covered by another element is retried after a
// settle delay, up to cfg.ClickRetries times.
func (s *Session) NextPage(ctx context.Context) (string, error) {
	s.mu.Lock()
	opened := s.opened
	s.mu.Unlock()
	if !opened {
		return "", scraper.ErrSequence{Op: "next_page"}
	}

	if err := s.awaitNext(ctx); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return "", s.navErr("next_page", fmt.Errorf("%w within %s", errNextMissing, s.cfg.WaitTimeout))
		}
		return "", s.navErr("next_page", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.ClickRetries; attempt++ {
		var found bool
		if err := s.run(ctx, s.cfg.WaitTimeout, chromedp.Evaluate(fmt.Sprintf(scrollToJS, NextSelector), &found)); err != nil {
			return "", s.navErr("next_page", err)
		}
		if !found {
			return "", s.navErr("next_page", errNextMissing)
		}
		if err := sleepCtx(ctx, s.cfg.ScrollSettle); err != nil {
			return "", err
		}

		prevURL := s.CurrentURL()
		var hit hitResult
		if err := s.run(ctx, s.cfg.WaitTimeout,
			chromedp.Evaluate(fmt.Sprintf(hitClickJS, NextSelector, ResultsSelector, staleAttr), &hit),
		); err != nil {
			return "", s.navErr("next_page", err)
		}

		switch hit.State {
		case "ok":
			var turned bool
			markup, err := s.waitResults(ctx,
				chromedp.Poll(fmt.Sprintf(pageTurnedJS, ResultsSelector, staleAttr, prevURL), &turned,
					chromedp.WithPollingInterval(100*time.Millisecond),
				),
			)
			if err != nil {
				return "", s.navErr("next_page", err)
			}
			return markup, nil
		case "missing":
			return "", s.navErr("next_page", errNextMissing)
		}

		lastErr = fmt.Errorf("click intercepted by %s", hit.By)
		s.metrics.IncClickRetries()
		slog.Debug("next page click intercepted",
			slog.Int("attempt", attempt),
			slog.String("by", hit.By),
		)
	}

	return "", scraper.ErrNavigationStuck{Attempts: s.cfg.ClickRetries, URL: s.CurrentURL(), Err: lastErr}
}

// dismissCookies rejects the consent banner. A banner that never shows up
// within cfg.CookieTimeout is treated as absent.
func (s *Session) dismissCookies(ctx context.Context) {
	err := s.run(ctx, s.cfg.CookieTimeout,
		chromedp.WaitVisible(CookieRejectSelector, chromedp.ByQuery),
		chromedp.Click(CookieRejectSelector, chromedp.ByQuery),
	)
	if err != nil {
		slog.Debug("cookie banner not dismissed", slog.Any("error", err))
	}
}

func (s *Session) pickSuggestion(ctx context.Context, step, input, container, text string, index int) (suggestionResult, error) {
	items := container + " " + SuggestionSelector

	var picked suggestionResult
	err := s.run(ctx, s.cfg.WaitTimeout,
		chromedp.WaitVisible(input, chromedp.ByQuery),
		chromedp.Click(input, chromedp.ByQuery),
		chromedp.SendKeys(input, text, chromedp.ByQuery),
		chromedp.WaitVisible(items, chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(clickSuggestionJS, items, index), &picked),
	)
	if err != nil {
		return picked, s.navErr(step, err)
	}
	if !picked.OK {
		return picked, s.navErr(step, fmt.Errorf("suggestion %d of %d not available for %q", index, picked.Count, text))
	}

	slog.Debug("suggestion picked",
		slog.String("step", step),
		slog.String("input", text),
		slog.String("suggestion", picked.Text),
		slog.String("element_id", picked.ID),
	)
	return picked, nil
}

// waitResults runs the ready checks, then waits for the results list and
// snapshots the document.
func (s *Session) waitResults(ctx context.Context, ready ...chromedp.Action) (string, error) {
	var markup, location string
	actions := append(ready,
		chromedp.WaitVisible(ResultsSelector, chromedp.ByQuery),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &markup, chromedp.ByQuery),
	)
	if err := s.run(ctx, s.cfg.WaitTimeout, actions...); err != nil {
		return "", err
	}
	s.setURL(location)
	return markup, nil
}

// waitNextControl scrolls to the bottom so a lazily rendered pager shows up,
// then waits for the next-page control to exist.
func (s *Session) waitNextControl(ctx context.Context) error {
	var height float64
	return s.run(ctx, s.cfg.WaitTimeout,
		chromedp.Evaluate(scrollBottomJS, &height),
		chromedp.WaitReady(NextSelector, chromedp.ByQuery),
	)
}
