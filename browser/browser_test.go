package browser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/google/go-cmp/cmp"

	"github.com/aluiziolira/go-scrape-doctolib/config"
	"github.com/aluiziolira/go-scrape-doctolib/models"
	"github.com/aluiziolira/go-scrape-doctolib/scraper"
)

func newTestTap(t *testing.T) *networkTap {
	t.Helper()
	return newNetworkTap(regexp.MustCompile(config.DefaultConfig().AvailabilityPattern))
}

func received(id, rawURL string, status int64) *network.EventResponseReceived {
	return &network.EventResponseReceived{
		RequestID: network.RequestID(id),
		Response:  &network.Response{URL: rawURL, Status: status},
	}
}

func finished(id string) *network.EventLoadingFinished {
	return &network.EventLoadingFinished{RequestID: network.RequestID(id)}
}

func TestNetworkTapPromotesFinishedResponses(t *testing.T) {
	tap := newTestTap(t)

	tap.handle(received("r1", "https://www.doctolib.fr/search_results/101.json?limit=7&speciality_id=2", 200))
	tap.handle(received("r2", "https://www.doctolib.fr/search_results/202.json", 200))
	tap.handle(received("r3", "https://www.doctolib.fr/dermatologue/paris", 200))
	tap.handle(finished("r3"))
	tap.handle(finished("r2"))

	got := tap.drain()
	want := []capturedResponse{{requestID: "r2", url: "https://www.doctolib.fr/search_results/202.json"}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(capturedResponse{})); diff != "" {
		t.Fatalf("drain mismatch (-want +got):\n%s", diff)
	}

	if again := tap.drain(); len(again) != 0 {
		t.Fatalf("responses must be drained once, got %d again", len(again))
	}

	tap.handle(finished("r1"))
	if got := tap.drain(); len(got) != 1 || got[0].requestID != "r1" {
		t.Fatalf("late finish not promoted: %+v", got)
	}
}

func TestNetworkTapIgnoresFailedAndErrorResponses(t *testing.T) {
	tap := newTestTap(t)

	tap.handle(received("bad", "https://www.doctolib.fr/search_results/1.json", 503))
	tap.handle(finished("bad"))
	tap.handle(received("lost", "https://www.doctolib.fr/search_results/2.json", 200))
	tap.handle(&network.EventLoadingFailed{RequestID: "lost"})
	tap.handle(finished("lost"))
	tap.handle(&network.EventResponseReceived{RequestID: "nil"})
	tap.handle("unrelated event")

	if got := tap.drain(); len(got) != 0 {
		t.Fatalf("drain = %+v, want nothing", got)
	}
}

func TestNetworkTapMatchesPathOnly(t *testing.T) {
	tap := newTestTap(t)
	tests := []struct {
		url  string
		want bool
	}{
		{url: "https://www.doctolib.fr/search_results/123.json", want: true},
		{url: "https://www.doctolib.fr/search_results/123.json?limit=7", want: true},
		{url: "https://www.doctolib.fr/search?q=search_results/1.json", want: false},
		{url: "https://www.doctolib.fr/search_results/", want: false},
		{url: "://bad", want: false},
	}

	for _, tt := range tests {
		if got := tap.matches(tt.url); got != tt.want {
			t.Errorf("matches(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestCovered(t *testing.T) {
	listings := []models.ListingPartial{{DoctorID: "1"}, {DoctorID: "2"}}
	if covered(listings, models.AvailabilityMap{"1": 3}) {
		t.Fatalf("partial map reported as covered")
	}
	if !covered(listings, models.AvailabilityMap{"1": 3, "2": 0, "9": 1}) {
		t.Fatalf("full map not reported as covered")
	}
	if covered(nil, models.AvailabilityMap{}) {
		t.Fatalf("an empty page is never covered")
	}
}

func TestSessionSequenceErrors(t *testing.T) {
	s := &Session{cfg: config.DefaultConfig()}

	_, err := s.NextPage(context.Background())
	var seq scraper.ErrSequence
	if !errors.As(err, &seq) || seq.Op != "next_page" {
		t.Fatalf("NextPage before OpenSearch = %v, want sequence error", err)
	}

	s.opened = true
	_, err = s.OpenSearch(context.Background(), models.SearchQuery{Speciality: "dentiste", Place: "lyon"})
	if !errors.As(err, &seq) || seq.Op != "open_search" {
		t.Fatalf("second OpenSearch = %v, want sequence error", err)
	}
}

func TestSessionCurrentURLFallsBackToBase(t *testing.T) {
	s := &Session{cfg: config.DefaultConfig()}
	if got := s.CurrentURL(); got != s.cfg.BaseURL {
		t.Fatalf("CurrentURL = %q, want base url", got)
	}
	s.setURL("https://www.doctolib.fr/dentiste/lyon?page=2")
	if got := s.CurrentURL(); !strings.HasSuffix(got, "page=2") {
		t.Fatalf("CurrentURL = %q", got)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close without browser: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestScriptsFormatCleanly(t *testing.T) {
	scripts := []string{
		fmt.Sprintf(clickSuggestionJS, SpecialityResultsSelector+" "+SuggestionSelector, 0),
		fmt.Sprintf(scrollToJS, NextSelector),
		fmt.Sprintf(hitClickJS, NextSelector, ResultsSelector, staleAttr),
		fmt.Sprintf(pageTurnedJS, ResultsSelector, staleAttr, "https://www.doctolib.fr/dentiste/lyon"),
	}
	for _, js := range scripts {
		if strings.Contains(js, "%!") {
			t.Fatalf("script has formatting errors:\n%s", js)
		}
	}
	if !strings.Contains(scripts[0], `"#search-query-input-results-container .searchbar-result", 0`) {
		t.Fatalf("suggestion script arguments not embedded:\n%s", scripts[0])
	}
}

const availabilityURL = "https://www.doctolib.fr/search_results/%s.json?limit=7&speciality_id=2"

// harvestSession wires a Session to fake body fetches. Each call to scroll
// delivers the next batch of responses, as lazy loading would.
type harvestSession struct {
	*Session
	bodies  map[network.RequestID]string
	batches [][]string
	scrolls int
}

func newHarvestSession(t *testing.T, rounds int, bodies map[string]string, first []string, later ...[]string) *harvestSession {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HarvestRounds = rounds
	cfg.HarvestPause = 0

	h := &harvestSession{
		Session: &Session{cfg: cfg, tap: newTestTap(t)},
		bodies:  make(map[network.RequestID]string, len(bodies)),
		batches: later,
	}
	for id, body := range bodies {
		h.bodies[network.RequestID("req-"+id)] = body
	}
	h.Session.fetchBody = func(_ context.Context, id network.RequestID) ([]byte, error) {
		body, ok := h.bodies[id]
		if !ok {
			return nil, errors.New("no resource with given identifier found")
		}
		return []byte(body), nil
	}
	h.Session.scroll = func(context.Context) error {
		if h.scrolls < len(h.batches) {
			h.deliver(h.batches[h.scrolls])
		}
		h.scrolls++
		return nil
	}
	h.deliver(first)
	return h
}

func (h *harvestSession) deliver(ids []string) {
	for _, id := range ids {
		h.tap.handle(received("req-"+id, fmt.Sprintf(availabilityURL, id), 200))
		h.tap.handle(finished("req-" + id))
	}
}

func listingsFor(ids ...string) []models.ListingPartial {
	out := make([]models.ListingPartial, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.ListingPartial{DoctorID: id})
	}
	return out
}

func TestSessionHarvestBodies(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    models.AvailabilityMap
		wantErr bool
	}{
		{name: "total", body: `{"total": 7}`, want: models.AvailabilityMap{"55": 7}},
		{name: "zero total", body: `{"total": 0, "availabilities": []}`, want: models.AvailabilityMap{"55": 0}},
		{name: "malformed", body: `{"total":`, want: models.AvailabilityMap{}, wantErr: true},
		{name: "no total", body: `{"availabilities": []}`, want: models.AvailabilityMap{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarvestSession(t, 3, map[string]string{"55": tt.body}, []string{"55"})

			got, err := h.Harvest(context.Background(), listingsFor("55"))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("availability mismatch (-want +got):\n%s", diff)
			}
			var decodeErr scraper.ErrAvailabilityDecode
			if tt.wantErr != errors.As(err, &decodeErr) {
				t.Fatalf("error = %v, want decode error: %v", err, tt.wantErr)
			}
			if tt.wantErr && decodeErr.DoctorID != "55" {
				t.Fatalf("decode error doctor = %q, want 55", decodeErr.DoctorID)
			}
		})
	}
}

func TestSessionHarvestRounds(t *testing.T) {
	bodies := map[string]string{
		"1": `{"total": 1}`,
		"2": `{"total": 2}`,
		"3": `{"total": 3}`,
		"9": `{"total": 9}`,
	}

	tests := []struct {
		name        string
		rounds      int
		listings    []string
		first       []string
		later       [][]string
		want        models.AvailabilityMap
		wantScrolls int
	}{
		{
			name:        "covered after first round",
			rounds:      5,
			listings:    []string{"1", "2"},
			first:       []string{"1", "2"},
			want:        models.AvailabilityMap{"1": 1, "2": 2},
			wantScrolls: 0,
		},
		{
			name:        "lazy rows arrive after scrolling",
			rounds:      5,
			listings:    []string{"1", "2", "3"},
			first:       []string{"1"},
			later:       [][]string{{"2"}, {"3"}},
			want:        models.AvailabilityMap{"1": 1, "2": 2, "3": 3},
			wantScrolls: 2,
		},
		{
			name:        "empty later round stops",
			rounds:      5,
			listings:    []string{"1", "2", "3"},
			first:       []string{"1"},
			later:       [][]string{{"2"}, nil, {"3"}},
			want:        models.AvailabilityMap{"1": 1, "2": 2},
			wantScrolls: 2,
		},
		{
			name:        "empty first round keeps going",
			rounds:      5,
			listings:    []string{"1"},
			later:       [][]string{{"1"}},
			want:        models.AvailabilityMap{"1": 1},
			wantScrolls: 1,
		},
		{
			name:        "round limit",
			rounds:      2,
			listings:    []string{"1", "2", "3"},
			first:       []string{"1"},
			later:       [][]string{{"9"}, {"2"}, {"3"}},
			want:        models.AvailabilityMap{"1": 1, "9": 9},
			wantScrolls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarvestSession(t, tt.rounds, bodies, tt.first, tt.later...)

			got, err := h.Harvest(context.Background(), listingsFor(tt.listings...))
			if err != nil {
				t.Fatalf("harvest: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("availability mismatch (-want +got):\n%s", diff)
			}
			if h.scrolls != tt.wantScrolls {
				t.Fatalf("scrolls = %d, want %d", h.scrolls, tt.wantScrolls)
			}
		})
	}
}

func TestSessionHarvestSkipsLostBodies(t *testing.T) {
	h := newHarvestSession(t, 1, map[string]string{"1": `{"total": 4}`}, []string{"1", "2"})

	got, err := h.Harvest(context.Background(), listingsFor("1", "2"))
	if diff := cmp.Diff(models.AvailabilityMap{"1": 4}, got); diff != "" {
		t.Fatalf("availability mismatch (-want +got):\n%s", diff)
	}
	var decodeErr scraper.ErrAvailabilityDecode
	if !errors.As(err, &decodeErr) || decodeErr.DoctorID != "2" {
		t.Fatalf("error = %v, want decode error for doctor 2", err)
	}
}

func TestSessionHarvestCanceled(t *testing.T) {
	h := newHarvestSession(t, 3, map[string]string{"1": `{"total": 4}`}, []string{"1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Session.fetchBody = func(ctx context.Context, _ network.RequestID) ([]byte, error) {
		return nil, ctx.Err()
	}

	got, err := h.Harvest(ctx, listingsFor("1"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if len(got) != 0 {
		t.Fatalf("availability = %v, want empty", got)
	}
}

func TestNextPageReportsMissingControl(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WaitTimeout = 50 * time.Millisecond

	var waits int
	s := &Session{cfg: cfg, opened: true}
	s.awaitNext = func(ctx context.Context) error {
		waits++
		waitCtx, cancel := context.WithTimeout(ctx, cfg.WaitTimeout)
		defer cancel()
		<-waitCtx.Done()
		return waitCtx.Err()
	}

	_, err := s.NextPage(context.Background())
	var nav scraper.ErrNavigation
	if !errors.As(err, &nav) || nav.Step != "next_page" {
		t.Fatalf("error = %v, want navigation error on next_page", err)
	}
	if !errors.Is(err, errNextMissing) {
		t.Fatalf("error = %v, want missing next control", err)
	}
	if waits != 1 {
		t.Fatalf("waits = %d, want 1", waits)
	}
}

func TestNextPageWaitCanceled(t *testing.T) {
	s := &Session{cfg: config.DefaultConfig(), opened: true}
	s.awaitNext = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.NextPage(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if errors.Is(err, errNextMissing) {
		t.Fatalf("a canceled wait must not be reported as a missing control")
	}
}
