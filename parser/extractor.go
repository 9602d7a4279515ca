package parser

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-doctolib/models"
)

// Class markers of the search results list.
const (
	ResultsContainerSelector = "div.search-results-col-list"
	ResultClass              = "dl-search-result"
	ResultTitleSelector      = "div.dl-search-result-title a"
	EmptyStateClass          = "pb-16"
	EmptyStateHeading        = "h2"
)

var (
	// ErrNoResultsContainer is returned when the markup has no results list.
	ErrNoResultsContainer = errors.New("results container not found")
	// ErrMalformedListing is returned when a result entry lacks its id or anchor.
	ErrMalformedListing = errors.New("malformed search result")
)

// Page is the outcome of extracting one rendered results page.
type Page struct {
	Listings   []models.ListingPartial
	IsLastPage bool
}

// Extractor turns rendered results pages into partial listings. It carries
// the end-of-results latch: once a page reports the end, every later page
// does too.
type Extractor struct {
	lastPage bool
}

// NewExtractor returns an extractor with the latch cleared.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// LastPage reports whether the end of results has been observed.
func (e *Extractor) LastPage() bool {
	return e.lastPage
}

// Extract parses markup and returns its listings in document order.
func (e *Extractor) Extract(markup string) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return Page{IsLastPage: e.lastPage}, fmt.Errorf("parse markup: %w", err)
	}

	container := doc.Find(ResultsContainerSelector).First()
	if container.Length() == 0 {
		return Page{IsLastPage: e.lastPage}, ErrNoResultsContainer
	}

	var (
		listings []models.ListingPartial
		scanErr  error
	)
	container.Children().EachWithBreak(func(i int, child *goquery.Selection) bool {
		switch primaryClass(child) {
		case ResultClass:
			listing, err := extractListing(child)
			if err != nil {
				scanErr = fmt.Errorf("child %d: %w", i, err)
				return false
			}
			listings = append(listings, listing)
		case EmptyStateClass:
			if child.Find(EmptyStateHeading).Length() > 0 {
				e.lastPage = true
				return false
			}
		}
		return true
	})
	if scanErr != nil {
		return Page{IsLastPage: e.lastPage}, scanErr
	}

	slog.Debug("listings extracted",
		slog.Int("count", len(listings)),
		slog.Bool("last_page", e.lastPage),
	)
	return Page{Listings: listings, IsLastPage: e.lastPage}, nil
}

func extractListing(s *goquery.Selection) (models.ListingPartial, error) {
	elementID, _ := s.Attr("id")
	doctorID := DoctorIDFromElementID(elementID)
	if doctorID == "" {
		return models.ListingPartial{}, fmt.Errorf("%w: missing id attribute", ErrMalformedListing)
	}

	anchor := s.Find(ResultTitleSelector).First()
	if anchor.Length() == 0 {
		return models.ListingPartial{}, fmt.Errorf("%w: no title anchor for doctor %s", ErrMalformedListing, doctorID)
	}
	href, _ := anchor.Attr("href")

	return models.ListingPartial{
		DoctorID:   doctorID,
		ProfileURL: strings.TrimSpace(href),
		FullName:   NormalizeName(anchor.Text()),
	}, nil
}

func primaryClass(s *goquery.Selection) string {
	class, _ := s.Attr("class")
	fields := strings.Fields(class)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
