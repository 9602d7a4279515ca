package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aluiziolira/go-scrape-doctolib/models"
)

// ErrNavigation indicates a required page element never appeared.
type ErrNavigation struct {
	Step string
	URL  string
	Err  error
}

func (e ErrNavigation) Error() string {
	return fmt.Errorf("navigation (%s at %s): %w", e.Step, e.URL, e.Err).Error()
}

func (e ErrNavigation) Unwrap() error {
	return e.Err
}

// ErrNavigationStuck indicates the next-page control could not be clicked.
type ErrNavigationStuck struct {
	Attempts int
	URL      string
	Err      error
}

func (e ErrNavigationStuck) Error() string {
	return fmt.Errorf("navigation_stuck after %d attempts at %s: %w", e.Attempts, e.URL, e.Err).Error()
}

func (e ErrNavigationStuck) Unwrap() error {
	return e.Err
}

// ErrSequence indicates navigation was attempted out of order.
type ErrSequence struct {
	Op string
}

func (e ErrSequence) Error() string {
	return fmt.Sprintf("sequence: %s called out of order", e.Op)
}

// ErrAvailabilityDecode indicates a harvested availability response was
// malformed. It never aborts a crawl.
type ErrAvailabilityDecode struct {
	DoctorID string
	Err      error
}

func (e ErrAvailabilityDecode) Error() string {
	return fmt.Errorf("availability_decode for doctor %s: %w", e.DoctorID, e.Err).Error()
}

func (e ErrAvailabilityDecode) Unwrap() error {
	return e.Err
}

// ErrAvailabilityFetch indicates the availability endpoint could not be
// reached or answered with a non-2xx status. Status is zero for transport
// failures.
type ErrAvailabilityFetch struct {
	DoctorID string
	Status   int
	Err      error
}

func (e ErrAvailabilityFetch) Error() string {
	if e.Status != 0 {
		return fmt.Errorf("availability_fetch for doctor %s (status %d): %w", e.DoctorID, e.Status, e.Err).Error()
	}
	return fmt.Errorf("availability_fetch for doctor %s: %w", e.DoctorID, e.Err).Error()
}

func (e ErrAvailabilityFetch) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could succeed.
func (e ErrAvailabilityFetch) Retryable() bool {
	switch {
	case e.Status == http.StatusTooManyRequests, e.Status >= 500:
		return true
	case e.Status != 0:
		return false
	}
	return e.timeout() || e.connection()
}

func (e ErrAvailabilityFetch) timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

func (e ErrAvailabilityFetch) connection() bool {
	var opErr *net.OpError
	return errors.As(e.Err, &opErr)
}

func (e ErrAvailabilityFetch) label() string {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return "rate_limited"
	case e.Status == http.StatusForbidden:
		return "forbidden"
	case e.Status == http.StatusNotFound:
		return "not_found"
	case e.Status >= 500:
		return "server_error"
	case e.Status != 0:
		return "http_status"
	case e.timeout():
		return "timeout"
	case e.connection():
		return "connection"
	}
	return "availability_fetch"
}

// ErrExtraction indicates the markup did not have the expected structure.
type ErrExtraction struct {
	Err error
}

func (e ErrExtraction) Error() string {
	return fmt.Errorf("extraction: %w", e.Err).Error()
}

func (e ErrExtraction) Unwrap() error {
	return e.Err
}

// ErrPageLimit indicates the crawl hit MaxPages without reaching the end of
// results.
type ErrPageLimit struct {
	Limit int
}

func (e ErrPageLimit) Error() string {
	return fmt.Sprintf("page_limit: no end of results after %d pages", e.Limit)
}

// CrawlError is the single terminal error of a failed crawl.
type CrawlError struct {
	Query models.SearchQuery
	Page  int
	URL   string
	Err   error
}

func (e *CrawlError) Error() string {
	return fmt.Sprintf("crawl %s failed on page %d (%s): %v", e.Query, e.Page, e.URL, e.Err)
}

func (e *CrawlError) Unwrap() error {
	return e.Err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var stuck ErrNavigationStuck
	if errors.As(err, &stuck) {
		return "navigation_stuck"
	}
	var nav ErrNavigation
	if errors.As(err, &nav) {
		return "navigation"
	}
	var seq ErrSequence
	if errors.As(err, &seq) {
		return "sequence"
	}
	var decode ErrAvailabilityDecode
	if errors.As(err, &decode) {
		return "availability_decode"
	}
	var fetch ErrAvailabilityFetch
	if errors.As(err, &fetch) {
		return fetch.label()
	}
	var extraction ErrExtraction
	if errors.As(err, &extraction) {
		return "extraction"
	}
	var limit ErrPageLimit
	if errors.As(err, &limit) {
		return "page_limit"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "other"
}
