// Package models defines data structures for the crawler.
package models

import "time"

// SearchQuery identifies one paginated directory search.
type SearchQuery struct {
	Speciality string `yaml:"speciality" json:"speciality"`
	Place      string `yaml:"place" json:"place"`
}

func (q SearchQuery) String() string {
	return q.Speciality + "@" + q.Place
}

// ListingPartial is a search-result entry as scraped from one page's markup.
type ListingPartial struct {
	DoctorID   string
	ProfileURL string
	FullName   string
}

// AvailabilityMap maps doctor ids to their bookable slot count. A missing
// key means the count is unknown.
type AvailabilityMap map[string]int

// ListingRecord is the enriched output unit of a crawl.
type ListingRecord struct {
	Page                int    `csv:"page" json:"page"`
	DoctorID            string `csv:"id" json:"id"`
	ProfileURL          string `csv:"url" json:"url"`
	FullName            string `csv:"full_name" json:"full_name"`
	TotalAvailabilities *int   `csv:"total_availabilities" json:"total_availabilities"`
}

// CrawlResult holds the outcome of one query in a multi-query run.
type CrawlResult struct {
	Query     SearchQuery
	Index     int // position in the query list; keeps output order stable
	Records   []*ListingRecord
	Pages     int
	Err       error
	StartTime time.Time
	EndTime   time.Time
}
