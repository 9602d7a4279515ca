package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ErrMissingTotal is returned when an availability payload has no total.
var ErrMissingTotal = errors.New("availability payload has no total")

type availabilityPayload struct {
	Total *int `json:"total"`
}

// DoctorIDFromURL extracts the doctor id from an availability endpoint URL:
// the last path segment without its extension, query string ignored.
func DoctorIDFromURL(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	base := path.Base(p)
	if base == "." || base == "/" {
		return ""
	}
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	return base
}

// DecodeAvailability reads the "total" field of an availability response body.
func DecodeAvailability(body []byte) (int, error) {
	var payload availabilityPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("decode availability body: %w", err)
	}
	if payload.Total == nil {
		return 0, ErrMissingTotal
	}
	return *payload.Total, nil
}
