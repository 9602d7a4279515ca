package parser

import (
	"fmt"
	"strings"

	"github.com/aluiziolira/go-scrape-doctolib/models"
)

// ValidateRecord ensures the crawler captured the required fields.
func ValidateRecord(r *models.ListingRecord) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if strings.TrimSpace(r.DoctorID) == "" {
		return fmt.Errorf("record missing doctor id")
	}
	if strings.TrimSpace(r.ProfileURL) == "" {
		return fmt.Errorf("record missing profile url for %s", r.DoctorID)
	}
	if r.Page < 1 {
		return fmt.Errorf("record %s has invalid page %d", r.DoctorID, r.Page)
	}
	if r.TotalAvailabilities != nil && *r.TotalAvailabilities < 0 {
		return fmt.Errorf("record %s has negative availability", r.DoctorID)
	}
	return nil
}

// NormalizeName collapses runs of whitespace in a display name.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// DoctorIDFromElementID returns the last hyphen-delimited segment of a
// compound DOM id such as "search-result-123456".
func DoctorIDFromElementID(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.LastIndex(id, "-"); i >= 0 {
		return id[i+1:]
	}
	return id
}

// SpecialityIDFromElementID returns the leading segment of a suggestion
// element id such as "2-speciality".
func SpecialityIDFromElementID(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.Index(id, "-"); i >= 0 {
		return id[:i]
	}
	return id
}
