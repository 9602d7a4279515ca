package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/aluiziolira/go-scrape-doctolib/models"
)

// Extension returns the file extension for an output format.
func Extension(format string) string {
	switch format {
	case "jsonl":
		return "jsonl"
	case "csv":
		return "csv"
	default:
		return "json"
	}
}

// OutputFilename builds data_{SPECIALITY}_{PLACE}_{unix}.{ext} inside dir.
func OutputFilename(dir string, query models.SearchQuery, crawledAt time.Time, ext string) string {
	name := fmt.Sprintf("data_%s_%s_%d.%s",
		fileToken(query.Speciality),
		fileToken(query.Place),
		crawledAt.UTC().Unix(),
		ext,
	)
	return filepath.Join(dir, name)
}

// fileToken strips accents, upper-cases and keeps only ASCII letters and
// digits: "Médecin généraliste" becomes "MEDECINGENERALISTE".
func fileToken(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, s)
	if err != nil {
		plain = s
	}

	var b strings.Builder
	for _, r := range strings.ToUpper(plain) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
