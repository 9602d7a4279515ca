package pipeline

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-doctolib/models"
)

func TestNewPostgresStoreRequiresDSN(t *testing.T) {
	if _, err := NewPostgresStore(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

// Runs against a real database when SCRAPER_TEST_POSTGRES_DSN is set.
func TestPostgresWriterRoundTrip(t *testing.T) {
	dsn := os.Getenv("SCRAPER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SCRAPER_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	query := models.SearchQuery{Speciality: "test-" + t.Name(), Place: "paris"}
	crawledAt := time.Now()
	writer := store.Writer(ctx, query, crawledAt)

	if err := writer.Write(sampleRecords()); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Same batch again must upsert, not fail on the primary key.
	if err := writer.Write(sampleRecords()); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	var nulls int
	if err := store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM listing_snapshots WHERE speciality = $1 AND total_availabilities IS NULL`,
		query.Speciality,
	).Scan(&nulls); err != nil {
		t.Fatalf("count nulls: %v", err)
	}
	if nulls != 1 {
		t.Fatalf("unknown availabilities stored = %d, want 1", nulls)
	}

	t.Cleanup(func() {
		_, _ = store.db.ExecContext(ctx, `DELETE FROM listing_snapshots WHERE speciality = $1`, query.Speciality)
	})
}
