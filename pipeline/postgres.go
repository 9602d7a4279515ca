package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/aluiziolira/go-scrape-doctolib/models"
)

const upsertSnapshotSQL = `
	INSERT INTO listing_snapshots (speciality, place, crawled_at, page, doctor_id, url, full_name, total_availabilities)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (speciality, place, crawled_at, page, doctor_id) DO UPDATE
	SET
		url = EXCLUDED.url,
		full_name = EXCLUDED.full_name,
		total_availabilities = EXCLUDED.total_availabilities`

// PostgresStore keeps crawl snapshots in the listing_snapshots table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects with dsn and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	schemaCtx, schemaCancel := context.WithTimeout(ctx, 10*time.Second)
	defer schemaCancel()
	if err := store.ensureSchema(schemaCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Writer returns an OutputWriter storing the records of one crawl.
func (s *PostgresStore) Writer(ctx context.Context, query models.SearchQuery, crawledAt time.Time) *PostgresWriter {
	return &PostgresWriter{
		ctx:       ctx,
		db:        s.db,
		query:     query,
		crawledAt: crawledAt.UTC(),
	}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS listing_snapshots (
			speciality TEXT NOT NULL,
			place TEXT NOT NULL,
			crawled_at TIMESTAMPTZ NOT NULL,
			page INTEGER NOT NULL,
			doctor_id TEXT NOT NULL,
			url TEXT NOT NULL,
			full_name TEXT NOT NULL DEFAULT '',
			total_availabilities INTEGER,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (speciality, place, crawled_at, page, doctor_id)
		);
		CREATE INDEX IF NOT EXISTS idx_listing_snapshots_doctor ON listing_snapshots(doctor_id);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// PostgresWriter upserts each batch in its own transaction.
type PostgresWriter struct {
	ctx       context.Context
	db        *sql.DB
	query     models.SearchQuery
	crawledAt time.Time

	mu      sync.Mutex
	written int
}

// Write stores records keyed by crawl, page and doctor id.
func (w *PostgresWriter) Write(records []*models.ListingRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	tx, err := w.db.BeginTx(w.ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(w.ctx, upsertSnapshotSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var total sql.NullInt64
		if r.TotalAvailabilities != nil {
			total = sql.NullInt64{Int64: int64(*r.TotalAvailabilities), Valid: true}
		}
		if _, err = stmt.ExecContext(w.ctx,
			w.query.Speciality,
			w.query.Place,
			w.crawledAt,
			r.Page,
			r.DoctorID,
			r.ProfileURL,
			r.FullName,
			total,
		); err != nil {
			return fmt.Errorf("upsert doctor %s: %w", r.DoctorID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	w.written += len(records)
	return nil
}

// Close is a no-op; the pool belongs to the store.
func (w *PostgresWriter) Close() error {
	return nil
}

// Validate checks that the rows of this crawl are visible.
func (w *PostgresWriter) Validate() error {
	w.mu.Lock()
	written := w.written
	w.mu.Unlock()

	var stored int
	err := w.db.QueryRowContext(w.ctx,
		`SELECT COUNT(*) FROM listing_snapshots WHERE speciality = $1 AND place = $2 AND crawled_at = $3`,
		w.query.Speciality, w.query.Place, w.crawledAt,
	).Scan(&stored)
	if err != nil {
		return fmt.Errorf("count stored snapshots: %w", err)
	}
	if written > 0 && stored == 0 {
		return fmt.Errorf("no snapshots stored after writing %d records", written)
	}
	return nil
}
