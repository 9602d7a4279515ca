package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/aluiziolira/go-scrape-doctolib/models"
)

const snapshotCollection = "listing_snapshots"

type snapshotDocument struct {
	Speciality          string    `bson:"speciality"`
	Place               string    `bson:"place"`
	CrawledAt           time.Time `bson:"crawled_at"`
	Page                int       `bson:"page"`
	DoctorID            string    `bson:"doctor_id"`
	URL                 string    `bson:"url"`
	FullName            string    `bson:"full_name"`
	TotalAvailabilities *int      `bson:"total_availabilities"`
}

// MongoStore keeps crawl snapshots in a MongoDB collection, one document per
// crawl, page and doctor.
type MongoStore struct {
	client    *mongo.Client
	snapshots *mongo.Collection
}

// NewMongoStore connects to uri and ensures the snapshot indexes exist.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	store := &MongoStore{
		client:    client,
		snapshots: client.Database(database).Collection(snapshotCollection),
	}
	if err := store.createIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

func (s *MongoStore) createIndexes(ctx context.Context) error {
	_, err := s.snapshots.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "speciality", Value: 1},
				{Key: "place", Value: 1},
				{Key: "crawled_at", Value: 1},
				{Key: "page", Value: 1},
				{Key: "doctor_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "doctor_id", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create snapshot indexes: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Writer returns an OutputWriter storing the records of one crawl.
func (s *MongoStore) Writer(ctx context.Context, query models.SearchQuery, crawledAt time.Time) *MongoWriter {
	return &MongoWriter{
		ctx:       ctx,
		coll:      s.snapshots,
		query:     query,
		crawledAt: crawledAt.UTC().Truncate(time.Millisecond),
	}
}

// MongoWriter upserts each batch with one ordered bulk write.
type MongoWriter struct {
	ctx       context.Context
	coll      *mongo.Collection
	query     models.SearchQuery
	crawledAt time.Time

	mu      sync.Mutex
	written int
}

func (w *MongoWriter) crawlFilter() bson.D {
	return bson.D{
		{Key: "speciality", Value: w.query.Speciality},
		{Key: "place", Value: w.query.Place},
		{Key: "crawled_at", Value: w.crawledAt},
	}
}

// Write stores records keyed by crawl, page and doctor id.
func (w *MongoWriter) Write(records []*models.ListingRecord) error {
	if len(records) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	writes := make([]mongo.WriteModel, 0, len(records))
	for _, r := range records {
		doc := snapshotDocument{
			Speciality:          w.query.Speciality,
			Place:               w.query.Place,
			CrawledAt:           w.crawledAt,
			Page:                r.Page,
			DoctorID:            r.DoctorID,
			URL:                 r.ProfileURL,
			FullName:            r.FullName,
			TotalAvailabilities: r.TotalAvailabilities,
		}
		filter := append(w.crawlFilter(),
			bson.E{Key: "page", Value: r.Page},
			bson.E{Key: "doctor_id", Value: r.DoctorID},
		)
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(filter).
			SetUpdate(bson.D{{Key: "$set", Value: doc}}).
			SetUpsert(true))
	}

	if _, err := w.coll.BulkWrite(w.ctx, writes, options.BulkWrite().SetOrdered(true)); err != nil {
		return fmt.Errorf("bulk upsert snapshots: %w", err)
	}
	w.written += len(records)
	return nil
}

// Close is a no-op; the client belongs to the store.
func (w *MongoWriter) Close() error {
	return nil
}

// Validate checks that the documents of this crawl are visible.
func (w *MongoWriter) Validate() error {
	w.mu.Lock()
	written := w.written
	w.mu.Unlock()

	stored, err := w.coll.CountDocuments(w.ctx, w.crawlFilter())
	if err != nil {
		return fmt.Errorf("count stored snapshots: %w", err)
	}
	if written > 0 && stored == 0 {
		return fmt.Errorf("no snapshots stored after writing %d records", written)
	}
	return nil
}
