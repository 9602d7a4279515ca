package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-doctolib/config"
	"github.com/aluiziolira/go-scrape-doctolib/models"
)

type mockWriter struct {
	mu          sync.Mutex
	batches     [][]*models.ListingRecord
	closed      bool
	validateErr error
}

func (mw *mockWriter) Write(records []*models.ListingRecord) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	copyBatch := make([]*models.ListingRecord, len(records))
	copy(copyBatch, records)
	mw.batches = append(mw.batches, copyBatch)
	return nil
}

func (mw *mockWriter) Close() error {
	mw.mu.Lock()
	mw.closed = true
	mw.mu.Unlock()
	return nil
}

func (mw *mockWriter) Validate() error {
	return mw.validateErr
}

func (mw *mockWriter) all() []*models.ListingRecord {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	var out []*models.ListingRecord
	for _, batch := range mw.batches {
		out = append(out, batch...)
	}
	return out
}

func (mw *mockWriter) batchSizes() []int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	sizes := make([]int, 0, len(mw.batches))
	for _, batch := range mw.batches {
		sizes = append(sizes, len(batch))
	}
	return sizes
}

type blockingWriter struct {
	blockCh chan struct{}
}

func (bw *blockingWriter) Write(records []*models.ListingRecord) error {
	<-bw.blockCh
	return nil
}

func (bw *blockingWriter) Close() error {
	return nil
}

func (bw *blockingWriter) Validate() error {
	return nil
}

type failingWriter struct{}

func (failingWriter) Write([]*models.ListingRecord) error { return errors.New("disk full") }
func (failingWriter) Close() error                        { return nil }
func (failingWriter) Validate() error                     { return nil }

func record(page int, id string) *models.ListingRecord {
	return &models.ListingRecord{
		Page:       page,
		DoctorID:   id,
		ProfileURL: "/medecin/paris/dr-" + id,
		FullName:   "Dr " + id,
	}
}

func TestPipelineProcessValidationAndDuplicates(t *testing.T) {
	cfg := config.DefaultConfig()
	writer := &mockWriter{}
	p := NewPipeline(context.Background(), writer, cfg)
	p.Start()

	valid := record(1, "1")
	invalid := &models.ListingRecord{Page: 1, ProfileURL: "/no-id"}
	repeated := record(2, "1")

	if err := p.Process(valid, invalid, repeated); err != nil {
		t.Fatalf("process: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := writer.all()
	if len(got) != 2 {
		t.Fatalf("written records = %d, want 2 (repeats are kept)", len(got))
	}
	if got[0].Page != 1 || got[1].Page != 2 {
		t.Fatalf("pages = %d,%d, want 1,2", got[0].Page, got[1].Page)
	}

	metrics := p.GetMetrics()
	validation, ok := metrics["validation_errors"].(map[string]int)
	if !ok {
		t.Fatalf("expected validation errors map")
	}
	if validation["invalid_record"] != 1 {
		t.Fatalf("invalid_record = %d, want 1", validation["invalid_record"])
	}
	if metrics["duplicate_ids"].(int) != 1 {
		t.Fatalf("duplicate_ids = %v, want 1", metrics["duplicate_ids"])
	}
	if metrics["processed_records"].(int64) != 2 {
		t.Fatalf("processed_records = %v, want 2", metrics["processed_records"])
	}
}

func TestPipelineBatchFlushThreshold(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BatchSize = 64
	writer := &mockWriter{}
	p := NewPipeline(context.Background(), writer, cfg)
	p.Start()

	for i := 0; i < 65; i++ {
		if err := p.Process(record(1, strconv.Itoa(i))); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sizes := writer.batchSizes()
	if len(sizes) != 2 {
		t.Fatalf("batch writes = %d, want 2", len(sizes))
	}
	if sizes[0] != 64 || sizes[1] != 1 {
		t.Fatalf("batch sizes = %v, want [64 1]", sizes)
	}
}

func TestPipelinePreservesOrder(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BatchSize = 7
	cfg.PipelineBufferSize = 4
	writer := &mockWriter{}
	p := NewPipeline(context.Background(), writer, cfg)
	p.Start()
	p.Start()

	for i := 0; i < 100; i++ {
		if err := p.Process(record(i/10+1, strconv.Itoa(i+200))); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := writer.all()
	if len(got) != 100 {
		t.Fatalf("written records = %d, want 100", len(got))
	}
	for i, r := range got {
		if want := strconv.Itoa(i + 200); r.DoctorID != want {
			t.Fatalf("record %d = %s, want %s", i, r.DoctorID, want)
		}
	}
}

func TestPipelineWriteErrorStopsProcessing(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BatchSize = 1
	p := NewPipeline(context.Background(), failingWriter{}, cfg)
	p.Start()

	if err := p.Process(record(1, "1")); err != nil {
		t.Fatalf("first process: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for p.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := p.Process(record(1, "2")); err == nil {
		t.Fatalf("expected error after failed write")
	}
	if err := p.Close(); err == nil {
		t.Fatalf("close should report the write error")
	}
}

func TestPipelineProcessAfterClose(t *testing.T) {
	p := NewPipeline(context.Background(), &mockWriter{}, config.DefaultConfig())
	p.Start()
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Process(record(1, "1")); !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("error = %v, want ErrPipelineClosed", err)
	}
}

func TestPipelineCloseTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BatchSize = 1

	writer := &blockingWriter{blockCh: make(chan struct{})}
	p := NewPipeline(context.Background(), writer, cfg)
	p.Start()

	if err := p.Process(record(1, "blocked")); err != nil {
		t.Fatalf("process: %v", err)
	}

	previousTimeout := drainTimeout
	drainTimeout = 25 * time.Millisecond
	t.Cleanup(func() {
		drainTimeout = previousTimeout
		close(writer.blockCh)
	})

	if err := p.Close(); err == nil || !errors.Is(err, ErrPipelineCloseTimeout) {
		t.Fatalf("expected close timeout error, got %v", err)
	}
}

type benchWriter struct {
	mu    sync.Mutex
	count int
}

func (bw *benchWriter) Write(records []*models.ListingRecord) error {
	bw.mu.Lock()
	bw.count += len(records)
	bw.mu.Unlock()
	return nil
}

func (bw *benchWriter) Close() error {
	return nil
}

func (bw *benchWriter) Validate() error {
	return nil
}

func BenchmarkPipeline_Throughput(b *testing.B) {
	for _, batch := range []int{16, 64, 256} {
		b.Run(fmt.Sprintf("batch=%d", batch), func(b *testing.B) {
			cfg := config.DefaultConfig()
			cfg.PipelineBufferSize = 1024
			cfg.BatchSize = batch

			writer := &benchWriter{}
			p := NewPipeline(context.Background(), writer, cfg)
			p.Start()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := p.Process(record(i/20+1, strconv.Itoa(i))); err != nil {
					b.Fatalf("process: %v", err)
				}
			}
			b.StopTimer()
			if err := p.Close(); err != nil {
				b.Fatalf("close: %v", err)
			}
			elapsed := b.Elapsed().Seconds()
			if elapsed > 0 {
				b.ReportMetric(float64(b.N)/elapsed, "items/sec")
			}
		})
	}
}
