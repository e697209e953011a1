package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/aluiziolira/go-scrape-nutrition/config"
	"github.com/aluiziolira/go-scrape-nutrition/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRecord(id int, unit string) *models.Record {
	return &models.Record{
		ItemID:    id,
		ItemName:  fmt.Sprintf("food %d", id),
		UnitLabel: unit,
		UnitValue: models.Float(100),
		Calories:  models.Float(52),
		FatG:      models.Float(0.2),
	}
}

type mockSink struct {
	mu          sync.Mutex
	batches     [][]*models.Record
	closed      bool
	appendErrs  int
	validateErr error
	finalized   bool
}

func (ms *mockSink) Append(records []*models.Record) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.appendErrs > 0 {
		ms.appendErrs--
		return errors.New("sink unavailable")
	}
	copyBatch := make([]*models.Record, len(records))
	copy(copyBatch, records)
	ms.batches = append(ms.batches, copyBatch)
	return nil
}

func (ms *mockSink) Close() error {
	ms.mu.Lock()
	ms.closed = true
	ms.mu.Unlock()
	return nil
}

func (ms *mockSink) Validate() error {
	return ms.validateErr
}

func (ms *mockSink) Finalize() error {
	ms.mu.Lock()
	ms.finalized = true
	ms.mu.Unlock()
	return nil
}

func (ms *mockSink) totalWritten() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	total := 0
	for _, batch := range ms.batches {
		total += len(batch)
	}
	return total
}

func (ms *mockSink) batchSizes() []int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	sizes := make([]int, 0, len(ms.batches))
	for _, batch := range ms.batches {
		sizes = append(sizes, len(batch))
	}
	return sizes
}

func newTestWriter(t *testing.T, batchSize int, sinks ...Sink) *Writer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BatchSize = batchSize
	w, err := NewWriter(cfg, testLogger(), sinks...)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	return w
}

func TestWriterBatchFlushThreshold(t *testing.T) {
	sink := &mockSink{}
	w := newTestWriter(t, 10, sink)

	for i := 1; i <= 25; i++ {
		if err := w.Add(testRecord(i, "100 گرم")); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	if got := w.Pending(); got != 5 {
		t.Fatalf("Pending() = %d, want 5", got)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	sizes := sink.batchSizes()
	if len(sizes) != 3 {
		t.Fatalf("batch writes = %d, want 3", len(sizes))
	}
	if sizes[0] != 10 || sizes[1] != 10 || sizes[2] != 5 {
		t.Fatalf("batch sizes = %v, want [10 10 5]", sizes)
	}
}

func TestWriterDeduplicatesRows(t *testing.T) {
	sink := &mockSink{}
	w := newTestWriter(t, 50, sink)

	if err := w.Add(testRecord(7, "100 گرم"), testRecord(7, "100 گرم")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	// The same item with a different measurement unit is a distinct row.
	if err := w.Add(testRecord(7, "یک عدد")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := sink.totalWritten(); got != 2 {
		t.Fatalf("written records = %d, want 2", got)
	}

	metrics := w.GetMetrics()
	if dup := metrics["duplicate_rows"].(int64); dup != 1 {
		t.Fatalf("duplicate_rows = %d, want 1", dup)
	}
}

func TestWriterRetainsBufferOnSinkFailure(t *testing.T) {
	sink := &mockSink{appendErrs: 1}
	w := newTestWriter(t, 3, sink)

	err := w.Add(testRecord(1, "u"), testRecord(2, "u"), testRecord(3, "u"))
	if err == nil {
		t.Fatalf("Add() should surface the sink failure")
	}

	if got := w.Pending(); got != 3 {
		t.Fatalf("Pending() after failed flush = %d, want 3", got)
	}

	// The sink recovered; the retained buffer flushes in full.
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := sink.totalWritten(); got != 3 {
		t.Fatalf("written records = %d, want 3", got)
	}
}

func TestWriterAddAfterClose(t *testing.T) {
	sink := &mockSink{}
	w := newTestWriter(t, 10, sink)

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Add(testRecord(1, "u")); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("Add() after Close = %v, want ErrWriterClosed", err)
	}
	if !sink.closed {
		t.Fatalf("sink should be closed")
	}
}

func TestWriterCloseFlushesRemaining(t *testing.T) {
	sink := &mockSink{}
	w := newTestWriter(t, 10, sink)

	for i := 1; i <= 3; i++ {
		if err := w.Add(testRecord(i, "u")); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := sink.totalWritten(); got != 3 {
		t.Fatalf("written records = %d, want 3", got)
	}
}

func TestWriterFinalizeFlushesThenFinalizes(t *testing.T) {
	sink := &mockSink{}
	w := newTestWriter(t, 10, sink)

	if err := w.Add(testRecord(1, "u")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	if got := sink.totalWritten(); got != 1 {
		t.Fatalf("written records = %d, want 1", got)
	}
	if !sink.finalized {
		t.Fatalf("sink should be finalized")
	}
}

func TestWriterValidateAggregatesSinkErrors(t *testing.T) {
	good := &mockSink{}
	bad := &mockSink{validateErr: errors.New("csv file is empty")}
	w := newTestWriter(t, 10, good, bad)

	if err := w.Validate(); err == nil {
		t.Fatalf("Validate() should report the failing sink")
	}
}

func BenchmarkWriterAdd(b *testing.B) {
	cfg := config.DefaultConfig()
	cfg.BatchSize = 50
	sink := &mockSink{}
	w, err := NewWriter(cfg, testLogger(), sink)
	if err != nil {
		b.Fatalf("NewWriter() error = %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := w.Add(testRecord(i, "100 گرم")); err != nil {
			b.Fatalf("Add() error = %v", err)
		}
	}
	b.StopTimer()

	if b.Elapsed() > 0 {
		b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "records/sec")
	}
}
