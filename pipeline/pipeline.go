// Package pipeline buffers validated records and writes them to the
// configured output sinks in batches.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-scrape-nutrition/config"
	"github.com/aluiziolira/go-scrape-nutrition/models"
)

var (
	// ErrWriterClosed is returned when Add is called after Close.
	ErrWriterClosed = errors.New("pipeline: writer closed")
)

// Sink persists batches of records in one output format.
type Sink interface {
	Append(records []*models.Record) error
	Close() error
	Validate() error
}

// Finalizer is implemented by sinks that do extra work once a run ends,
// such as rebuilding a summary sheet.
type Finalizer interface {
	Finalize() error
}

// Writer accumulates records and fans them out to every sink once the batch
// threshold is reached. Rows are de-duplicated by record key across the run.
// When a sink fails the buffer is retained, so records submitted before a
// transient write error are not lost.
type Writer struct {
	sinks     []Sink
	batchSize int
	logger    *slog.Logger

	mu      sync.Mutex
	pending []*models.Record
	closed  bool
	seen    *lru.Cache[string, struct{}]

	buffered   int64
	flushed    int64
	flushCount int64
	duplicates int64
}

// NewWriter builds a writer over the given sinks using the configured batch
// size and dedupe cache capacity.
func NewWriter(cfg *config.Config, logger *slog.Logger, sinks ...Sink) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seen, err := lru.New[string, struct{}](cfg.DedupeMaxSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &Writer{
		sinks:     sinks,
		batchSize: cfg.BatchSize,
		logger:    logger,
		seen:      seen,
	}, nil
}

// Add buffers records and flushes when the batch threshold is reached.
// Nil records and rows already seen this run are dropped.
func (w *Writer) Add(records ...*models.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	for _, rec := range records {
		if rec == nil {
			continue
		}
		key := rec.Key()
		if _, dup := w.seen.Get(key); dup {
			w.duplicates++
			continue
		}
		w.seen.Add(key, struct{}{})
		w.pending = append(w.pending, rec)
		w.buffered++
	}

	if len(w.pending) >= w.batchSize {
		return w.flushLocked()
	}
	return nil
}

// Flush writes all buffered records to every sink immediately.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}

	batch := w.pending
	for _, sink := range w.sinks {
		if err := sink.Append(batch); err != nil {
			return fmt.Errorf("flush %d records: %w", len(batch), err)
		}
	}

	w.flushed += int64(len(batch))
	w.flushCount++
	w.pending = nil

	w.logger.Debug("flushed batch", "records", len(batch))
	return nil
}

// Finalize flushes the remaining buffer and lets sinks rebuild their
// end-of-run artifacts. A failed summary rebuild is logged, not fatal.
func (w *Writer) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}

	for _, sink := range w.sinks {
		fin, ok := sink.(Finalizer)
		if !ok {
			continue
		}
		if err := fin.Finalize(); err != nil {
			w.logger.Warn("could not finalize sink", "error", err)
		}
	}
	return nil
}

// Close flushes outstanding records and closes every sink.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error

	if err := w.flushLocked(); err != nil {
		errs = append(errs, err)
	}
	for _, sink := range w.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("multiple errors: %v", errs)
	}
	return nil
}

// Validate checks every sink produced usable output.
func (w *Writer) Validate() error {
	var errs []error

	for _, sink := range w.sinks {
		if err := sink.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors: %v", errs)
	}
	return nil
}

// Pending returns the number of buffered, unflushed records.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// GetMetrics returns a snapshot of the internal counters.
func (w *Writer) GetMetrics() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	return map[string]interface{}{
		"buffered_records": w.buffered,
		"flushed_records":  w.flushed,
		"flush_count":      w.flushCount,
		"duplicate_rows":   w.duplicates,
	}
}
