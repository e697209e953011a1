package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/aluiziolira/go-scrape-nutrition/models"
)

// column describes one output column. The order below is the contract for
// both sinks and must not change between runs, or appended rows will no
// longer line up with the existing header.
type column struct {
	header  string
	numeric bool
}

var columns = []column{
	{"Food Name", false},
	{"Measurement Unit", false},
	{"Calories", true},
	{"Fat (g)", true},
	{"Protein (g)", true},
	{"Carbs (g)", true},
	{"Fiber (g)", true},
	{"Sugar (g)", true},
	{"Salt (g)", true},
	{"Measurement Value", true},
	{"Food ID", false},
}

func headerRow() []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.header
	}
	return out
}

// csvRow renders one record in column order. Missing numeric values are
// backfilled as "0.0" so every row has the same shape.
func csvRow(r *models.Record) []string {
	return []string{
		r.ItemName,
		r.UnitLabel,
		formatNumeric(r.Calories),
		formatNumeric(r.FatG),
		formatNumeric(r.ProteinG),
		formatNumeric(r.CarbsG),
		formatNumeric(r.FiberG),
		formatNumeric(r.SugarG),
		formatNumeric(r.SaltG),
		formatNumeric(r.UnitValue),
		strconv.Itoa(r.ItemID),
	}
}

// workbookRow renders one record as typed cell values in column order.
func workbookRow(r *models.Record) []interface{} {
	return []interface{}{
		r.ItemName,
		r.UnitLabel,
		numericValue(r.Calories),
		numericValue(r.FatG),
		numericValue(r.ProteinG),
		numericValue(r.CarbsG),
		numericValue(r.FiberG),
		numericValue(r.SugarG),
		numericValue(r.SaltG),
		numericValue(r.UnitValue),
		r.ItemID,
	}
}

func formatNumeric(v *float64) string {
	if v == nil {
		return "0.0"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func numericValue(v *float64) float64 {
	if v == nil {
		return 0.0
	}
	return *v
}

// utf8BOM is written at the start of new CSV files so spreadsheet tools
// detect the encoding of Persian text.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVSink appends records to a CSV file. The header is written only when the
// file is created, so resumed runs keep appending to the same output.
type CSVSink struct {
	path   string
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVSink opens or creates the CSV output file.
func NewCSVSink(path string) (*CSVSink, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	fresh := err != nil || info.Size() == 0

	var f *os.File
	if fresh {
		f, err = os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create csv file: %w", err)
		}
		if _, err := f.Write(utf8BOM); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv byte order mark: %w", err)
		}
	} else {
		f, err = os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open csv file: %w", err)
		}
	}

	sink := &CSVSink{
		path:   path,
		file:   f,
		writer: csv.NewWriter(f),
	}

	if fresh {
		if err := sink.writer.Write(headerRow()); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		sink.writer.Flush()
		if err := sink.writer.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("flush csv header: %w", err)
		}
	}

	return sink, nil
}

// Append writes records and syncs them to disk.
func (s *CSVSink) Append(records []*models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if rec == nil {
			continue
		}
		if err := s.writer.Write(csvRow(rec)); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync csv file: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return s.file.Close()
}

// Validate ensures the file has content.
func (s *CSVSink) Validate() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= int64(len(utf8BOM)) {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
