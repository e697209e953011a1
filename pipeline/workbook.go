package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/aluiziolira/go-scrape-nutrition/models"
)

const (
	workbookSheet = "Nutritional Data"
	summarySheet  = "Summary"

	maxColumnWidth = 50
)

// WorkbookSink appends records to an Excel workbook. The workbook is kept in
// memory between flushes and persisted with a temp-file rename, so a crash
// mid-save never leaves a truncated file. Reopening an existing workbook
// resumes appending below the last row.
type WorkbookSink struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	f       *excelize.File
	nextRow int
	maxLen  []int

	headerStyle int
	textStyle   int
	numStyle    int
	idStyle     int
}

// NewWorkbookSink opens or creates the workbook output file.
func NewWorkbookSink(path string, logger *slog.Logger) (*WorkbookSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	s := &WorkbookSink{
		path:   path,
		logger: logger,
		maxLen: make([]int, len(columns)),
	}
	for i, c := range columns {
		s.maxLen[i] = utf8.RuneCountInString(c.header)
	}

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		if err := s.reopen(); err != nil {
			logger.Warn("could not reuse existing workbook, recreating", "path", path, "error", err)
			s.f = nil
		}
	}

	if s.f == nil {
		if err := s.create(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *WorkbookSink) reopen() error {
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return err
	}

	idx, err := f.GetSheetIndex(workbookSheet)
	if err != nil || idx < 0 {
		f.Close()
		return fmt.Errorf("data sheet missing")
	}

	rows, err := f.GetRows(workbookSheet)
	if err != nil {
		f.Close()
		return fmt.Errorf("read existing rows: %w", err)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(s.maxLen) {
				break
			}
			if n := utf8.RuneCountInString(cell); n > s.maxLen[i] {
				s.maxLen[i] = n
			}
		}
	}

	s.f = f
	s.nextRow = len(rows) + 1
	if s.nextRow < 2 {
		s.nextRow = 2
	}
	return s.buildStyles()
}

func (s *WorkbookSink) create() error {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", workbookSheet); err != nil {
		return fmt.Errorf("name data sheet: %w", err)
	}

	s.f = f
	s.nextRow = 2
	if err := s.buildStyles(); err != nil {
		return err
	}

	for i, c := range columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return fmt.Errorf("header cell name: %w", err)
		}
		if err := f.SetCellValue(workbookSheet, cell, c.header); err != nil {
			return fmt.Errorf("write header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(workbookSheet, cell, cell, s.headerStyle); err != nil {
			return fmt.Errorf("style header cell %s: %w", cell, err)
		}
	}

	if err := s.applyLayout(); err != nil {
		return err
	}
	return s.saveLocked()
}

func (s *WorkbookSink) buildStyles() error {
	border := []excelize.Border{
		{Type: "left", Color: "000000", Style: 1},
		{Type: "right", Color: "000000", Style: 1},
		{Type: "top", Color: "000000", Style: 1},
		{Type: "bottom", Color: "000000", Style: 1},
	}
	center := &excelize.Alignment{Horizontal: "center", Vertical: "center"}
	left := &excelize.Alignment{Horizontal: "left", Vertical: "center"}
	numFmt := "0.0"

	var err error
	s.headerStyle, err = s.f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF", Size: 11},
		Border:    border,
		Alignment: center,
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	s.textStyle, err = s.f.NewStyle(&excelize.Style{Border: border, Alignment: left})
	if err != nil {
		return fmt.Errorf("create text style: %w", err)
	}

	s.numStyle, err = s.f.NewStyle(&excelize.Style{Border: border, Alignment: center, CustomNumFmt: &numFmt})
	if err != nil {
		return fmt.Errorf("create numeric style: %w", err)
	}

	s.idStyle, err = s.f.NewStyle(&excelize.Style{Border: border, Alignment: center})
	if err != nil {
		return fmt.Errorf("create id style: %w", err)
	}
	return nil
}

func (s *WorkbookSink) styleFor(col int) int {
	switch {
	case columns[col].numeric:
		return s.numStyle
	case columns[col].header == "Food ID":
		return s.idStyle
	default:
		return s.textStyle
	}
}

// Append writes records to the data sheet and persists the workbook.
func (s *WorkbookSink) Append(records []*models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if rec == nil {
			continue
		}
		vals := workbookRow(rec)
		for i, val := range vals {
			cell, err := excelize.CoordinatesToCellName(i+1, s.nextRow)
			if err != nil {
				return fmt.Errorf("cell name: %w", err)
			}
			if err := s.f.SetCellValue(workbookSheet, cell, val); err != nil {
				return fmt.Errorf("write cell %s: %w", cell, err)
			}
			if err := s.f.SetCellStyle(workbookSheet, cell, cell, s.styleFor(i)); err != nil {
				return fmt.Errorf("style cell %s: %w", cell, err)
			}
			if n := utf8.RuneCountInString(fmt.Sprint(val)); n > s.maxLen[i] {
				s.maxLen[i] = n
			}
		}
		s.nextRow++
	}

	if err := s.applyLayout(); err != nil {
		return err
	}
	return s.saveLocked()
}

// applyLayout sizes columns to their widest cell and keeps the header row
// frozen.
func (s *WorkbookSink) applyLayout() error {
	for i := range columns {
		name, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("column name: %w", err)
		}
		width := float64(s.maxLen[i] + 2)
		if width > maxColumnWidth {
			width = maxColumnWidth
		}
		if err := s.f.SetColWidth(workbookSheet, name, name, width); err != nil {
			return fmt.Errorf("set column width: %w", err)
		}
	}

	err := s.f.SetPanes(workbookSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
	if err != nil {
		return fmt.Errorf("freeze header row: %w", err)
	}
	return nil
}

func (s *WorkbookSink) saveLocked() error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create workbook temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := s.f.Write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write workbook: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close workbook temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace workbook: %w", err)
	}
	return nil
}

// Finalize rebuilds the summary sheet from the data rows and saves the
// workbook.
func (s *WorkbookSink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, err := s.f.GetSheetIndex(summarySheet); err == nil && idx >= 0 {
		if err := s.f.DeleteSheet(summarySheet); err != nil {
			return fmt.Errorf("remove stale summary sheet: %w", err)
		}
	}

	rows, err := s.f.GetRows(workbookSheet)
	if err != nil {
		return fmt.Errorf("read data rows: %w", err)
	}

	unique := make(map[string]struct{})
	unitCounts := make(map[string]int)
	var unitOrder []string
	totalRows := 0
	for i, row := range rows {
		if i == 0 {
			continue
		}
		totalRows++
		unit := "Unknown"
		if len(row) > 1 && row[1] != "" {
			unit = row[1]
		}
		if _, seen := unitCounts[unit]; !seen {
			unitOrder = append(unitOrder, unit)
		}
		unitCounts[unit]++
		if len(row) > 10 && row[10] != "" {
			unique[row[10]] = struct{}{}
		}
	}

	avg := "0"
	if len(unique) > 0 {
		avg = fmt.Sprintf("%.2f", float64(totalRows)/float64(len(unique)))
	}

	summaryRows := [][]interface{}{
		{"Mankan.me Nutritional Database - Summary", ""},
		{"", ""},
		{"Completion Date", time.Now().Format("2006-01-02 15:04:05")},
		{"Total Food Items", len(unique)},
		{"Total Data Rows", totalRows},
		{"Average Measurements per Food", avg},
		{"", ""},
		{"Measurement Unit Distribution", ""},
	}

	sort.SliceStable(unitOrder, func(i, j int) bool {
		return unitCounts[unitOrder[i]] > unitCounts[unitOrder[j]]
	})
	if len(unitOrder) > 10 {
		unitOrder = unitOrder[:10]
	}
	for _, unit := range unitOrder {
		summaryRows = append(summaryRows, []interface{}{unit, unitCounts[unit]})
	}

	idx, err := s.f.NewSheet(summarySheet)
	if err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}

	titleStyle, err := s.f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}})
	if err != nil {
		return fmt.Errorf("create summary title style: %w", err)
	}
	labelStyle, err := s.f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create summary label style: %w", err)
	}

	for r, row := range summaryRows {
		for c, val := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return fmt.Errorf("summary cell name: %w", err)
			}
			if err := s.f.SetCellValue(summarySheet, cell, val); err != nil {
				return fmt.Errorf("write summary cell %s: %w", cell, err)
			}
			switch {
			case r == 0:
				if err := s.f.SetCellStyle(summarySheet, cell, cell, titleStyle); err != nil {
					return fmt.Errorf("style summary cell %s: %w", cell, err)
				}
			case r < 7 && c == 0:
				if err := s.f.SetCellStyle(summarySheet, cell, cell, labelStyle); err != nil {
					return fmt.Errorf("style summary cell %s: %w", cell, err)
				}
			}
		}
	}

	if err := s.f.SetColWidth(summarySheet, "A", "A", 35); err != nil {
		return fmt.Errorf("set summary column width: %w", err)
	}
	if err := s.f.SetColWidth(summarySheet, "B", "B", 20); err != nil {
		return fmt.Errorf("set summary column width: %w", err)
	}
	s.f.SetActiveSheet(idx)

	return s.saveLocked()
}

// Close releases the in-memory workbook. Pending rows are saved by Append,
// so Close has nothing left to persist.
func (s *WorkbookSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Validate ensures the workbook file has content.
func (s *WorkbookSink) Validate() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("stat workbook file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("workbook file is empty")
	}
	return nil
}
