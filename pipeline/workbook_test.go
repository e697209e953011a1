package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/aluiziolira/go-scrape-nutrition/models"
)

func sheetRows(t *testing.T, path, sheet string) [][]string {
	t.Helper()

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		t.Fatalf("read sheet %q: %v", sheet, err)
	}
	return rows
}

func TestWorkbookSinkWritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nutritional_data.xlsx")

	sink, err := NewWorkbookSink(path, testLogger())
	if err != nil {
		t.Fatalf("create workbook sink: %v", err)
	}

	records := []*models.Record{
		testRecord(10, "100 گرم"),
		testRecord(12, "یک عدد"),
	}
	if err := sink.Append(records); err != nil {
		t.Fatalf("append workbook: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close workbook: %v", err)
	}

	rows := sheetRows(t, path, workbookSheet)
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0][0] != "Food Name" || rows[0][10] != "Food ID" {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	if rows[1][0] != "food 10" || rows[1][10] != "10" {
		t.Fatalf("unexpected first data row: %v", rows[1])
	}
	if rows[2][1] != "یک عدد" {
		t.Fatalf("measurement unit = %q, want %q", rows[2][1], "یک عدد")
	}
}

func TestWorkbookSinkResumesAppending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nutritional_data.xlsx")

	sink, err := NewWorkbookSink(path, testLogger())
	if err != nil {
		t.Fatalf("create workbook sink: %v", err)
	}
	if err := sink.Append([]*models.Record{testRecord(1, "100 گرم")}); err != nil {
		t.Fatalf("append workbook: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close workbook: %v", err)
	}

	reopened, err := NewWorkbookSink(path, testLogger())
	if err != nil {
		t.Fatalf("reopen workbook sink: %v", err)
	}
	if err := reopened.Append([]*models.Record{testRecord(2, "100 گرم")}); err != nil {
		t.Fatalf("append workbook: %v", err)
	}
	if err := reopened.Close(); err != nil {
		t.Fatalf("close workbook: %v", err)
	}

	rows := sheetRows(t, path, workbookSheet)
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3 (header plus two data rows)", len(rows))
	}
	if rows[2][10] != "2" {
		t.Fatalf("resumed row id = %q, want %q", rows[2][10], "2")
	}
}

func TestWorkbookSinkFinalizeBuildsSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nutritional_data.xlsx")

	sink, err := NewWorkbookSink(path, testLogger())
	if err != nil {
		t.Fatalf("create workbook sink: %v", err)
	}

	records := []*models.Record{
		testRecord(10, "100 گرم"),
		testRecord(10, "یک عدد"),
		testRecord(12, "100 گرم"),
	}
	if err := sink.Append(records); err != nil {
		t.Fatalf("append workbook: %v", err)
	}
	if err := sink.Finalize(); err != nil {
		t.Fatalf("finalize workbook: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close workbook: %v", err)
	}

	rows := sheetRows(t, path, summarySheet)
	if len(rows) == 0 {
		t.Fatalf("summary sheet is empty")
	}
	if rows[0][0] != "Mankan.me Nutritional Database - Summary" {
		t.Fatalf("summary title = %q", rows[0][0])
	}

	stats := make(map[string]string)
	for _, row := range rows {
		if len(row) >= 2 && row[0] != "" {
			stats[row[0]] = row[1]
		}
	}
	if stats["Total Food Items"] != "2" {
		t.Fatalf("total food items = %q, want %q", stats["Total Food Items"], "2")
	}
	if stats["Total Data Rows"] != "3" {
		t.Fatalf("total data rows = %q, want %q", stats["Total Data Rows"], "3")
	}
	if stats["Average Measurements per Food"] != "1.50" {
		t.Fatalf("average measurements = %q, want %q", stats["Average Measurements per Food"], "1.50")
	}
	// The most common measurement unit leads the distribution.
	if stats["100 گرم"] != "2" {
		t.Fatalf("unit distribution = %v", stats)
	}
}

func TestWorkbookSinkFinalizeReplacesSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nutritional_data.xlsx")

	sink, err := NewWorkbookSink(path, testLogger())
	if err != nil {
		t.Fatalf("create workbook sink: %v", err)
	}

	if err := sink.Append([]*models.Record{testRecord(1, "100 گرم")}); err != nil {
		t.Fatalf("append workbook: %v", err)
	}
	if err := sink.Finalize(); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if err := sink.Append([]*models.Record{testRecord(2, "100 گرم")}); err != nil {
		t.Fatalf("append workbook: %v", err)
	}
	if err := sink.Finalize(); err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close workbook: %v", err)
	}

	rows := sheetRows(t, path, summarySheet)
	stats := make(map[string]string)
	for _, row := range rows {
		if len(row) >= 2 && row[0] != "" {
			stats[row[0]] = row[1]
		}
	}
	if stats["Total Data Rows"] != "2" {
		t.Fatalf("total data rows after rebuild = %q, want %q", stats["Total Data Rows"], "2")
	}
}
