// Package models defines data structures for the scraper.
package models

import (
	"strconv"
	"time"
)

// Record is one (item, measurement unit) nutritional observation.
// Numeric fields are nil when the source page does not publish them;
// the sinks render nil as 0.0. The JSON tags are a persistence
// contract shared with the checkpoint file.
type Record struct {
	ItemID    int      `json:"food_id"`
	ItemName  string   `json:"food_name"`
	UnitLabel string   `json:"measurement_unit"`
	UnitValue *float64 `json:"measurement_value"`
	Calories  *float64 `json:"calories"`
	FatG      *float64 `json:"fat_g"`
	ProteinG  *float64 `json:"protein_g"`
	CarbsG    *float64 `json:"carbs_g"`
	FiberG    *float64 `json:"fiber_g"`
	SugarG    *float64 `json:"sugar_g"`
	SaltG     *float64 `json:"salt_g"`
}

// Key identifies a record for per-run de-duplication.
func (r *Record) Key() string {
	return strconv.Itoa(r.ItemID) + "|" + r.UnitLabel
}

// Float returns a pointer to v, for building records inline.
func Float(v float64) *float64 {
	return &v
}

// SkipEntry records one failed identifier for the retry tooling.
// Reason carries the pipeline classification (no_data, exception,
// retry_failed); ErrorType carries the transport-level label.
type SkipEntry struct {
	ItemID       int       `json:"food_id"`
	Timestamp    time.Time `json:"timestamp"`
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	Reason       string    `json:"reason"`
	Detail       string    `json:"traceback"`
}

// OutcomeKind classifies the result of processing one identifier.
type OutcomeKind int

const (
	// OutcomeSuccess means at least one validated record was produced.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeNoData means the page was missing, unreachable, or held
	// no usable records.
	OutcomeNoData
	// OutcomeFailure means an unexpected error interrupted processing.
	OutcomeFailure
)

// Outcome is the result of the fetch+extract+validate stage for one
// identifier.
type Outcome struct {
	ItemID  int
	Kind    OutcomeKind
	Records []*Record
	Err     error
	Detail  string
}

// RunResult holds the overall result of a scrape run.
type RunResult struct {
	StartTime    time.Time
	EndTime      time.Time
	TargetCount  int
	AlreadyDone  int
	Processed    int
	Completed    int
	Skipped      int
	RecordCount  int
	ErrorsByKind map[string]int
	Interrupted  bool
}
