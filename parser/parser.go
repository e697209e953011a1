package parser

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-scrape-nutrition/models"
)

var (
	nonNumeric = regexp.MustCompile(`[^0-9.\-]`)
	innerSpace = regexp.MustCompile(`\s+`)
)

// CleanNumeric extracts a numeric value from raw scraped text, so
// "59.4g" becomes 59.4. Text with no usable number yields nil.
// Negative values pass through; ValidateRecord rejects them.
func CleanNumeric(raw string) *float64 {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	cleaned := nonNumeric.ReplaceAllString(trimmed, "")
	if cleaned == "" {
		return nil
	}

	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}
	return &value
}

// NormalizeText trims the string and collapses runs of inner whitespace.
func NormalizeText(raw string) string {
	return innerSpace.ReplaceAllString(strings.TrimSpace(raw), " ")
}

// ValidateRecord ensures the extractor captured the required fields.
// Nutrient values must be non-negative; the measurement value is
// exempt to stay compatible with historical sink data.
func ValidateRecord(r *models.Record) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if r.ItemID <= 0 {
		return fmt.Errorf("record has invalid item id %d", r.ItemID)
	}
	if strings.TrimSpace(r.ItemName) == "" {
		return fmt.Errorf("record missing item name for id %d", r.ItemID)
	}
	if strings.TrimSpace(r.UnitLabel) == "" {
		return fmt.Errorf("record missing unit label for id %d", r.ItemID)
	}

	nutrients := []struct {
		name  string
		value *float64
	}{
		{"calories", r.Calories},
		{"fat_g", r.FatG},
		{"protein_g", r.ProteinG},
		{"carbs_g", r.CarbsG},
		{"fiber_g", r.FiberG},
		{"sugar_g", r.SugarG},
		{"salt_g", r.SaltG},
	}
	for _, n := range nutrients {
		if n.value == nil {
			continue
		}
		if math.IsNaN(*n.value) || math.IsInf(*n.value, 0) {
			return fmt.Errorf("non-finite %s for id %d", n.name, r.ItemID)
		}
		if *n.value < 0 {
			return fmt.Errorf("negative %s (%v) for id %d", n.name, *n.value, r.ItemID)
		}
	}
	return nil
}

// NormalizeRecord trims the text fields in place before validation.
func NormalizeRecord(r *models.Record) {
	if r == nil {
		return
	}
	r.ItemName = NormalizeText(r.ItemName)
	r.UnitLabel = NormalizeText(r.UnitLabel)
}
