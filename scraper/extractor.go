package scraper

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-nutrition/config"
	"github.com/aluiziolira/go-scrape-nutrition/models"
	"github.com/aluiziolira/go-scrape-nutrition/parser"
)

var (
	firstNumber = regexp.MustCompile(`\d+\.?\d*`)
	saltPattern = regexp.MustCompile(`نمک[:\s]*(\d+\.?\d*)`)

	caloriePattern = regexp.MustCompile(`کالری[:\s]*(\d+\.?\d*)`)
	sugarPattern   = regexp.MustCompile(`قند[:\s]*(\d+\.?\d*)`)
	fiberPattern   = regexp.MustCompile(`فیبر[:\s]*(\d+\.?\d*)`)

	// Heading texts on fruit pages are often phrased as questions, e.g.
	// "کالری موز چقدر است؟". These rewrites recover the bare name.
	questionPatterns = []struct {
		re   *regexp.Regexp
		repl string
	}{
		{regexp.MustCompile(`^کالری\s+(.+?)\s+چقدر\s+است[?؟]?\s*$`), "$1"},
		{regexp.MustCompile(`^کالری\s+(.+?)\s+چقدر[?؟]?\s*$`), "$1"},
		{regexp.MustCompile(`^(.+?)\s+چقدر\s+است[?؟]?\s*$`), "$1"},
		{regexp.MustCompile(`^(.+?)\s+چند\s+کالری\s+دارد[?؟]?\s*$`), "$1"},
		{regexp.MustCompile(`^بانک\s+غذایی\s*\|\s*(.+?)$`), "$1"},
		{regexp.MustCompile(`\s+(?:چقدر|است|هست|چند|دارد|کالری)[?؟]?\s*$`), ""},
	}
)

// Amounts outside this range are treated as extraction noise.
const maxPlausibleAmount = 10000

// Pages shorter than this are placeholder or error responses.
const minPageSize = 1000

const (
	defaultUnitLabel = "100 گرم"
	defaultUnitValue = 100.0
)

// Extractor turns fetched item pages into validated records. The per-page
// nutrient amounts describe the default 100 gram measurement; rows for other
// measurement options are derived by scaling those amounts by the option's
// gram value.
type Extractor struct {
	kind   string
	logger *slog.Logger
}

// NewExtractor builds an extractor for the given item kind.
func NewExtractor(kind string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{kind: kind, logger: logger}
}

// Extract parses one page and returns every validated measurement row. An
// empty result with a nil error means the page held no usable data.
func (e *Extractor) Extract(id int, body []byte) ([]*models.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse item page %d: %w", id, err)
	}

	if !pageUsable(doc) {
		return nil, nil
	}

	if e.kind == config.ItemKindFruit {
		return e.extractFruit(doc, id), nil
	}
	return e.extractFood(doc, id), nil
}

// pageUsable filters placeholder responses: empty titles, server error
// dumps, and near-empty bodies.
func pageUsable(doc *goquery.Document) bool {
	if strings.TrimSpace(doc.Find("title").First().Text()) == "" {
		return false
	}
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return false
	}
	if strings.Contains(body.Text(), "Fatal error") {
		return false
	}
	html, err := body.Html()
	if err != nil || len(html) < minPageSize {
		return false
	}
	return true
}

func (e *Extractor) extractFood(doc *goquery.Document, id int) []*models.Record {
	name := e.foodName(doc, id)
	nutrients := foodNutrients(doc)
	options := unitOptions(doc)

	var records []*models.Record
	for _, opt := range options {
		rec := &models.Record{
			ItemID:    id,
			ItemName:  name,
			UnitLabel: opt.label,
			UnitValue: opt.value,
			Calories:  scaled(nutrients["calories"], opt.value),
			FatG:      scaled(nutrients["fat_g"], opt.value),
			ProteinG:  scaled(nutrients["protein_g"], opt.value),
			CarbsG:    scaled(nutrients["carbs_g"], opt.value),
			FiberG:    scaled(nutrients["fiber_g"], opt.value),
			SugarG:    models.Float(0),
			SaltG:     scaled(nutrients["salt_g"], opt.value),
		}
		parser.NormalizeRecord(rec)
		if err := parser.ValidateRecord(rec); err != nil {
			e.logger.Debug("dropping invalid row", "id", id, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records
}

func (e *Extractor) extractFruit(doc *goquery.Document, id int) []*models.Record {
	calories := amountFrom(doc, "#calory-amount")
	// Fruit pages reuse the carbo-amount element for sugar.
	sugar := amountFrom(doc, "#carbo-amount")
	fiber := amountFrom(doc, "#fiber-amount")

	if calories == nil || sugar == nil || fiber == nil {
		text := doc.Find("body").Text()
		if calories == nil {
			calories = matchAmount(caloriePattern, text)
		}
		if sugar == nil {
			sugar = matchAmount(sugarPattern, text)
		}
		if fiber == nil {
			fiber = matchAmount(fiberPattern, text)
		}
	}

	rec := &models.Record{
		ItemID:    id,
		ItemName:  e.fruitName(doc, id),
		UnitLabel: defaultUnitLabel,
		UnitValue: models.Float(defaultUnitValue),
		Calories:  scaled(calories, nil),
		FatG:      models.Float(0),
		ProteinG:  models.Float(0),
		CarbsG:    models.Float(0),
		FiberG:    scaled(fiber, nil),
		SugarG:    scaled(sugar, nil),
		SaltG:     models.Float(0),
	}
	parser.NormalizeRecord(rec)
	if err := parser.ValidateRecord(rec); err != nil {
		e.logger.Debug("dropping invalid row", "id", id, "error", err)
		return nil
	}
	return []*models.Record{rec}
}

// foodNutrients reads the per-100-gram amounts from the page's element IDs.
// Salt has a text-pattern fallback because many pages omit its element.
func foodNutrients(doc *goquery.Document) map[string]*float64 {
	selectors := map[string]string{
		"calories":  "#calory-amount",
		"carbs_g":   "#carbo-amount",
		"protein_g": "#protein-amount",
		"fat_g":     "#fat-amount",
		"fiber_g":   "#fiber-amount",
		"salt_g":    "#salt-amount",
	}

	out := make(map[string]*float64, len(selectors))
	for field, sel := range selectors {
		out[field] = amountFrom(doc, sel)
	}
	if out["salt_g"] == nil {
		out["salt_g"] = matchAmount(saltPattern, doc.Find("body").Text())
	}
	return out
}

func amountFrom(doc *goquery.Document, selector string) *float64 {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil
	}
	return firstAmount(sel.Text())
}

// firstAmount pulls the first number out of a text fragment and rejects
// amounts outside the plausible range.
func firstAmount(text string) *float64 {
	m := firstNumber.FindString(strings.TrimSpace(text))
	if m == "" {
		return nil
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || v < 0 || v > maxPlausibleAmount {
		return nil
	}
	return &v
}

func matchAmount(re *regexp.Regexp, text string) *float64 {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v < 0 || v > maxPlausibleAmount {
		return nil
	}
	return &v
}

// scaled converts a per-100-gram base amount to the given measurement size
// and rounds to two decimals. Amounts the page did not provide become 0.
func scaled(base, unitValue *float64) *float64 {
	if base == nil {
		return models.Float(0)
	}
	v := *base
	if unitValue != nil && *unitValue > 0 {
		v = v * *unitValue / 100
	}
	return models.Float(math.Round(v*100) / 100)
}

type unitOption struct {
	label string
	value *float64
}

// unitOptions reads the measurement dropdown. Options carry their gram
// value in the value attribute; when that is missing the first number in
// the label is used. Pages without a dropdown get the default 100 gram
// measurement.
func unitOptions(doc *goquery.Document) []unitOption {
	var options []unitOption
	doc.Find("select").First().Find("option").Each(func(_ int, opt *goquery.Selection) {
		label := parser.NormalizeText(opt.Text())
		if label == "" {
			return
		}

		var value *float64
		if raw, ok := opt.Attr("value"); ok {
			if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
				value = &v
			}
		}
		if value == nil {
			if m := firstNumber.FindString(label); m != "" {
				if v, err := strconv.ParseFloat(m, 64); err == nil {
					value = &v
				}
			}
		}
		options = append(options, unitOption{label: label, value: value})
	})

	if len(options) == 0 {
		options = append(options, unitOption{label: defaultUnitLabel, value: models.Float(defaultUnitValue)})
	}
	return options
}

// foodName walks the page headings for the item name. Every candidate is
// length-checked and stripped of nutrient labels; the identifier-based
// fallback only fires for pages with no usable heading at all.
func (e *Extractor) foodName(doc *goquery.Document, id int) string {
	if text := strings.TrimSpace(doc.Find("h1").First().Text()); candidateName(text) {
		if cleaned := stripNutrientLabels(text); usableName(cleaned) {
			return parser.NormalizeText(cleaned)
		}
	}

	for _, sel := range []string{"h2", "h3"} {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); candidateName(text) {
			return parser.NormalizeText(text)
		}
	}

	if heading := doc.Find("main, .content, .read-one, section, article").First().Find("h1, h2, h3").First(); heading.Length() > 0 {
		if text := strings.TrimSpace(heading.Text()); candidateName(text) {
			if cleaned := stripNutrientLabels(text); usableName(cleaned) {
				return parser.NormalizeText(cleaned)
			}
		}
	}

	if name := nameFromTitle(doc); name != "" {
		return name
	}

	e.logger.Warn("could not extract item name, using fallback", "id", id)
	return fmt.Sprintf("Food %d", id)
}

// fruitName mirrors foodName but also unwraps the question-style headings
// fruit pages use.
func (e *Extractor) fruitName(doc *goquery.Document, id int) string {
	selectors := []string{
		"h1", "h2", "h3",
		".food-titel h1", ".titer-Result-Box h1",
		"[class*='title']", "[class*='name']",
	}
	for _, sel := range selectors {
		text := strings.TrimSpace(doc.Find(sel).First().Text())
		if text == "" || strings.HasPrefix(text, "Fruit") {
			continue
		}
		if n := utf8.RuneCountInString(text); n <= 2 || n >= 200 {
			continue
		}
		cleaned := stripNutrientLabels(text)
		for _, p := range questionPatterns {
			cleaned = p.re.ReplaceAllString(cleaned, p.repl)
		}
		cleaned = parser.NormalizeText(cleaned)
		if utf8.RuneCountInString(cleaned) > 2 {
			return cleaned
		}
	}

	if name := nameFromTitle(doc); name != "" {
		return name
	}

	e.logger.Warn("could not extract item name, using fallback", "id", id)
	return fmt.Sprintf("Fruit %d", id)
}

// nameFromTitle derives a name from the document title, dropping the site
// name suffix.
func nameFromTitle(doc *goquery.Document) string {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if utf8.RuneCountInString(title) <= 3 {
		return ""
	}
	name := strings.TrimSpace(strings.Split(title, "-")[0])
	name = strings.ReplaceAll(name, "مانکن", "")
	name = strings.ReplaceAll(name, "Mankan", "")
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) <= 2 {
		return ""
	}
	return parser.NormalizeText(name)
}

func candidateName(text string) bool {
	n := utf8.RuneCountInString(text)
	return n > 3 && n < 200 &&
		!strings.HasPrefix(text, "Food") && !strings.HasPrefix(text, "Fruit")
}

func usableName(text string) bool {
	return utf8.RuneCountInString(text) > 2 &&
		!strings.HasPrefix(text, "Food") && !strings.HasPrefix(text, "Fruit")
}

func stripNutrientLabels(text string) string {
	for _, label := range []string{"کالری:", "قند:", "فیبر:", "نمک:"} {
		text = strings.ReplaceAll(text, label, "")
	}
	return strings.TrimSpace(text)
}
