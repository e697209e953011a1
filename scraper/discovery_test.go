package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/go-scrape-nutrition/config"
)

func TestRetryManagerScheduleRespectsLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour

	rm := newRetryManager(colly.NewCollector(), cfg, NewMetrics())

	if !rm.Schedule("http://example.com/page") {
		t.Fatalf("first retry should be scheduled")
	}
	if !rm.Schedule("http://example.com/page") {
		t.Fatalf("second retry should be scheduled")
	}
	if rm.Schedule("http://example.com/page") {
		t.Fatalf("third retry should not be scheduled")
	}

	rm.Stop()
	if got := rm.TotalRetries(); got != 2 {
		t.Fatalf("total retries = %d, want 2", got)
	}
}

func TestRetryManagerBackoffCapped(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	rm := newRetryManager(colly.NewCollector(), cfg, NewMetrics())

	delay := rm.backoff(4)
	if delay > cfg.RetryBackoffMax {
		t.Fatalf("delay %v exceeds max %v", delay, cfg.RetryBackoffMax)
	}
}

func discoveryConfig(t *testing.T) *config.Config {
	t.Helper()
	tmp := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test"
	cfg.Parallelism = 2
	cfg.DelayMin = 0
	cfg.DelayMax = 0
	cfg.Timeout = 2 * time.Second
	cfg.MaxRetries = 0
	cfg.DiscoveryPages = 3
	cfg.DiscoveryOutFile = filepath.Join(tmp, "food_ids.json")
	return cfg
}

func searchPage(page, total int, ids []int) string {
	var b strings.Builder
	b.WriteString("<html><head><title>جستجوی غذا</title></head><body>")
	for _, id := range ids {
		fmt.Fprintf(&b, "<a href=\"read_one.php?id=%d\">ماده غذایی %d</a>", id, id)
	}
	fmt.Fprintf(&b, "<div class=\"pagination\">برگه %d از %d</div>", page, total)
	b.WriteString("</body></html>")
	return b.String()
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(http.StatusOK, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

func searchPageURL(page int) string {
	return fmt.Sprintf("http://example.test/mag/lib/search.php?keyword=&page=%d", page)
}

func readDiscoveryState(t *testing.T, cfg *config.Config) discoveryState {
	t.Helper()
	path := filepath.Join(filepath.Dir(cfg.DiscoveryOutFile), "search_page_checkpoint.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read discovery checkpoint: %v", err)
	}
	var state discoveryState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("decode discovery checkpoint: %v", err)
	}
	return state
}

func TestDiscovererCollectsIdentifiers(t *testing.T) {
	cfg := discoveryConfig(t)

	d, err := NewDiscoverer(cfg, discardLogger(), NewMetrics())
	if err != nil {
		t.Fatalf("new discoverer: %v", err)
	}

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchPageURL(1), htmlResponder(searchPage(1, 3, []int{3, 4})))
	transport.RegisterResponder("GET", searchPageURL(2), htmlResponder(searchPage(2, 3, []int{5, 6})))
	transport.RegisterResponder("GET", searchPageURL(3), htmlResponder(searchPage(3, 3, []int{4, 7})))
	d.collector.WithTransport(transport)

	ids, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, want := fmt.Sprint(ids), fmt.Sprint([]int{3, 4, 5, 6, 7}); got != want {
		t.Fatalf("ids = %s, want %s", got, want)
	}

	data, err := os.ReadFile(cfg.DiscoveryOutFile)
	if err != nil {
		t.Fatalf("read identifier list: %v", err)
	}
	var fromFile []int
	if err := json.Unmarshal(data, &fromFile); err != nil {
		t.Fatalf("decode identifier list: %v", err)
	}
	if got, want := fmt.Sprint(fromFile), fmt.Sprint(ids); got != want {
		t.Fatalf("identifier file = %s, want %s", got, want)
	}

	state := readDiscoveryState(t, cfg)
	if got, want := fmt.Sprint(state.ScrapedPages), fmt.Sprint([]int{1, 2, 3}); got != want {
		t.Fatalf("scraped pages = %s, want %s", got, want)
	}
	if len(state.FailedPages) != 0 {
		t.Fatalf("failed pages = %v, want none", state.FailedPages)
	}
	if state.LastPage != 3 {
		t.Fatalf("last page = %d, want 3", state.LastPage)
	}
}

func TestDiscovererResumesFromCheckpoint(t *testing.T) {
	cfg := discoveryConfig(t)

	seed := discoveryState{
		ScrapedPages: []int{2},
		FoodIDs:      []int{5, 6},
		FailedPages:  []int{},
		LastPage:     2,
	}
	data, err := json.Marshal(&seed)
	if err != nil {
		t.Fatalf("encode seed state: %v", err)
	}
	path := filepath.Join(filepath.Dir(cfg.DiscoveryOutFile), "search_page_checkpoint.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write seed state: %v", err)
	}

	d, err := NewDiscoverer(cfg, discardLogger(), NewMetrics())
	if err != nil {
		t.Fatalf("new discoverer: %v", err)
	}

	// Page 2 has no responder: fetching it again would mark it failed.
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchPageURL(1), htmlResponder(searchPage(1, 3, []int{3, 4})))
	transport.RegisterResponder("GET", searchPageURL(3), htmlResponder(searchPage(3, 3, []int{7})))
	d.collector.WithTransport(transport)

	ids, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, want := fmt.Sprint(ids), fmt.Sprint([]int{3, 4, 5, 6, 7}); got != want {
		t.Fatalf("ids = %s, want %s", got, want)
	}

	state := readDiscoveryState(t, cfg)
	if got, want := fmt.Sprint(state.ScrapedPages), fmt.Sprint([]int{1, 2, 3}); got != want {
		t.Fatalf("scraped pages = %s, want %s", got, want)
	}
	if len(state.FailedPages) != 0 {
		t.Fatalf("failed pages = %v, want none", state.FailedPages)
	}
}

func TestDiscovererRetriesFailedPagesOnce(t *testing.T) {
	cfg := discoveryConfig(t)

	d, err := NewDiscoverer(cfg, discardLogger(), NewMetrics())
	if err != nil {
		t.Fatalf("new discoverer: %v", err)
	}

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchPageURL(1), htmlResponder(searchPage(1, 3, []int{3, 4})))
	transport.RegisterResponder("GET", searchPageURL(2),
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))
	transport.RegisterResponder("GET", searchPageURL(3), htmlResponder(searchPage(3, 3, []int{7})))
	d.collector.WithTransport(transport)

	ids, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, want := fmt.Sprint(ids), fmt.Sprint([]int{3, 4, 7}); got != want {
		t.Fatalf("ids = %s, want %s", got, want)
	}

	info := transport.GetCallCountInfo()
	if got := info["GET "+searchPageURL(2)]; got != 2 {
		t.Fatalf("page 2 fetched %d times, want 2", got)
	}

	state := readDiscoveryState(t, cfg)
	if got, want := fmt.Sprint(state.FailedPages), fmt.Sprint([]int{2}); got != want {
		t.Fatalf("failed pages = %s, want %s", got, want)
	}
}

func TestDiscovererMarksEmptyPagesFailed(t *testing.T) {
	cfg := discoveryConfig(t)

	d, err := NewDiscoverer(cfg, discardLogger(), NewMetrics())
	if err != nil {
		t.Fatalf("new discoverer: %v", err)
	}

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchPageURL(1), htmlResponder(searchPage(1, 3, []int{3, 4})))
	transport.RegisterResponder("GET", searchPageURL(2), htmlResponder(searchPage(2, 3, nil)))
	transport.RegisterResponder("GET", searchPageURL(3), htmlResponder(searchPage(3, 3, []int{7})))
	d.collector.WithTransport(transport)

	ids, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, want := fmt.Sprint(ids), fmt.Sprint([]int{3, 4, 7}); got != want {
		t.Fatalf("ids = %s, want %s", got, want)
	}

	state := readDiscoveryState(t, cfg)
	if got, want := fmt.Sprint(state.FailedPages), fmt.Sprint([]int{2}); got != want {
		t.Fatalf("failed pages = %s, want %s", got, want)
	}
	if got, want := fmt.Sprint(state.ScrapedPages), fmt.Sprint([]int{1, 3}); got != want {
		t.Fatalf("scraped pages = %s, want %s", got, want)
	}
}
