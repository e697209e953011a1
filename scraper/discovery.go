package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-scrape-nutrition/config"
)

var (
	itemLinkPattern  = regexp.MustCompile(`read_one\.php\?id=(\d+)`)
	totalPagesRegexp = regexp.MustCompile(`برگه\s+\d+\s+از\s+(\d+)`)
)

// discoveryState is the on-disk checkpoint for the search-page crawl.
type discoveryState struct {
	ScrapedPages []int `json:"scraped_pages"`
	FoodIDs      []int `json:"food_ids"`
	FailedPages  []int `json:"failed_pages"`
	LastPage     int   `json:"last_page"`
}

// Discoverer crawls the paginated search listing and collects every item
// identifier it links to. Progress is checkpointed so an interrupted crawl
// resumes at the first unscraped page.
type Discoverer struct {
	cfg       *config.Config
	logger    *slog.Logger
	collector *colly.Collector
	retry     *retryManager
	metrics   *Metrics

	checkpointPath string

	mu         sync.Mutex
	ids        map[int]struct{}
	scraped    map[int]struct{}
	failed     map[int]struct{}
	pageHits   map[int]int
	totalPages int
	lastPage   int

	handlersOnce sync.Once
}

// NewDiscoverer builds a discoverer configured from cfg.
func NewDiscoverer(cfg *config.Config, logger *slog.Logger, metrics *Metrics) (*Discoverer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.Async(true),
		colly.AllowedDomains(parsed.Host),
		colly.UserAgent(cfg.UserAgent),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	// Failed pages are visited again by the retry pass.
	collector.AllowURLRevisit = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	randomDelay := cfg.DelayMax - cfg.DelayMin
	if randomDelay < 0 {
		randomDelay = 0
	}
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.DelayMin,
		RandomDelay: randomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	d := &Discoverer{
		cfg:            cfg,
		logger:         logger,
		collector:      collector,
		metrics:        metrics,
		checkpointPath: filepath.Join(filepath.Dir(cfg.DiscoveryOutFile), "search_page_checkpoint.json"),
		ids:            make(map[int]struct{}),
		scraped:        make(map[int]struct{}),
		failed:         make(map[int]struct{}),
		pageHits:       make(map[int]int),
	}
	d.retry = newRetryManager(collector, cfg, metrics)
	return d, nil
}

// Run crawls every search page and returns the sorted identifier list. The
// list is also written to the configured discovery output file.
func (d *Discoverer) Run(ctx context.Context) ([]int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.retry.SetContext(ctx)
	d.loadState()
	d.configureHandlers()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			d.collector.Wait()
			d.retry.Stop()
		case <-done:
		}
	}()

	// The first page carries the pagination total, so it is always fetched
	// before the rest are queued.
	if err := d.collector.Visit(d.pageURL(1)); err != nil {
		d.logger.Warn("could not fetch first search page", "error", err)
	}
	d.collector.Wait()

	total := d.totalPagesOrDefault()
	d.logger.Info("crawling search pages", "pages", total, "known_ids", d.idCount())

	for page := 2; page <= total; page++ {
		if ctx.Err() != nil {
			break
		}
		if d.isScraped(page) {
			continue
		}
		if err := d.collector.Visit(d.pageURL(page)); err != nil {
			d.logger.Debug("queue search page", "page", page, "error", err)
		}
	}
	d.collector.Wait()

	// Pages that produced nothing get one more chance.
	if ctx.Err() == nil {
		for _, page := range d.failedPages() {
			if err := d.collector.Visit(d.pageURL(page)); err != nil {
				d.logger.Debug("requeue search page", "page", page, "error", err)
			}
		}
		d.collector.Wait()
	}

	d.retry.Stop()
	d.setLastPage(total)
	d.saveState()

	ids := d.sortedIDs()
	if err := d.writeIDs(ids); err != nil {
		return ids, err
	}

	if failed := d.failedPages(); len(failed) > 0 {
		d.logger.Warn("some search pages could not be scraped", "pages", failed)
	}
	d.logger.Info("discovery complete", "ids", len(ids), "output", d.cfg.DiscoveryOutFile)
	return ids, nil
}

func (d *Discoverer) configureHandlers() {
	d.handlersOnce.Do(func() {
		d.collector.OnRequest(func(r *colly.Request) {
			r.Ctx.Put("start", time.Now())
			d.metrics.IncRequest("discovery")
		})

		d.collector.OnResponse(func(r *colly.Response) {
			if d.metrics != nil {
				if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
					d.metrics.ObserveDuration(time.Since(start))
				}
			}
			if pageFromURL(r.Request.URL) == 1 {
				if m := totalPagesRegexp.FindSubmatch(r.Body); m != nil {
					if total, err := strconv.Atoi(string(m[1])); err == nil && total > 0 {
						d.mu.Lock()
						d.totalPages = total
						d.mu.Unlock()
					}
				}
			}
		})

		d.collector.OnHTML("a[href*='read_one.php']", func(e *colly.HTMLElement) {
			m := itemLinkPattern.FindStringSubmatch(e.Attr("href"))
			if m == nil {
				return
			}
			id, err := strconv.Atoi(m[1])
			if err != nil {
				return
			}

			page := pageFromURL(e.Request.URL)
			d.mu.Lock()
			d.ids[id] = struct{}{}
			d.pageHits[page]++
			d.mu.Unlock()
		})

		d.collector.OnScraped(func(r *colly.Response) {
			page := pageFromURL(r.Request.URL)
			if page <= 0 {
				return
			}

			d.mu.Lock()
			if d.pageHits[page] > 0 {
				d.scraped[page] = struct{}{}
				delete(d.failed, page)
			} else {
				d.failed[page] = struct{}{}
			}
			if page > d.lastPage {
				d.lastPage = page
			}
			save := page%5 == 0
			d.mu.Unlock()

			if save {
				d.saveState()
			}
		})

		d.collector.OnError(func(r *colly.Response, err error) {
			statusCode := 0
			pageURL := ""
			page := 0
			if r != nil {
				statusCode = r.StatusCode
				if r.Request != nil && r.Request.URL != nil {
					pageURL = r.Request.URL.String()
					page = pageFromURL(r.Request.URL)
				}
			}

			classified := classifyError(err, statusCode)
			category := errorTypeLabel(classified)
			d.metrics.IncError(category)
			d.logger.Error("search page request failed",
				"url", pageURL,
				"category", category,
				"error", err,
			)

			if !d.retry.Schedule(pageURL) && page > 0 {
				d.mu.Lock()
				d.failed[page] = struct{}{}
				d.mu.Unlock()
			}
		})
	})
}

func (d *Discoverer) pageURL(page int) string {
	base := d.cfg.BaseURL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return fmt.Sprintf("%s/mag/lib/search.php?keyword=&page=%d", base, page)
}

func pageFromURL(u *url.URL) int {
	if u == nil {
		return 0
	}
	page, err := strconv.Atoi(u.Query().Get("page"))
	if err != nil {
		return 0
	}
	return page
}

func (d *Discoverer) loadState() {
	data, err := os.ReadFile(d.checkpointPath)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("discovery checkpoint unreadable, starting fresh", "path", d.checkpointPath, "error", err)
		}
		return
	}

	var state discoveryState
	if err := json.Unmarshal(data, &state); err != nil {
		d.logger.Warn("discovery checkpoint corrupt, starting fresh", "path", d.checkpointPath, "error", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range state.FoodIDs {
		d.ids[id] = struct{}{}
	}
	for _, page := range state.ScrapedPages {
		d.scraped[page] = struct{}{}
		// Resumed pages already produced their identifiers.
		d.pageHits[page]++
	}
	for _, page := range state.FailedPages {
		d.failed[page] = struct{}{}
	}
	d.lastPage = state.LastPage
	d.logger.Info("resuming discovery",
		"scraped_pages", len(state.ScrapedPages),
		"known_ids", len(state.FoodIDs),
	)
}

func (d *Discoverer) saveState() {
	d.mu.Lock()
	state := discoveryState{
		ScrapedPages: sortedKeys(d.scraped),
		FoodIDs:      sortedKeys(d.ids),
		FailedPages:  sortedKeys(d.failed),
		LastPage:     d.lastPage,
	}
	d.mu.Unlock()

	data, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		d.logger.Error("failed to encode discovery checkpoint", "error", err)
		return
	}
	if dir := filepath.Dir(d.checkpointPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			d.logger.Error("failed to create discovery checkpoint directory", "error", err)
			return
		}
	}
	if err := replaceFile(d.checkpointPath, data); err != nil {
		d.logger.Error("failed to write discovery checkpoint", "path", d.checkpointPath, "error", err)
		return
	}
	d.metrics.IncCheckpointSaves()
}

func (d *Discoverer) writeIDs(ids []int) error {
	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identifier list: %w", err)
	}
	if dir := filepath.Dir(d.cfg.DiscoveryOutFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create identifier list directory: %w", err)
		}
	}
	if err := replaceFile(d.cfg.DiscoveryOutFile, data); err != nil {
		return fmt.Errorf("write identifier list: %w", err)
	}
	return nil
}

// replaceFile writes data to a temp file in the target directory and renames
// it into place.
func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (d *Discoverer) totalPagesOrDefault() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.totalPages > 0 {
		return d.totalPages
	}
	d.logger.Warn("could not determine total search pages, using default", "pages", d.cfg.DiscoveryPages)
	return d.cfg.DiscoveryPages
}

func (d *Discoverer) isScraped(page int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.scraped[page]
	return ok
}

func (d *Discoverer) idCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ids)
}

func (d *Discoverer) setLastPage(page int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if page > d.lastPage {
		d.lastPage = page
	}
}

func (d *Discoverer) sortedIDs() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sortedKeys(d.ids)
}

func (d *Discoverer) failedPages() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, 0, len(d.failed))
	for page := range d.failed {
		if _, ok := d.scraped[page]; !ok {
			out = append(out, page)
		}
	}
	sort.Ints(out)
	return out
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

type retryManager struct {
	collector *colly.Collector
	cfg       *config.Config
	metrics   *Metrics
	ctx       context.Context

	mu           sync.Mutex
	attempts     map[string]int
	timers       map[string]*time.Timer
	totalRetries int
	stopped      bool
}

func newRetryManager(collector *colly.Collector, cfg *config.Config, metrics *Metrics) *retryManager {
	return &retryManager{
		collector: collector,
		cfg:       cfg,
		attempts:  make(map[string]int),
		timers:    make(map[string]*time.Timer),
		metrics:   metrics,
		ctx:       context.Background(),
	}
}

func (rm *retryManager) Schedule(url string) bool {
	if rm.cfg.MaxRetries == 0 || url == "" {
		return false
	}

	if rm.ctx != nil {
		select {
		case <-rm.ctx.Done():
			return false
		default:
		}
	}

	rm.mu.Lock()

	if rm.stopped {
		rm.mu.Unlock()
		return false
	}
	if rm.ctx != nil && rm.ctx.Err() != nil {
		rm.mu.Unlock()
		return false
	}

	attempt := rm.attempts[url]
	if attempt >= rm.cfg.MaxRetries {
		rm.mu.Unlock()
		return false
	}

	attempt++
	rm.attempts[url] = attempt
	rm.totalRetries++
	if rm.metrics != nil {
		rm.metrics.IncRetries()
	}

	delay := rm.backoff(attempt)
	rm.resetTimerLocked(url)
	rm.timers[url] = time.AfterFunc(delay, func() {
		rm.fireRetry(url)
	})
	rm.mu.Unlock()
	return true
}

func (rm *retryManager) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := rm.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := rm.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func (rm *retryManager) resetTimerLocked(url string) {
	if timer, ok := rm.timers[url]; ok {
		timer.Stop()
		delete(rm.timers, url)
	}
}

func (rm *retryManager) fireRetry(url string) {
	rm.mu.Lock()
	if rm.stopped {
		rm.mu.Unlock()
		return
	}
	ctx := rm.ctx
	rm.mu.Unlock()

	if ctx != nil && ctx.Err() != nil {
		return
	}
	if err := rm.collector.Visit(url); err != nil {
		slog.Debug("retry visit failed", slog.String("url", url), slog.Any("error", err))
	}

	rm.mu.Lock()
	delete(rm.timers, url)
	rm.mu.Unlock()
}

func (rm *retryManager) Stop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.stopped {
		return
	}

	rm.stopped = true
	for url, timer := range rm.timers {
		timer.Stop()
		delete(rm.timers, url)
	}
}

func (rm *retryManager) TotalRetries() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.totalRetries
}

func (rm *retryManager) SetContext(ctx context.Context) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if ctx == nil {
		rm.ctx = context.Background()
		return
	}
	rm.ctx = ctx
}
