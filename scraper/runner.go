package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-nutrition/checkpoint"
	"github.com/aluiziolira/go-scrape-nutrition/config"
	"github.com/aluiziolira/go-scrape-nutrition/ledger"
	"github.com/aluiziolira/go-scrape-nutrition/models"
	"github.com/aluiziolira/go-scrape-nutrition/pipeline"
)

// Skip reasons recorded in the ledger.
const (
	ReasonNoData      = "no_data"
	ReasonException   = "exception"
	ReasonRetryFailed = "retry_failed"
)

// Runner drives the fetch, extract, and persist cycle over a set of item
// identifiers. Completed identifiers are checkpointed so an interrupted run
// picks up where it stopped, and failed identifiers land in the skip ledger
// for the retry mode.
type Runner struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *Metrics
	store     *checkpoint.Store
	ledger    *ledger.Ledger
	writer    *pipeline.Writer
	fetcher   *Fetcher
	extractor *Extractor
}

// NewRunner wires the runner from its collaborators.
func NewRunner(
	cfg *config.Config,
	logger *slog.Logger,
	metrics *Metrics,
	store *checkpoint.Store,
	led *ledger.Ledger,
	writer *pipeline.Writer,
	fetcher *Fetcher,
	extractor *Extractor,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		store:     store,
		ledger:    led,
		writer:    writer,
		fetcher:   fetcher,
		extractor: extractor,
	}
}

// runState carries the mutable bookkeeping for one run. It is only touched
// by the goroutine collecting outcomes.
type runState struct {
	result    *models.RunResult
	completed map[int]struct{}
	records   []*models.Record
	retryMode bool
}

// Run scrapes every identifier in ids that the checkpoint does not already
// mark complete. Running it twice over the same list is a no-op the second
// time.
func (r *Runner) Run(ctx context.Context, ids []int) (*models.RunResult, error) {
	return r.run(ctx, ids, false)
}

// RunRetry re-attempts every identifier in the skip ledger. Recovered
// identifiers leave the ledger; identifiers that fail again are kept with
// the retry_failed reason.
func (r *Runner) RunRetry(ctx context.Context) (*models.RunResult, error) {
	entries := r.ledger.Entries()
	if len(entries) == 0 {
		r.logger.Info("no skipped items to retry")
		now := time.Now()
		return &models.RunResult{StartTime: now, EndTime: now, ErrorsByKind: make(map[string]int)}, nil
	}

	r.logger.Info("retrying skipped items", "count", len(entries))
	r.logRetryQueue(entries)

	ids := make([]int, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ItemID)
	}
	return r.run(ctx, ids, true)
}

func (r *Runner) run(ctx context.Context, ids []int, retryMode bool) (*models.RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result := &models.RunResult{
		StartTime:    time.Now(),
		TargetCount:  len(ids),
		ErrorsByKind: make(map[string]int),
	}

	r.store.Load()
	rs := &runState{
		result:    result,
		completed: r.store.CompletedIDs(),
		records:   r.store.Records(),
		retryMode: retryMode,
	}

	pending := make([]int, 0, len(ids))
	for _, id := range ids {
		if r.store.IsCompleted(id) {
			continue
		}
		pending = append(pending, id)
	}
	result.AlreadyDone = len(ids) - len(pending)
	if result.AlreadyDone > 0 {
		r.logger.Info("resuming from checkpoint",
			"already_done", result.AlreadyDone,
			"pending", len(pending),
		)
	}

	var runErr error
	if r.cfg.Parallelism > 1 {
		runErr = r.runParallel(ctx, pending, rs)
	} else {
		runErr = r.runSequential(ctx, pending, rs)
	}
	if ctx.Err() != nil {
		result.Interrupted = true
	}

	// Flush and checkpoint on every exit path so no completed work is lost.
	if err := r.writer.Finalize(); err != nil {
		r.logger.Error("failed to finalize sinks", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	if r.store.Save(sortedKeys(rs.completed), rs.records, true) {
		r.metrics.IncCheckpointSaves()
	} else if runErr == nil {
		runErr = fmt.Errorf("final checkpoint save failed")
	}

	result.EndTime = time.Now()
	return result, runErr
}

func (r *Runner) runSequential(ctx context.Context, pending []int, rs *runState) error {
	for _, id := range pending {
		if ctx.Err() != nil {
			return nil
		}

		out := r.processOne(ctx, id)
		if ctx.Err() != nil && out.Kind != models.OutcomeSuccess {
			// Interrupted mid-item. The identifier stays pending rather
			// than being mislabelled as failed.
			return nil
		}
		if err := r.handleOutcome(out, rs); err != nil {
			return err
		}
		if ctx.Err() == nil {
			r.pause(ctx)
		}
	}
	return nil
}

func (r *Runner) runParallel(ctx context.Context, pending []int, rs *runState) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	outcomes := make(chan models.Outcome)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				out := r.processOne(wctx, id)
				if wctx.Err() != nil && out.Kind != models.OutcomeSuccess {
					continue
				}
				outcomes <- out
				r.pause(wctx)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, id := range pending {
			select {
			case <-wctx.Done():
				return
			case jobs <- id:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	// Single collector keeps checkpoint, ledger, and writer access
	// serialized.
	var firstErr error
	for out := range outcomes {
		if firstErr != nil {
			continue
		}
		if err := r.handleOutcome(out, rs); err != nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

// processOne runs the fetch+extract stage for a single identifier. Panics
// from extraction are converted into failure outcomes so one broken page
// cannot take down the run.
func (r *Runner) processOne(ctx context.Context, id int) (out models.Outcome) {
	out.ItemID = id
	defer func() {
		if rec := recover(); rec != nil {
			out.Kind = models.OutcomeFailure
			out.Err = fmt.Errorf("panic while processing item %d: %v", id, rec)
			out.Detail = string(debug.Stack())
			out.Records = nil
		}
	}()

	body, err := r.fetcher.Fetch(ctx, id)
	if err != nil {
		out.Kind = models.OutcomeNoData
		out.Err = err
		return out
	}

	records, err := r.extractor.Extract(id, body)
	if err != nil {
		out.Kind = models.OutcomeFailure
		out.Err = err
		return out
	}
	if len(records) == 0 {
		out.Kind = models.OutcomeNoData
		out.Err = fmt.Errorf("no data found for item %d", id)
		return out
	}

	out.Kind = models.OutcomeSuccess
	out.Records = records
	return out
}

func (r *Runner) handleOutcome(out models.Outcome, rs *runState) error {
	rs.result.Processed++

	if out.Kind == models.OutcomeSuccess {
		if err := r.writer.Add(out.Records...); err != nil {
			return fmt.Errorf("buffer records for item %d: %w", out.ItemID, err)
		}
		rs.completed[out.ItemID] = struct{}{}
		rs.records = append(rs.records, out.Records...)
		rs.result.Completed++
		rs.result.RecordCount += len(out.Records)
		r.metrics.IncItems()
		r.metrics.AddRecords(len(out.Records))

		if rs.retryMode {
			if _, err := r.ledger.Remove(out.ItemID); err != nil {
				r.logger.Warn("could not drop recovered item from ledger",
					"id", out.ItemID, "error", err)
			}
		}
		r.logger.Info("item scraped", "id", out.ItemID, "records", len(out.Records))

		if len(rs.completed)%r.cfg.CheckpointEvery == 0 {
			if r.store.Save(sortedKeys(rs.completed), rs.records, false) {
				r.metrics.IncCheckpointSaves()
			}
		}
		return nil
	}

	reason := ReasonNoData
	if out.Kind == models.OutcomeFailure {
		reason = ReasonException
	}
	if rs.retryMode {
		reason = ReasonRetryFailed
	}

	category := errorTypeLabel(out.Err)
	message := ""
	if out.Err != nil {
		message = out.Err.Error()
	}
	entry := models.SkipEntry{
		ItemID:       out.ItemID,
		ErrorType:    category,
		ErrorMessage: message,
		Reason:       reason,
		Detail:       out.Detail,
	}
	if err := r.ledger.Record(entry); err != nil {
		return fmt.Errorf("record skipped item %d: %w", out.ItemID, err)
	}

	rs.result.Skipped++
	key := category
	if key == "other" || key == "unknown" {
		key = reason
	}
	rs.result.ErrorsByKind[key]++
	r.logger.Warn("item skipped",
		"id", out.ItemID,
		"reason", reason,
		"category", category,
		"error", out.Err,
	)
	return nil
}

// pause sleeps for a random duration inside the configured delay window,
// returning early if the context is cancelled.
func (r *Runner) pause(ctx context.Context) {
	min, max := r.cfg.DelayMin, r.cfg.DelayMax
	if max < min {
		max = min
	}
	delay := min
	if span := max - min; span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}
	if delay <= 0 {
		return
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (r *Runner) logRetryQueue(entries []*models.SkipEntry) {
	dist := make(map[string]int)
	for _, entry := range entries {
		dist[fmt.Sprintf("%s (%s)", entry.ErrorType, entry.Reason)]++
	}
	keys := make([]string, 0, len(dist))
	for key := range dist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		r.logger.Info("retry queue", "category", key, "count", dist[key])
	}
}
