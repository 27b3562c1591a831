// Package harvester drives the resumable batch harvest of wiki revisions.
package harvester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ChillzonToast/nitc-chatbot/config"
	"github.com/ChillzonToast/nitc-chatbot/fetcher"
	"github.com/ChillzonToast/nitc-chatbot/models"
	"github.com/ChillzonToast/nitc-chatbot/store"
)

// Fetcher resolves a single revision identifier. Implementations must be
// safe for concurrent use and must not retry internally.
type Fetcher interface {
	Fetch(ctx context.Context, id int) models.FetchOutcome
}

// Harvester orchestrates load, batched fetching, merging, and flushing.
type Harvester struct {
	cfg     *config.Config
	fetcher Fetcher
	store   *store.Store
	sem     *semaphore.Weighted
	Metrics *Metrics
}

// New builds a Harvester.
func New(cfg *config.Config, f Fetcher, st *store.Store) *Harvester {
	return &Harvester{
		cfg:     cfg,
		fetcher: f,
		store:   st,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		Metrics: NewMetrics(),
	}
}

// Run harvests the configured identifier range. Progress is loaded first, so
// identifiers already resolved by earlier runs are never fetched again. The
// snapshot is flushed every FlushInterval resolved identifiers and always
// once more before returning, whether the range completed, the context was
// canceled, or storage failed.
//
// Per-identifier failures never abort the run; only storage failures do.
func (h *Harvester) Run(ctx context.Context) (*models.HarvestResult, error) {
	snap, err := h.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}

	result := &models.HarvestResult{StartTime: time.Now()}
	queue := h.pending(snap, result)

	slog.Info("harvest starting",
		slog.Int("start_id", h.cfg.StartID),
		slog.Int("end_id", h.cfg.EndID),
		slog.Int("pending", len(queue)),
		slog.Int("already_done", result.AlreadyDone),
		slog.Int("concurrency", h.cfg.Concurrency),
		slog.Int("batch_size", h.cfg.BatchSize),
	)

	attempts := make(map[int]int)
	sinceFlush := 0
	var fatal error

	for len(queue) > 0 && fatal == nil && ctx.Err() == nil {
		var retryPass []int

		for start := 0; start < len(queue); start += h.cfg.BatchSize {
			if ctx.Err() != nil {
				// Unprocessed identifiers stay pending for the resume run.
				retryPass = append(retryPass, queue[start:]...)
				break
			}
			end := start + h.cfg.BatchSize
			if end > len(queue) {
				end = len(queue)
			}
			batch := queue[start:end]

			outcomes := h.runBatch(ctx, batch)
			resolved := h.merge(snap, outcomes, attempts, &retryPass, result)
			sinceFlush += resolved

			if sinceFlush >= h.cfg.FlushInterval {
				if err := h.flush(snap); err != nil {
					fatal = err
					break
				}
				sinceFlush = 0
			}

			slog.Debug("batch resolved",
				slog.Int("first_id", batch[0]),
				slog.Int("size", len(batch)),
				slog.Int("fetched_total", result.Fetched),
				slog.Int("retry_queue", len(retryPass)),
			)
		}

		// Transient failures come back in a later pass, never inline.
		queue = retryPass
	}

	result.Interrupted = ctx.Err() != nil && len(queue) > 0

	if err := h.flush(snap); err != nil && fatal == nil {
		fatal = err
	}

	result.EndTime = time.Now()
	sort.Ints(result.Skipped)

	if fatal != nil {
		slog.Error("harvest aborted", slog.Any("error", fatal))
		return result, fatal
	}
	slog.Info("harvest finished",
		slog.Int("fetched", result.Fetched),
		slog.Int("failed", result.Failed),
		slog.Int("not_found", result.NotFound),
		slog.Bool("interrupted", result.Interrupted),
	)
	return result, nil
}

// pending returns the unresolved identifiers of the configured range in
// ascending order and counts the already-resolved ones.
func (h *Harvester) pending(snap *store.Snapshot, result *models.HarvestResult) []int {
	var ids []int
	for id := h.cfg.StartID; id <= h.cfg.EndID; id++ {
		if snap.Has(id) {
			result.AlreadyDone++
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// runBatch fetches one batch with bounded concurrency and blocks until every
// outcome is collected. Workers only write their own slot; all shared state
// mutation happens in merge on the caller's goroutine.
func (h *Harvester) runBatch(ctx context.Context, ids []int) []models.FetchOutcome {
	outcomes := make([]models.FetchOutcome, len(ids))
	var wg sync.WaitGroup

	for i, id := range ids {
		if err := h.sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = models.FetchOutcome{
				ID:   id,
				Kind: models.OutcomeTransient,
				Err:  fmt.Errorf("fetch oldid %d: %w", id, err),
			}
			continue
		}
		wg.Add(1)
		go func(slot, id int) {
			defer wg.Done()
			defer h.sem.Release(1)

			start := time.Now()
			h.Metrics.IncRequest("started")
			out := h.fetcher.Fetch(ctx, id)
			h.Metrics.ObserveDuration(time.Since(start))
			outcomes[slot] = out
		}(i, id)
	}

	wg.Wait()
	return outcomes
}

// merge applies a batch's outcomes to the snapshot and result. Returns the
// number of newly resolved identifiers (retry re-enqueues do not count).
func (h *Harvester) merge(
	snap *store.Snapshot,
	outcomes []models.FetchOutcome,
	attempts map[int]int,
	retryPass *[]int,
	result *models.HarvestResult,
) int {
	resolved := 0
	for _, out := range outcomes {
		attempts[out.ID]++
		result.Requests++

		switch out.Kind {
		case models.OutcomeSuccess:
			snap.AddPage(out.Page)
			result.Fetched++
			resolved++
			h.Metrics.IncPages()

		case models.OutcomeNotFound:
			snap.AddSkip(out.ID)
			result.NotFound++
			result.Skipped = append(result.Skipped, out.ID)
			resolved++
			h.Metrics.IncError(fetcher.ErrorTypeLabel(out.Err))

		case models.OutcomePermanent:
			snap.AddSkip(out.ID)
			result.Failed++
			result.Skipped = append(result.Skipped, out.ID)
			resolved++
			h.Metrics.IncError("permanent")
			slog.Warn("permanent failure", slog.Int("oldid", out.ID), slog.Any("error", out.Err))

		case models.OutcomeTransient:
			if errors.Is(out.Err, context.Canceled) {
				// Cancellation is not a fetch attempt; leave the id pending
				// and keep it out of the request count.
				attempts[out.ID]--
				result.Requests--
				*retryPass = append(*retryPass, out.ID)
				continue
			}
			h.Metrics.IncError(fetcher.ErrorTypeLabel(out.Err))
			if attempts[out.ID] < h.cfg.MaxAttempts {
				*retryPass = append(*retryPass, out.ID)
				result.Retries++
				h.Metrics.IncRetries()
				continue
			}
			snap.AddSkip(out.ID)
			result.Failed++
			result.Skipped = append(result.Skipped, out.ID)
			resolved++
			slog.Warn("retries exhausted",
				slog.Int("oldid", out.ID),
				slog.Int("attempts", attempts[out.ID]),
				slog.Any("error", out.Err),
			)
		}
	}
	return resolved
}

func (h *Harvester) flush(snap *store.Snapshot) error {
	if err := h.store.Flush(snap); err != nil {
		return fmt.Errorf("checkpoint flush: %w", err)
	}
	h.Metrics.IncFlushes()
	slog.Debug("snapshot flushed", slog.Int("pages", len(snap.Pages)), slog.Int("skipped", len(snap.Skipped)))
	return nil
}
