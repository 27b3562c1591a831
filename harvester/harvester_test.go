package harvester

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ChillzonToast/nitc-chatbot/config"
	"github.com/ChillzonToast/nitc-chatbot/models"
	"github.com/ChillzonToast/nitc-chatbot/store"
)

// stubFetcher resolves ids from a script instead of the network.
type stubFetcher struct {
	mu      sync.Mutex
	calls   map[int]int
	outcome func(id, attempt int) models.FetchOutcome
}

func newStubFetcher(outcome func(id, attempt int) models.FetchOutcome) *stubFetcher {
	return &stubFetcher{calls: make(map[int]int), outcome: outcome}
}

func (s *stubFetcher) Fetch(_ context.Context, id int) models.FetchOutcome {
	s.mu.Lock()
	s.calls[id]++
	attempt := s.calls[id]
	s.mu.Unlock()
	return s.outcome(id, attempt)
}

func (s *stubFetcher) callCount(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func (s *stubFetcher) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

func successOutcome(id int) models.FetchOutcome {
	return models.FetchOutcome{
		ID:   id,
		Kind: models.OutcomeSuccess,
		Page: &models.PageRecord{
			OldID:     id,
			Title:     fmt.Sprintf("Page %d", id),
			Content:   "content",
			WordCount: 1,
			ScrapedAt: time.Now().UTC(),
		},
	}
}

func testConfig(t *testing.T, endID int) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.StartID = 1
	cfg.EndID = endID
	cfg.Concurrency = 2
	cfg.BatchSize = 2
	cfg.FlushInterval = 3
	cfg.MaxAttempts = 3
	cfg.OutputFile = filepath.Join(t.TempDir(), "wiki_data.json")
	return cfg
}

func TestRunEndToEnd(t *testing.T) {
	cfg := testConfig(t, 5)
	f := newStubFetcher(func(id, _ int) models.FetchOutcome {
		if id == 2 || id == 4 {
			return models.FetchOutcome{ID: id, Kind: models.OutcomeNotFound, Err: errors.New("no such revision")}
		}
		return successOutcome(id)
	})
	st := store.New(cfg.OutputFile)

	result, err := New(cfg, f, st).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Fetched != 3 || result.Failed != 0 || result.AlreadyDone != 0 {
		t.Fatalf("result = fetched %d failed %d done %d, want 3 0 0",
			result.Fetched, result.Failed, result.AlreadyDone)
	}
	if !reflect.DeepEqual(result.Skipped, []int{2, 4}) {
		t.Fatalf("skipped = %v, want [2 4]", result.Skipped)
	}
	if result.Interrupted {
		t.Fatalf("run should not be interrupted")
	}

	snap, err := st.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Pages) != 3 {
		t.Fatalf("corpus pages = %d, want 3", len(snap.Pages))
	}
	for _, id := range []int{1, 2, 3, 4, 5} {
		if !snap.Has(id) {
			t.Fatalf("progress should cover id %d", id)
		}
	}
}

func TestRunResumeSkipsResolved(t *testing.T) {
	cfg := testConfig(t, 5)
	st := store.New(cfg.OutputFile)

	seed := store.NewSnapshot()
	seed.AddPage(successOutcome(1).Page)
	seed.AddPage(successOutcome(3).Page)
	seed.AddSkip(2)
	if err := st.Flush(seed); err != nil {
		t.Fatalf("seed flush: %v", err)
	}

	f := newStubFetcher(func(id, _ int) models.FetchOutcome {
		if id != 4 && id != 5 {
			panic(fmt.Sprintf("unexpected fetch of resolved id %d", id))
		}
		return successOutcome(id)
	})

	result, err := New(cfg, f, st).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.AlreadyDone != 3 {
		t.Fatalf("already done = %d, want 3", result.AlreadyDone)
	}
	if result.Fetched != 2 {
		t.Fatalf("fetched = %d, want 2", result.Fetched)
	}
	if f.totalCalls() != 2 {
		t.Fatalf("network calls = %d, want 2", f.totalCalls())
	}
}

func TestRunIdempotent(t *testing.T) {
	cfg := testConfig(t, 4)
	st := store.New(cfg.OutputFile)

	f := newStubFetcher(func(id, _ int) models.FetchOutcome { return successOutcome(id) })
	if _, err := New(cfg, f, st).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	second := newStubFetcher(func(id, _ int) models.FetchOutcome {
		panic("second run must not fetch")
	})
	result, err := New(cfg, second, st).Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.AlreadyDone != 4 || result.Fetched != 0 {
		t.Fatalf("second run = done %d fetched %d, want 4 0", result.AlreadyDone, result.Fetched)
	}

	snap, err := st.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Pages) != 4 {
		t.Fatalf("corpus pages = %d, want 4", len(snap.Pages))
	}
}

func TestRunBoundedRetry(t *testing.T) {
	cfg := testConfig(t, 4)
	f := newStubFetcher(func(id, _ int) models.FetchOutcome {
		if id == 3 {
			return models.FetchOutcome{ID: id, Kind: models.OutcomeTransient, Err: errors.New("connection reset")}
		}
		return successOutcome(id)
	})
	st := store.New(cfg.OutputFile)

	result, err := New(cfg, f, st).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := f.callCount(3); got != cfg.MaxAttempts {
		t.Fatalf("id 3 attempted %d times, want %d", got, cfg.MaxAttempts)
	}
	if result.Failed != 1 {
		t.Fatalf("failed = %d, want 1", result.Failed)
	}
	if !reflect.DeepEqual(result.Skipped, []int{3}) {
		t.Fatalf("skipped = %v, want [3]", result.Skipped)
	}
	// Batch isolation: the failing id never blocks its batch mates.
	if result.Fetched != 3 {
		t.Fatalf("fetched = %d, want 3", result.Fetched)
	}

	snap, err := st.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !snap.Has(3) {
		t.Fatalf("exhausted id should be recorded as resolved")
	}
}

func TestRunRetriesLandInLaterPass(t *testing.T) {
	cfg := testConfig(t, 4)
	var order []int
	var mu sync.Mutex

	f := newStubFetcher(func(id, attempt int) models.FetchOutcome {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		if id == 1 && attempt == 1 {
			return models.FetchOutcome{ID: id, Kind: models.OutcomeTransient, Err: errors.New("timeout")}
		}
		return successOutcome(id)
	})
	st := store.New(cfg.OutputFile)

	result, err := New(cfg, f, st).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Fetched != 4 || result.Retries != 1 {
		t.Fatalf("fetched %d retries %d, want 4 1", result.Fetched, result.Retries)
	}

	// The retry of id 1 must come after the whole first sweep (ids 1-4).
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 || order[len(order)-1] != 1 {
		t.Fatalf("fetch order = %v, retry should be last", order)
	}
}

func TestRunCancellationFlushesProgress(t *testing.T) {
	cfg := testConfig(t, 20)
	ctx, cancel := context.WithCancel(context.Background())

	f := newStubFetcher(func(id, _ int) models.FetchOutcome {
		// Stop the run while the first batch is resolving.
		cancel()
		return successOutcome(id)
	})
	st := store.New(cfg.OutputFile)

	result, err := New(cfg, f, st).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Interrupted {
		t.Fatalf("run should report interruption")
	}
	if result.Fetched == 0 {
		t.Fatalf("first batch results should be merged before stopping")
	}

	snap, err := st.Load()
	if err != nil {
		t.Fatalf("load after interruption: %v", err)
	}
	if len(snap.Pages) != result.Fetched {
		t.Fatalf("flushed pages = %d, fetched = %d", len(snap.Pages), result.Fetched)
	}
	if snap.Has(20) {
		t.Fatalf("unprocessed ids must stay pending")
	}
	if result.Requests != f.totalCalls() {
		t.Fatalf("requests = %d, fetch calls = %d", result.Requests, f.totalCalls())
	}
}

func TestMergeSkipsCanceledOutcomes(t *testing.T) {
	cfg := testConfig(t, 4)
	f := newStubFetcher(func(id, _ int) models.FetchOutcome { return successOutcome(id) })
	h := New(cfg, f, store.New(cfg.OutputFile))

	snap := store.NewSnapshot()
	attempts := map[int]int{}
	var retryPass []int
	result := &models.HarvestResult{}

	outcomes := []models.FetchOutcome{
		successOutcome(1),
		{ID: 2, Kind: models.OutcomeTransient, Err: fmt.Errorf("fetch oldid 2: %w", context.Canceled)},
	}

	if resolved := h.merge(snap, outcomes, attempts, &retryPass, result); resolved != 1 {
		t.Fatalf("resolved = %d, want 1", resolved)
	}
	if result.Requests != 1 {
		t.Fatalf("requests = %d, want 1; a canceled outcome issues no request", result.Requests)
	}
	if attempts[2] != 0 {
		t.Fatalf("attempts[2] = %d, want 0", attempts[2])
	}
	if !reflect.DeepEqual(retryPass, []int{2}) {
		t.Fatalf("retry pass = %v, want [2]", retryPass)
	}
}

func TestRunStorageFailureIsFatal(t *testing.T) {
	cfg := testConfig(t, 2)
	// Parent of the output path is a regular file, so every flush fails.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := writeFile(blocker); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	cfg.OutputFile = filepath.Join(blocker, "wiki_data.json")
	cfg.FlushInterval = 1

	f := newStubFetcher(func(id, _ int) models.FetchOutcome { return successOutcome(id) })

	_, err := New(cfg, f, store.New(cfg.OutputFile)).Run(context.Background())
	if err == nil {
		t.Fatalf("expected fatal storage error")
	}
}

func writeFile(path string) error {
	return writeFileWith(path, "blocker")
}

func writeFileWith(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestRunCorruptStoreIsFatal(t *testing.T) {
	cfg := testConfig(t, 2)
	if err := writeFileWith(cfg.OutputFile, "{corrupt"); err != nil {
		t.Fatalf("write corrupt store: %v", err)
	}

	f := newStubFetcher(func(id, _ int) models.FetchOutcome {
		panic("must not fetch with a corrupt store")
	})

	_, err := New(cfg, f, store.New(cfg.OutputFile)).Run(context.Background())
	if err == nil {
		t.Fatalf("expected fatal load error")
	}
}
