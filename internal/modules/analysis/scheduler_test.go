package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/core/internal/models"
)

type schedulerFixture struct {
	sched    *Scheduler
	repo     *memRepo
	store    *Store
	quota    *stubQuota
	requests *int32
	sleeps   *[]time.Duration
}

// newSchedulerFixture builds a scheduler against an httptest boundary. The
// handler may be nil to always answer with one valid insight. Pacing sleeps
// are recorded instead of elapsing.
func newSchedulerFixture(t *testing.T, handler http.HandlerFunc) *schedulerFixture {
	t.Helper()

	var requests int32
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(okInsightsBody())
		}
	}
	wrapped := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		handler(w, r)
	}
	srv := httptest.NewServer(http.HandlerFunc(wrapped))
	t.Cleanup(srv.Close)

	cfg := testAnalysisConfig(srv.URL)
	repo := newMemRepo()
	store := NewStore(nil, nil)
	quota := allowedQuota()
	limiter := newStubLimiter(cfg, quota)
	client := NewClient(cfg, appAIConfigEmpty(), repo, store, nil)
	sched := NewScheduler(cfg, repo, limiter, NewDedup(), client, store, nil)

	var mu sync.Mutex
	sleeps := make([]time.Duration, 0, 4)
	sched.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}

	return &schedulerFixture{
		sched:    sched,
		repo:     repo,
		store:    store,
		quota:    quota,
		requests: &requests,
		sleeps:   &sleeps,
	}
}

func TestAnalyzeManyEmptyInput(t *testing.T) {
	f := newSchedulerFixture(t, nil)
	_, err := f.sched.AnalyzeMany(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoItems)
}

func TestAnalyzeManyPreservesSubmissionOrder(t *testing.T) {
	// Later items answer faster than earlier ones.
	f := newSchedulerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		var req boundaryRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ItemID == "a" || req.ItemID == "d" {
			time.Sleep(30 * time.Millisecond)
		}
		json.NewEncoder(w).Encode(okInsightsBody())
	})
	ids := []string{"a", "b", "c", "d", "e", "f"}
	for _, id := range ids {
		f.repo.seed(id, "plot", "text for "+id)
	}

	results, err := f.sched.AnalyzeMany(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, results, len(ids))
	for i, id := range ids {
		assert.Equal(t, id, results[i].ItemID)
		assert.Equal(t, models.StatusCompleted, results[i].Status)
	}
}

func TestAnalyzeManyPartialFailureIsolation(t *testing.T) {
	f := newSchedulerFixture(t, func(w http.ResponseWriter, r *http.Request) {
		var req boundaryRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ItemID == "c" {
			w.Write([]byte("not even json"))
			return
		}
		json.NewEncoder(w).Encode(okInsightsBody())
	})
	for _, id := range []string{"a", "b", "c"} {
		f.repo.seed(id, "character", "sheet for "+id)
	}

	results, err := f.sched.AnalyzeMany(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err, "an item failure must not fail the batch call")

	assert.Equal(t, models.StatusCompleted, results[0].Status)
	assert.NotEmpty(t, results[0].Insights)
	assert.Equal(t, models.StatusCompleted, results[1].Status)
	assert.NotEmpty(t, results[1].Insights)

	assert.Equal(t, models.StatusFailed, results[2].Status)
	var malformed *MalformedResponseError
	assert.ErrorAs(t, results[2].Err, &malformed)

	assert.Equal(t, models.StatusCompleted, f.repo.statusOf("a"))
	assert.Equal(t, models.StatusCompleted, f.repo.statusOf("b"))
	assert.Equal(t, models.StatusFailed, f.repo.statusOf("c"))
}

func TestAnalyzeManySkipsBlankWithoutDispatch(t *testing.T) {
	f := newSchedulerFixture(t, nil)
	f.repo.seed("full", "plot", "real content")
	f.repo.seed("blank", "plot", "   \n ")

	results, err := f.sched.AnalyzeMany(context.Background(), []string{"full", "blank"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, results[0].Status)
	assert.Equal(t, models.StatusSkipped, results[1].Status)
	assert.Equal(t, models.StatusSkipped, f.repo.statusOf("blank"))
	assert.Equal(t, int32(1), atomic.LoadInt32(f.requests), "blank item must not reach the network")
	assert.Equal(t, 1, f.quota.consumed, "skipped items do not count against the quota")
}

func TestAnalyzeManyBatchPacing(t *testing.T) {
	f := newSchedulerFixture(t, nil)
	ids := make([]string, 7)
	for i := range ids {
		ids[i] = string(rune('a' + i))
		f.repo.seed(ids[i], "chapter", "chapter "+ids[i])
	}

	results, err := f.sched.AnalyzeMany(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, results, 7)

	// 7 items, batch size 3: batches of 3/3/1 with a pause before batches 2
	// and 3, never after the last.
	assert.Equal(t, int32(7), atomic.LoadInt32(f.requests))
	require.Len(t, *f.sleeps, 2)
	var total time.Duration
	for _, d := range *f.sleeps {
		assert.Equal(t, time.Second, d)
		total += d
	}
	assert.GreaterOrEqual(t, total, 2*time.Second)
}

func TestAnalyzeManyFailClosedLimiter(t *testing.T) {
	f := newSchedulerFixture(t, nil)
	f.quota.err = errors.New("quota service down")
	f.repo.seed("a", "plot", "text")

	_, err := f.sched.AnalyzeMany(context.Background(), []string{"a"})

	var rateLimited *RateLimitError
	require.ErrorAs(t, err, &rateLimited)
	assert.False(t, rateLimited.Info.Allowed)
	assert.Equal(t, rateLimited.Info.HourlyLimit, rateLimited.Info.HourlyCount)
	assert.Equal(t, int32(0), atomic.LoadInt32(f.requests), "no dispatch on unknown quota state")
	assert.Equal(t, models.StatusUnanalyzed, f.repo.statusOf("a"))
}

func TestAnalyzeManyQuotaExhaustedMidRun(t *testing.T) {
	f := newSchedulerFixture(t, nil)
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		f.repo.seed(id, "plot", "text "+id)
	}

	// First batch dispatches; the re-validation before batch 2 sees an
	// exhausted quota.
	calls := 0
	f.sched.sleep = func(ctx context.Context, d time.Duration) error {
		calls++
		f.quota.mu.Lock()
		f.quota.info.Allowed = false
		f.quota.info.HourlyCount = f.quota.info.HourlyLimit
		f.quota.mu.Unlock()
		f.sched.limiter.mu.Lock()
		f.sched.limiter.fetchedAt = time.Time{}
		f.sched.limiter.mu.Unlock()
		return nil
	}

	results, err := f.sched.AnalyzeMany(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	for i := 0; i < 3; i++ {
		assert.Equal(t, models.StatusCompleted, results[i].Status)
	}
	assert.Equal(t, models.StatusUnanalyzed, results[3].Status)
	var rateLimited *RateLimitError
	assert.ErrorAs(t, results[3].Err, &rateLimited)
	assert.Equal(t, models.StatusUnanalyzed, f.repo.statusOf("d"))
	assert.Equal(t, int32(3), atomic.LoadInt32(f.requests))
}

func TestAnalyzeManyCancellationStopsScheduling(t *testing.T) {
	f := newSchedulerFixture(t, nil)
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		f.repo.seed(id, "plot", "text "+id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.sched.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	results, err := f.sched.AnalyzeMany(ctx, ids)
	require.NoError(t, err)

	// Batch 1 settled; batch 2 was never dispatched and its items were
	// reset instead of staying pending.
	for i := 0; i < 3; i++ {
		assert.Equal(t, models.StatusCompleted, results[i].Status)
	}
	for i := 3; i < 5; i++ {
		assert.Equal(t, models.StatusUnanalyzed, results[i].Status)
		assert.ErrorIs(t, results[i].Err, context.Canceled)
		assert.Equal(t, models.StatusUnanalyzed, f.repo.statusOf(results[i].ItemID))
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(f.requests))
}

func TestAnalyzeManyMarksScopePendingUpFront(t *testing.T) {
	release := make(chan struct{})
	var observed []models.AnalysisStatus
	var once sync.Once

	f := newSchedulerFixture(t, nil)
	f.repo.seed("a", "plot", "text a")
	f.repo.seed("b", "plot", "text b")
	f.repo.seed("c", "plot", "text c")

	// Snapshot view-state statuses the moment the first request arrives.
	handler := func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			for _, id := range []string{"a", "b", "c"} {
				observed = append(observed, f.store.StatusOf(id))
			}
			close(release)
		})
		json.NewEncoder(w).Encode(okInsightsBody())
	}
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	cfg := testAnalysisConfig(srv.URL)
	f.sched.client = NewClient(cfg, appAIConfigEmpty(), f.repo, f.store, nil)

	_, err := f.sched.AnalyzeMany(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	<-release

	require.Len(t, observed, 3)
	for _, status := range observed {
		assert.Contains(t, []models.AnalysisStatus{models.StatusPending, models.StatusAnalyzing}, status,
			"the full scope of work is visible before any item completes")
	}
	assert.False(t, f.store.IsAnalyzing(), "nothing left pending after settle")
}
