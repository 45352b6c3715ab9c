package analysis

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storyloom/core/internal/config"
	"github.com/storyloom/core/internal/models"
	"github.com/storyloom/core/internal/modules/processing/text"
)

// ErrNoItems is returned when AnalyzeMany is called with an empty item list.
var ErrNoItems = errors.New("no items to analyze")

// Scheduler partitions requested items into fixed-size batches, dispatches
// each batch concurrently through the deduplicator and client, and paces
// between batches to stay under rate-limit pressure.
type Scheduler struct {
	cfg     config.AnalysisConfig
	repo    ItemRepo
	limiter *Limiter
	dedup   *Dedup
	client  *Client
	store   *Store
	logger  *zap.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewScheduler(cfg config.AnalysisConfig, repo ItemRepo, limiter *Limiter, dedup *Dedup, client *Client, store *Store, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg,
		repo:    repo,
		limiter: limiter,
		dedup:   dedup,
		client:  client,
		store:   store,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type workUnit struct {
	idx int
	req Request
}

// AnalyzeMany analyzes the given items and returns one Result per item in
// submission order. Individual failures land on that item's Result; the call
// itself only errors on structural preconditions (empty input, exhausted or
// unavailable quota before any work starts). Cancelling ctx stops scheduling
// further batches; the current batch settles so no item is left analyzing.
func (s *Scheduler) AnalyzeMany(ctx context.Context, itemIDs []string) ([]Result, error) {
	if len(itemIDs) == 0 {
		return nil, ErrNoItems
	}

	info := s.limiter.Check(ctx)
	if !info.Allowed {
		return nil, &RateLimitError{Info: info}
	}

	results := make([]Result, len(itemIDs))
	work := make([]workUnit, 0, len(itemIDs))
	submittedAt := s.now()

	// Mark the full scope of work pending before any network activity, so
	// observers see it immediately. Blank items settle as skipped here.
	for i, id := range itemIDs {
		item, err := s.repo.Get(ctx, id)
		if err != nil {
			verr := &ValidationError{Reason: "item " + id + ": " + err.Error()}
			results[i] = Result{ItemID: id, Status: models.StatusFailed, Err: verr, Error: verr.Error()}
			continue
		}
		kind := KindForItem(item)
		if text.IsBlank(item.Text) {
			s.setStatus(ctx, id, models.StatusSkipped)
			verr := &ValidationError{Reason: "content is empty"}
			results[i] = Result{ItemID: id, Kind: kind, Status: models.StatusSkipped, Err: verr, Error: verr.Error()}
			continue
		}
		s.setStatus(ctx, id, models.StatusPending)
		work = append(work, workUnit{idx: i, req: Request{
			ItemID:      id,
			Content:     item.Text,
			Kind:        kind,
			SubmittedAt: submittedAt,
		}})
	}

	batchSize := s.cfg.BatchSize
	for start := 0; start < len(work); start += batchSize {
		if start > 0 {
			if err := s.sleep(ctx, s.cfg.BatchPause()); err != nil {
				s.resetUnscheduled(work[start:], results, err)
				return results, nil
			}
		}
		if err := ctx.Err(); err != nil {
			s.resetUnscheduled(work[start:], results, err)
			return results, nil
		}

		// Re-validate quota before each batch; a stale "exhausted" reading
		// still blocks dispatch.
		if current := s.limiter.Current(ctx); !current.Allowed {
			s.resetUnscheduled(work[start:], results, &RateLimitError{Info: current})
			return results, nil
		}

		end := start + batchSize
		if end > len(work) {
			end = len(work)
		}
		s.runBatch(ctx, work[start:end], results)
	}

	return results, nil
}

// runBatch dispatches one batch concurrently and waits for every item to
// settle. A failing item never aborts its siblings.
func (s *Scheduler) runBatch(ctx context.Context, batch []workUnit, results []Result) {
	// Dispatched work is detached from the caller's cancellation so a
	// cancelled run leaves no item stuck in analyzing.
	workCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, u := range batch {
		wg.Add(1)
		go func(u workUnit) {
			defer wg.Done()
			r, shared := s.dedup.Submit(workCtx, u.req.ItemID, u.req.Kind, func(ctx context.Context) Result {
				s.limiter.Consume(ctx)
				return s.client.Analyze(ctx, u.req)
			})
			if shared {
				s.logger.Debug("shared in-flight analysis",
					zap.String("item", u.req.ItemID),
					zap.String("kind", string(u.req.Kind)))
			}
			results[u.idx] = r
		}(u)
	}
	wg.Wait()
}

// resetUnscheduled returns never-dispatched items to unanalyzed and records
// the interrupting error on their results.
func (s *Scheduler) resetUnscheduled(remaining []workUnit, results []Result, cause error) {
	ctx := context.Background()
	for _, u := range remaining {
		s.setStatus(ctx, u.req.ItemID, models.StatusUnanalyzed)
		results[u.idx] = Result{
			ItemID: u.req.ItemID,
			Kind:   u.req.Kind,
			Status: models.StatusUnanalyzed,
			Err:    cause,
			Error:  cause.Error(),
		}
	}
}

func (s *Scheduler) setStatus(ctx context.Context, itemID string, status models.AnalysisStatus) {
	if err := s.repo.UpdateStatus(ctx, itemID, status); err != nil {
		s.logger.Warn("status update failed",
			zap.String("item", itemID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	if s.store != nil {
		s.store.SetStatus(itemID, status)
	}
}
