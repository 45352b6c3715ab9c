package analysis

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/storyloom/core/internal/config"
	"github.com/storyloom/core/internal/models"
	"github.com/storyloom/core/internal/modules/processing/text"
	"github.com/storyloom/core/internal/pkg/cache"
	"github.com/storyloom/core/internal/pkg/loader"
	redispkg "github.com/storyloom/core/internal/pkg/redis"
)

const insightCachePrefix = "loom:insights:"

// Service coordinates on-demand AI content analysis: rate limiting, in-flight
// deduplication, batch scheduling, the two-tier insight cache and the
// reactive view state.
type Service struct {
	db      *gorm.DB
	repo    ItemRepo
	cfg     config.AnalysisConfig
	cache   *cache.Cache
	loader  *loader.Loader
	limiter *Limiter
	dedup   *Dedup
	client  *Client
	sched   *Scheduler
	store   *Store
	logger  *zap.Logger
}

func NewService(db *gorm.DB, rdb *redispkg.Client, cfg config.AnalysisConfig, ai config.AIConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	// A typed nil redis client must not leak into the interfaces.
	var pub Publisher
	var slow cache.SlowStore
	if rdb != nil {
		pub = rdb
		slow = rdb
	}

	repo := NewItemRepo(db)
	store := NewStore(pub, logger)
	c := cache.New(slow, insightCachePrefix, cfg.CacheTTL(), logger)
	limiter := NewLimiter(cfg, rdb, logger)
	dedup := NewDedup()
	client := NewClient(cfg, ai, repo, store, logger)
	sched := NewScheduler(cfg, repo, limiter, dedup, client, store, logger)

	return &Service{
		db:      db,
		repo:    repo,
		cfg:     cfg,
		cache:   c,
		loader:  loader.New(c, logger),
		limiter: limiter,
		dedup:   dedup,
		client:  client,
		sched:   sched,
		store:   store,
		logger:  logger,
	}
}

// Store exposes the reactive view state for the HTTP layer.
func (s *Service) Store() *Store { return s.store }

// AnalyzeItem runs one analysis attempt for a single item, deduplicated
// against concurrent attempts for the same (item, kind).
func (s *Service) AnalyzeItem(ctx context.Context, itemID string, kindOverride string) (Result, error) {
	item, err := s.repo.Get(ctx, itemID)
	if err != nil {
		return Result{}, err
	}

	kind := KindForItem(item)
	if kindOverride != "" {
		k := AnalysisKind(kindOverride)
		if !k.Valid() {
			return Result{}, &ValidationError{Reason: "unknown analysis kind " + kindOverride}
		}
		kind = k
	}

	if info := s.limiter.Current(ctx); !info.Allowed {
		return Result{}, &RateLimitError{Info: info}
	}

	req := Request{ItemID: itemID, Content: item.Text, Kind: kind, SubmittedAt: s.sched.now()}
	res, _ := s.dedup.Submit(ctx, itemID, kind, func(ctx context.Context) Result {
		s.limiter.Consume(ctx)
		return s.client.Analyze(ctx, req)
	})

	if res.Status == models.StatusCompleted {
		s.cache.Invalidate(ctx, itemID)
	}
	return res, nil
}

// AnalyzeMany runs a batched analysis over the given items. See
// Scheduler.AnalyzeMany for the batching and failure semantics.
func (s *Service) AnalyzeMany(ctx context.Context, itemIDs []string) ([]Result, error) {
	results, err := s.sched.AnalyzeMany(ctx, itemIDs)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.Status == models.StatusCompleted {
			s.cache.Invalidate(ctx, r.ItemID)
		}
	}
	return results, nil
}

// InsightsForItem is the read-through path: cached insight payloads with
// retry and single-flight on the database fetch.
func (s *Service) InsightsForItem(ctx context.Context, itemID string) (json.RawMessage, bool, error) {
	res, err := s.loader.Load(ctx, itemID, func(ctx context.Context) (interface{}, error) {
		return s.repo.InsightsForItem(ctx, itemID)
	}, loader.Options{RetryCount: s.cfg.RetryCount, RetryDelay: s.cfg.RetryDelay()})
	if err != nil {
		return nil, false, err
	}
	return res.Data, res.CacheHit, nil
}

// ItemStatus returns the persisted analysis state of one item.
func (s *Service) ItemStatus(ctx context.Context, itemID string) (*models.ContentItemModel, error) {
	return s.repo.Get(ctx, itemID)
}

// Limits returns the current quota reading, re-queried when stale.
func (s *Service) Limits(ctx context.Context) RateLimitInfo {
	return s.limiter.Current(ctx)
}

// RefreshLimits forces a live quota query. Run periodically by the cron job
// so dispatch paths usually see a fresh reading.
func (s *Service) RefreshLimits(ctx context.Context) RateLimitInfo {
	return s.limiter.Check(ctx)
}

// DismissInsight marks an insight dismissed. Returns false when the insight
// does not exist. Repeated dismissals are no-ops.
func (s *Service) DismissInsight(ctx context.Context, insightID string) (bool, error) {
	itemID, err := s.repo.DismissInsight(ctx, insightID)
	if err != nil {
		return false, err
	}
	if itemID == "" {
		return false, nil
	}
	s.store.Dismiss(insightID)
	s.cache.Invalidate(ctx, itemID)
	return true, nil
}

// ClearAllInsights drops every insight and resets the view state.
func (s *Service) ClearAllInsights(ctx context.Context) error {
	items, err := s.repo.ListItems(ctx)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteAllInsights(ctx); err != nil {
		return err
	}
	for _, item := range items {
		s.cache.Invalidate(ctx, item.ID)
	}
	s.store.ClearAll()
	return nil
}

// Reanalyze invalidates the item's cached insights and runs a fresh attempt.
func (s *Service) Reanalyze(ctx context.Context, itemID string) (Result, error) {
	s.cache.Invalidate(ctx, itemID)
	return s.AnalyzeItem(ctx, itemID, "")
}

// RecountWords refreshes the persisted word count of every item from its
// extracted plain text. Run as a maintenance cron job.
func (s *Service) RecountWords(ctx context.Context) error {
	items, err := s.repo.ListItems(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		count := text.WordCount(item.Text)
		if count == item.WordCount {
			continue
		}
		if err := s.repo.UpdateWordCount(ctx, item.ID, count); err != nil {
			s.logger.Warn("word count update failed", zap.String("item", item.ID), zap.Error(err))
		}
	}
	return nil
}
