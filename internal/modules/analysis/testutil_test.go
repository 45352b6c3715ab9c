package analysis

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storyloom/core/internal/config"
	"github.com/storyloom/core/internal/models"
)

// memRepo is an in-memory ItemRepo for tests.
type memRepo struct {
	mu       sync.Mutex
	items    map[string]*models.ContentItemModel
	insights map[string][]models.AIInsightModel
}

func newMemRepo() *memRepo {
	return &memRepo{
		items:    make(map[string]*models.ContentItemModel),
		insights: make(map[string][]models.AIInsightModel),
	}
}

func (r *memRepo) seed(id, kind, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item := &models.ContentItemModel{
		Title:    id,
		Text:     text,
		Kind:     kind,
		AIStatus: models.StatusUnanalyzed,
	}
	item.ID = id
	r.items[id] = item
}

func (r *memRepo) statusOf(id string) models.AnalysisStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.items[id]; ok {
		return item.AIStatus
	}
	return ""
}

func (r *memRepo) Get(_ context.Context, id string) (*models.ContentItemModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	clone := *item
	return &clone, nil
}

func (r *memRepo) UpdateStatus(_ context.Context, id string, status models.AnalysisStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.items[id]; ok {
		item.AIStatus = status
	}
	return nil
}

func (r *memRepo) ReplaceInsights(_ context.Context, itemID string, kind AnalysisKind, insights []models.AIInsightModel, analyzedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.insights[itemID][:0]
	for _, insight := range r.insights[itemID] {
		if insight.Kind != string(kind) {
			kept = append(kept, insight)
		}
	}
	r.insights[itemID] = append(kept, insights...)
	if item, ok := r.items[itemID]; ok {
		item.AIStatus = models.StatusCompleted
		at := analyzedAt
		item.LastAnalyzed = &at
	}
	return nil
}

func (r *memRepo) InsightsForItem(_ context.Context, itemID string) ([]models.AIInsightModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AIInsightModel, len(r.insights[itemID]))
	copy(out, r.insights[itemID])
	return out, nil
}

func (r *memRepo) DismissInsight(_ context.Context, insightID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for itemID, list := range r.insights {
		for i := range list {
			if list[i].ID == insightID {
				list[i].Dismissed = true
				return itemID, nil
			}
		}
	}
	return "", nil
}

func (r *memRepo) DeleteAllInsights(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insights = make(map[string][]models.AIInsightModel)
	return nil
}

func (r *memRepo) UpdateWordCount(_ context.Context, id string, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.items[id]; ok {
		item.WordCount = count
	}
	return nil
}

func (r *memRepo) ListItems(context.Context) ([]models.ContentItemModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ContentItemModel, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, *item)
	}
	return out, nil
}

// stubQuota scripts the limiter's quota source.
type stubQuota struct {
	mu       sync.Mutex
	info     RateLimitInfo
	err      error
	queries  int
	consumed int
}

func (q *stubQuota) query(context.Context) (RateLimitInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queries++
	if q.err != nil {
		return RateLimitInfo{}, q.err
	}
	return q.info, nil
}

func (q *stubQuota) consume(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consumed++
	return nil
}

func allowedQuota() *stubQuota {
	return &stubQuota{info: RateLimitInfo{
		Allowed:     true,
		HourlyLimit: 50,
		DailyLimit:  500,
		ResetTime:   time.Now().Add(time.Hour),
	}}
}

func newStubLimiter(cfg config.AnalysisConfig, source quotaSource) *Limiter {
	l := NewLimiter(cfg, nil, zap.NewNop())
	l.source = source
	return l
}

func appAIConfigEmpty() config.AIConfig { return config.AIConfig{} }

func testAnalysisConfig(endpoint string) config.AnalysisConfig {
	cfg := config.DefaultAnalysisConfig()
	cfg.Endpoint = endpoint
	cfg.BatchPauseMS = 1000
	return cfg
}
