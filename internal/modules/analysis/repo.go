package analysis

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/storyloom/core/internal/models"
)

// ErrItemNotFound is returned for lookups of unknown content items.
var ErrItemNotFound = errors.New("content item not found")

// ItemRepo is the persistence boundary for content items and their insights.
type ItemRepo interface {
	Get(ctx context.Context, id string) (*models.ContentItemModel, error)
	UpdateStatus(ctx context.Context, id string, status models.AnalysisStatus) error
	// ReplaceInsights atomically removes prior insights of the same kind for
	// the item, inserts the new set, and marks the item completed.
	ReplaceInsights(ctx context.Context, itemID string, kind AnalysisKind, insights []models.AIInsightModel, analyzedAt time.Time) error
	InsightsForItem(ctx context.Context, itemID string) ([]models.AIInsightModel, error)
	// DismissInsight marks one insight dismissed and returns the owning item
	// id, or "" when the insight does not exist. Idempotent.
	DismissInsight(ctx context.Context, insightID string) (string, error)
	DeleteAllInsights(ctx context.Context) error
	UpdateWordCount(ctx context.Context, id string, count int) error
	ListItems(ctx context.Context) ([]models.ContentItemModel, error)
}

type gormItemRepo struct {
	db *gorm.DB
}

// NewItemRepo returns the gorm-backed ItemRepo.
func NewItemRepo(db *gorm.DB) ItemRepo {
	return &gormItemRepo{db: db}
}

func (r *gormItemRepo) Get(ctx context.Context, id string) (*models.ContentItemModel, error) {
	var item models.ContentItemModel
	if err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (r *gormItemRepo) UpdateStatus(ctx context.Context, id string, status models.AnalysisStatus) error {
	return r.db.WithContext(ctx).
		Model(&models.ContentItemModel{}).
		Where("id = ?", id).
		Update("ai_status", status).Error
}

func (r *gormItemRepo) ReplaceInsights(ctx context.Context, itemID string, kind AnalysisKind, insights []models.AIInsightModel, analyzedAt time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("item_id = ? AND kind = ?", itemID, string(kind)).
			Delete(&models.AIInsightModel{}).Error; err != nil {
			return err
		}
		if len(insights) > 0 {
			if err := tx.Create(&insights).Error; err != nil {
				return err
			}
		}
		return tx.Model(&models.ContentItemModel{}).
			Where("id = ?", itemID).
			Updates(map[string]interface{}{
				"ai_status":     models.StatusCompleted,
				"last_analyzed": analyzedAt,
			}).Error
	})
}

func (r *gormItemRepo) InsightsForItem(ctx context.Context, itemID string) ([]models.AIInsightModel, error) {
	var insights []models.AIInsightModel
	err := r.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("created_at DESC").
		Find(&insights).Error
	return insights, err
}

func (r *gormItemRepo) DismissInsight(ctx context.Context, insightID string) (string, error) {
	var insight models.AIInsightModel
	if err := r.db.WithContext(ctx).Select("id, item_id").First(&insight, "id = ?", insightID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	// Idempotent: dismissing an already-dismissed insight is a no-op.
	err := r.db.WithContext(ctx).
		Model(&models.AIInsightModel{}).
		Where("id = ?", insightID).
		Update("dismissed", true).Error
	return insight.ItemID, err
}

func (r *gormItemRepo) DeleteAllInsights(ctx context.Context) error {
	return r.db.WithContext(ctx).
		Where("1 = 1").
		Delete(&models.AIInsightModel{}).Error
}

func (r *gormItemRepo) UpdateWordCount(ctx context.Context, id string, count int) error {
	return r.db.WithContext(ctx).
		Model(&models.ContentItemModel{}).
		Where("id = ?", id).
		Update("word_count", count).Error
}

func (r *gormItemRepo) ListItems(ctx context.Context) ([]models.ContentItemModel, error) {
	var items []models.ContentItemModel
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&items).Error
	return items, err
}
