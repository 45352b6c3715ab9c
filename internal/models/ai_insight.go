package models

// AIInsightModel is one structured output record from an analysis run.
// Insights are append-only per run; a new run for the same item replaces prior
// insights of the same kind.
type AIInsightModel struct {
	Base
	ItemID      string      `json:"item_id"           gorm:"index;not null"`
	Kind        string      `json:"kind"              gorm:"index;not null"`
	Type        string      `json:"type"              gorm:"not null"`
	Summary     string      `json:"summary"           gorm:"type:text;not null"`
	Suggestions StringArray `json:"suggestions"       gorm:"type:json"`
	Confidence  float64     `json:"confidence"` // clamped to [0,1] before persisting
	Details     JSONMap     `json:"details,omitempty" gorm:"type:json"`
	Dismissed   bool        `json:"dismissed"         gorm:"index;not null;default:false"`
}

func (AIInsightModel) TableName() string { return "ai_insights" }
