package models

import "time"

// AnalysisStatus is the lifecycle state of a content item's AI analysis.
type AnalysisStatus string

const (
	StatusUnanalyzed AnalysisStatus = "unanalyzed"
	StatusPending    AnalysisStatus = "pending"
	StatusAnalyzing  AnalysisStatus = "analyzing"
	StatusCompleted  AnalysisStatus = "completed"
	StatusFailed     AnalysisStatus = "failed"
	StatusSkipped    AnalysisStatus = "skipped"
)

// Terminal reports whether no further transition happens without a new analysis attempt.
func (s AnalysisStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// ContentItemModel is a piece of user content (character sheet, plot note,
// research note, chapter). The analysis subsystem reads Text/Kind and owns the
// ai_status / last_analyzed / word_count fields; everything else belongs to the
// surrounding domain layer.
type ContentItemModel struct {
	Base
	Title        string         `json:"title"         gorm:"not null"`
	Text         string         `json:"text"          gorm:"type:longtext"`
	Kind         string         `json:"kind"          gorm:"index;not null;default:'research'"` // character | plot | research | chapter
	WordCount    int            `json:"word_count"`
	AIStatus     AnalysisStatus `json:"ai_status"     gorm:"index;not null;default:'unanalyzed'"`
	LastAnalyzed *time.Time     `json:"last_analyzed"`
}

func (ContentItemModel) TableName() string { return "content_items" }
