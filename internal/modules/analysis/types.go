package analysis

import (
	"time"

	"github.com/storyloom/core/internal/models"
)

// AnalysisKind is the fixed category of content being analyzed. It selects
// the request shape and prompt context for one analysis run.
type AnalysisKind string

const (
	KindCharacter AnalysisKind = "character"
	KindPlot      AnalysisKind = "plot"
	KindResearch  AnalysisKind = "research"
	KindChapter   AnalysisKind = "chapter"
)

// Kinds lists every valid analysis kind.
func Kinds() []AnalysisKind {
	return []AnalysisKind{KindCharacter, KindPlot, KindResearch, KindChapter}
}

func (k AnalysisKind) Valid() bool {
	switch k {
	case KindCharacter, KindPlot, KindResearch, KindChapter:
		return true
	}
	return false
}

// KindForItem maps a content item to its analysis kind. The mapping is total:
// unknown or empty kind tags fall back to research, which uses the most
// generic prompt.
func KindForItem(item *models.ContentItemModel) AnalysisKind {
	if item == nil {
		return KindResearch
	}
	if k := AnalysisKind(item.Kind); k.Valid() {
		return k
	}
	return KindResearch
}

// RateLimitInfo is one reading of the caller's quota state.
type RateLimitInfo struct {
	Allowed     bool      `json:"allowed"`
	HourlyCount int       `json:"hourly_count"`
	HourlyLimit int       `json:"hourly_limit"`
	DailyCount  int       `json:"daily_count"`
	DailyLimit  int       `json:"daily_limit"`
	ResetTime   time.Time `json:"reset_time"`
}

// Request is one immutable unit of analysis work, scoped to a single attempt.
type Request struct {
	ItemID      string
	Content     string
	Kind        AnalysisKind
	SubmittedAt time.Time
}

// Result is the per-item outcome of an analysis attempt.
type Result struct {
	ItemID   string                  `json:"itemId"`
	Kind     AnalysisKind            `json:"kind"`
	Status   models.AnalysisStatus   `json:"status"`
	Insights []models.AIInsightModel `json:"insights,omitempty"`
	Error    string                  `json:"error,omitempty"`
	// Shared marks a result satisfied by awaiting an identical in-flight
	// attempt instead of dispatching a new one.
	Shared bool `json:"shared,omitempty"`

	Err error `json:"-"`
}

// boundaryRequest is the wire shape sent to the external analysis boundary.
type boundaryRequest struct {
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
	ItemID      string `json:"itemId"`
}

// InsightPayload is one insight as returned by the analysis boundary or a
// direct AI provider call.
type InsightPayload struct {
	Type        string                 `json:"type"`
	Summary     string                 `json:"summary"`
	Suggestions []string               `json:"suggestions"`
	Confidence  float64                `json:"confidence"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

type boundaryResponse struct {
	Success  bool             `json:"success"`
	Insights []InsightPayload `json:"insights,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type analyzeBatchDTO struct {
	ItemIDs []string `json:"itemIds" binding:"required"`
}

type analyzeItemDTO struct {
	Kind string `json:"kind"`
}
