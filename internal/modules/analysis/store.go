package analysis

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/storyloom/core/internal/models"
)

// EventChannel is the redis pub/sub channel carrying store events, so other
// processes can mirror the view state.
const EventChannel = "loom:analysis:events"

// Event describes one mutation of the store.
type Event struct {
	Type      string                `json:"type"` // status | insights | dismissed | cleared
	ItemID    string                `json:"itemId,omitempty"`
	Status    models.AnalysisStatus `json:"status,omitempty"`
	InsightID string                `json:"insightId,omitempty"`
	Count     int                   `json:"count,omitempty"`
}

// Publisher fans an event out beyond this process. The redis client wrapper
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Store is the reactive view state over the most recent insights and per-item
// analysis status. It is updated by the client and scheduler and observed by
// the HTTP layer; every mutation emits an Event to subscribers.
type Store struct {
	pub    Publisher
	logger *zap.Logger

	mu       sync.RWMutex
	insights []models.AIInsightModel
	status   map[string]models.AnalysisStatus
	subs     map[chan Event]struct{}
}

func NewStore(pub Publisher, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pub:    pub,
		logger: logger,
		status: make(map[string]models.AnalysisStatus),
		subs:   make(map[chan Event]struct{}),
	}
}

// Insights returns a snapshot of all held insights.
func (s *Store) Insights() []models.AIInsightModel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AIInsightModel, len(s.insights))
	copy(out, s.insights)
	return out
}

// StatusOf returns the item's analysis status; unknown items are unanalyzed.
func (s *Store) StatusOf(itemID string) models.AnalysisStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if status, ok := s.status[itemID]; ok {
		return status
	}
	return models.StatusUnanalyzed
}

// IsAnalyzing reports whether any item is pending or analyzing.
func (s *Store) IsAnalyzing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, status := range s.status {
		if status == models.StatusPending || status == models.StatusAnalyzing {
			return true
		}
	}
	return false
}

// ForItem returns the insights held for one item.
func (s *Store) ForItem(itemID string) []models.AIInsightModel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AIInsightModel
	for _, insight := range s.insights {
		if insight.ItemID == itemID {
			out = append(out, insight)
		}
	}
	return out
}

// CountForItem returns how many insights are held for one item.
func (s *Store) CountForItem(itemID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, insight := range s.insights {
		if insight.ItemID == itemID {
			count++
		}
	}
	return count
}

// SetStatus records the item's analysis status.
func (s *Store) SetStatus(itemID string, status models.AnalysisStatus) {
	s.mu.Lock()
	prev, had := s.status[itemID]
	s.status[itemID] = status
	s.mu.Unlock()

	if had && prev == status {
		return
	}
	s.emit(Event{Type: "status", ItemID: itemID, Status: status})
}

// ReplaceInsights swaps the held insights of one (item, kind) pair for the
// outcome of a new analysis run. Prior insights of other kinds are kept.
func (s *Store) ReplaceInsights(itemID string, kind AnalysisKind, insights []models.AIInsightModel) {
	s.mu.Lock()
	kept := s.insights[:0]
	for _, insight := range s.insights {
		if insight.ItemID == itemID && insight.Kind == string(kind) {
			continue
		}
		kept = append(kept, insight)
	}
	s.insights = append(kept, insights...)
	count := len(s.insights)
	s.mu.Unlock()

	s.emit(Event{Type: "insights", ItemID: itemID, Count: count})
}

// Dismiss marks one insight dismissed. Dismissing an unknown or
// already-dismissed insight is a no-op.
func (s *Store) Dismiss(insightID string) {
	s.mu.Lock()
	changed := false
	for i := range s.insights {
		if s.insights[i].ID == insightID && !s.insights[i].Dismissed {
			s.insights[i].Dismissed = true
			changed = true
			break
		}
	}
	s.mu.Unlock()

	if changed {
		s.emit(Event{Type: "dismissed", InsightID: insightID})
	}
}

// ClearAll drops every held insight and resets all statuses.
func (s *Store) ClearAll() {
	s.mu.Lock()
	empty := len(s.insights) == 0 && len(s.status) == 0
	s.insights = nil
	s.status = make(map[string]models.AnalysisStatus)
	s.mu.Unlock()

	if !empty {
		s.emit(Event{Type: "cleared"})
	}
}

// Subscribe registers an event listener. The returned cancel function must be
// called to release the subscription. Slow listeners drop events rather than
// block mutators.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Store) emit(event Event) {
	s.mu.RLock()
	for ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
	s.mu.RUnlock()

	if s.pub == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.pub.Publish(context.Background(), EventChannel, payload); err != nil {
		s.logger.Debug("event publish failed", zap.Error(err))
	}
}
