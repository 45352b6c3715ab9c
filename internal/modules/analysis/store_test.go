package analysis

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/core/internal/models"
)

func insightFixture(id, itemID, kind string) models.AIInsightModel {
	insight := models.AIInsightModel{
		ItemID:  itemID,
		Kind:    kind,
		Type:    kind,
		Summary: "summary " + id,
	}
	insight.ID = id
	return insight
}

func TestStoreStatusDefaultsToUnanalyzed(t *testing.T) {
	s := NewStore(nil, nil)
	assert.Equal(t, models.StatusUnanalyzed, s.StatusOf("nope"))
	assert.False(t, s.IsAnalyzing())
}

func TestStoreIsAnalyzing(t *testing.T) {
	s := NewStore(nil, nil)

	s.SetStatus("a", models.StatusPending)
	assert.True(t, s.IsAnalyzing())

	s.SetStatus("a", models.StatusAnalyzing)
	assert.True(t, s.IsAnalyzing())

	s.SetStatus("a", models.StatusCompleted)
	assert.False(t, s.IsAnalyzing())
}

func TestStoreReplaceKeepsOtherKinds(t *testing.T) {
	s := NewStore(nil, nil)
	s.ReplaceInsights("item-1", KindPlot, []models.AIInsightModel{
		insightFixture("p1", "item-1", "plot"),
	})
	s.ReplaceInsights("item-1", KindCharacter, []models.AIInsightModel{
		insightFixture("c1", "item-1", "character"),
	})
	s.ReplaceInsights("item-2", KindPlot, []models.AIInsightModel{
		insightFixture("p2", "item-2", "plot"),
	})

	// A new plot run supersedes the old plot insights only.
	s.ReplaceInsights("item-1", KindPlot, []models.AIInsightModel{
		insightFixture("p1b", "item-1", "plot"),
	})

	assert.Equal(t, 2, s.CountForItem("item-1"))
	assert.Equal(t, 1, s.CountForItem("item-2"))
	require.Len(t, s.Insights(), 3)

	ids := map[string]bool{}
	for _, insight := range s.ForItem("item-1") {
		ids[insight.ID] = true
	}
	assert.True(t, ids["p1b"])
	assert.True(t, ids["c1"])
	assert.False(t, ids["p1"], "superseded insight is gone")
}

func TestStoreDismissIdempotent(t *testing.T) {
	s := NewStore(nil, nil)
	s.ReplaceInsights("item-1", KindPlot, []models.AIInsightModel{
		insightFixture("p1", "item-1", "plot"),
	})

	events, cancel := s.Subscribe()
	defer cancel()

	s.Dismiss("p1")
	s.Dismiss("p1")
	s.Dismiss("unknown")

	assert.True(t, s.ForItem("item-1")[0].Dismissed)

	// Only the first dismissal emitted an event.
	dismissals := 0
	for len(events) > 0 {
		if e := <-events; e.Type == "dismissed" {
			dismissals++
		}
	}
	assert.Equal(t, 1, dismissals)
}

func TestStoreClearAll(t *testing.T) {
	s := NewStore(nil, nil)
	s.SetStatus("a", models.StatusAnalyzing)
	s.ReplaceInsights("a", KindPlot, []models.AIInsightModel{insightFixture("p1", "a", "plot")})

	s.ClearAll()

	assert.Empty(t, s.Insights())
	assert.Equal(t, models.StatusUnanalyzed, s.StatusOf("a"))
	assert.False(t, s.IsAnalyzing())
}

func TestStoreSubscribeReceivesEvents(t *testing.T) {
	s := NewStore(nil, nil)
	events, cancel := s.Subscribe()
	defer cancel()

	s.SetStatus("a", models.StatusPending)
	e := <-events
	assert.Equal(t, "status", e.Type)
	assert.Equal(t, "a", e.ItemID)
	assert.Equal(t, models.StatusPending, e.Status)

	// Repeating the same status is not an event.
	s.SetStatus("a", models.StatusPending)
	assert.Empty(t, events)

	cancel()
	cancel() // double-cancel is safe
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages int
}

func (p *recordingPublisher) Publish(context.Context, string, interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages++
	return nil
}

func TestStorePublishesMutations(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewStore(pub, nil)

	s.SetStatus("a", models.StatusPending)
	s.ReplaceInsights("a", KindPlot, []models.AIInsightModel{insightFixture("p1", "a", "plot")})

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, 2, pub.messages)
}
