package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/core/internal/models"
)

func okInsightsBody() boundaryResponse {
	return boundaryResponse{
		Success: true,
		Insights: []InsightPayload{
			{
				Type:        "pacing",
				Summary:     "The middle section drags.",
				Suggestions: []string{"cut the second flashback"},
				Confidence:  0.8,
			},
		},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *memRepo, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	repo := newMemRepo()
	client := NewClient(testAnalysisConfig(srv.URL), appAIConfigEmpty(), repo, NewStore(nil, nil), nil)
	return client, repo, srv
}

func TestClientAnalyzeSuccess(t *testing.T) {
	var requests int32
	client, repo, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		var req boundaryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "chapter", req.ContentType)
		assert.Equal(t, "item-1", req.ItemID)
		json.NewEncoder(w).Encode(okInsightsBody())
	})
	repo.seed("item-1", "chapter", "Some chapter text.")

	res := client.Analyze(context.Background(), Request{ItemID: "item-1", Content: "Some chapter text.", Kind: KindChapter})

	require.NoError(t, res.Err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	require.Len(t, res.Insights, 1)
	assert.Equal(t, "pacing", res.Insights[0].Type)
	assert.Equal(t, models.StatusCompleted, repo.statusOf("item-1"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))

	persisted, err := repo.InsightsForItem(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestClientAnalyzeReplacesSameKind(t *testing.T) {
	client, repo, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(okInsightsBody())
	})
	repo.seed("item-1", "plot", "Plot notes.")

	prior := models.AIInsightModel{ItemID: "item-1", Kind: "plot", Type: "old", Summary: "stale"}
	prior.ID = "old-insight"
	otherKind := models.AIInsightModel{ItemID: "item-1", Kind: "character", Type: "voice", Summary: "kept"}
	otherKind.ID = "other-kind"
	repo.insights["item-1"] = []models.AIInsightModel{prior, otherKind}

	res := client.Analyze(context.Background(), Request{ItemID: "item-1", Content: "Plot notes.", Kind: KindPlot})
	require.NoError(t, res.Err)

	persisted, _ := repo.InsightsForItem(context.Background(), "item-1")
	require.Len(t, persisted, 2)
	kinds := []string{persisted[0].Kind, persisted[1].Kind}
	assert.Contains(t, kinds, "character")
	assert.Contains(t, kinds, "plot")
	for _, insight := range persisted {
		assert.NotEqual(t, "old", insight.Type, "prior insights of the analyzed kind are replaced")
	}
}

func TestClientAnalyzeRateLimited(t *testing.T) {
	client, repo, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(RateLimitInfo{Allowed: false, HourlyCount: 50, HourlyLimit: 50})
	})
	repo.seed("item-1", "plot", "text")

	res := client.Analyze(context.Background(), Request{ItemID: "item-1", Content: "text", Kind: KindPlot})

	assert.Equal(t, models.StatusFailed, res.Status)
	var rateLimited *RateLimitError
	require.ErrorAs(t, res.Err, &rateLimited)
	assert.Equal(t, 50, rateLimited.Info.HourlyCount)
	assert.Equal(t, models.StatusFailed, repo.statusOf("item-1"))
}

func TestClientAnalyzeServerError(t *testing.T) {
	client, repo, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})
	repo.seed("item-1", "plot", "text")

	res := client.Analyze(context.Background(), Request{ItemID: "item-1", Content: "text", Kind: KindPlot})

	assert.Equal(t, models.StatusFailed, res.Status)
	var transient *TransientServiceError
	assert.ErrorAs(t, res.Err, &transient)
	assert.True(t, IsRetryable(res.Err))
}

func TestClientAnalyzeMalformedResponse(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", "<html>nope</html>"},
		{"reported failure", `{"success":false,"error":"model refused"}`},
		{"no insights", `{"success":true,"insights":[]}`},
		{"all summaries empty", `{"success":true,"insights":[{"type":"x","summary":"  "}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, repo, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			})
			repo.seed("item-1", "plot", "text")

			res := client.Analyze(context.Background(), Request{ItemID: "item-1", Content: "text", Kind: KindPlot})

			assert.Equal(t, models.StatusFailed, res.Status)
			var malformed *MalformedResponseError
			assert.ErrorAs(t, res.Err, &malformed)
			assert.False(t, IsRetryable(res.Err))
		})
	}
}

func TestClientAnalyzeBlankContentSkipsNetwork(t *testing.T) {
	var requests int32
	client, repo, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
	})
	repo.seed("item-1", "research", "   ")

	res := client.Analyze(context.Background(), Request{ItemID: "item-1", Content: "   ", Kind: KindResearch})

	assert.Equal(t, models.StatusSkipped, res.Status)
	var validation *ValidationError
	assert.ErrorAs(t, res.Err, &validation)
	assert.Equal(t, int32(0), atomic.LoadInt32(&requests), "blank content must not reach the network")
	assert.Equal(t, models.StatusSkipped, repo.statusOf("item-1"))
}

func TestClientClampsConfidence(t *testing.T) {
	client, repo, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(boundaryResponse{
			Success: true,
			Insights: []InsightPayload{
				{Type: "a", Summary: "over", Confidence: 1.7},
				{Type: "b", Summary: "under", Confidence: -0.2},
			},
		})
	})
	repo.seed("item-1", "plot", "text")

	res := client.Analyze(context.Background(), Request{ItemID: "item-1", Content: "text", Kind: KindPlot})
	require.NoError(t, res.Err)
	require.Len(t, res.Insights, 2)
	assert.Equal(t, 1.0, res.Insights[0].Confidence)
	assert.Equal(t, 0.0, res.Insights[1].Confidence)
}
