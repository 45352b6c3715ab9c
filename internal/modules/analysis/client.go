package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storyloom/core/internal/config"
	"github.com/storyloom/core/internal/models"
	"github.com/storyloom/core/internal/modules/processing/text"
)

// Client performs one request/response exchange with the analysis boundary
// for a single content item and kind, persisting status transitions and the
// resulting insights as side effects.
type Client struct {
	cfg    config.AnalysisConfig
	ai     config.AIConfig
	repo   ItemRepo
	store  *Store
	http   *http.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewClient(cfg config.AnalysisConfig, ai config.AIConfig, repo ItemRepo, store *Store, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		ai:     ai,
		repo:   repo,
		store:  store,
		http:   &http.Client{Timeout: cfg.Timeout()},
		logger: logger,
		now:    time.Now,
	}
}

// Analyze runs one analysis attempt. Status transitions (analyzing, then
// completed/failed/skipped) are persisted and pushed to the store before this
// call returns, so observers see them immediately. Failures are carried in
// Result.Err as one of the typed errors.
func (c *Client) Analyze(ctx context.Context, req Request) Result {
	res := Result{ItemID: req.ItemID, Kind: req.Kind}

	if text.IsBlank(req.Content) {
		c.setStatus(ctx, req.ItemID, models.StatusSkipped)
		res.Status = models.StatusSkipped
		res.Err = &ValidationError{Reason: "content is empty"}
		res.Error = res.Err.Error()
		return res
	}

	c.setStatus(ctx, req.ItemID, models.StatusAnalyzing)

	payloads, err := c.exchange(ctx, req)
	if err == nil {
		var insights []models.AIInsightModel
		insights, err = c.buildInsights(req, payloads)
		if err == nil {
			err = c.persist(ctx, req, insights)
		}
		if err == nil {
			res.Status = models.StatusCompleted
			res.Insights = insights
			return res
		}
	}

	c.setStatus(ctx, req.ItemID, models.StatusFailed)
	c.logger.Warn("analysis failed",
		zap.String("item", req.ItemID),
		zap.String("kind", string(req.Kind)),
		zap.Error(err))
	res.Status = models.StatusFailed
	res.Err = err
	res.Error = err.Error()
	return res
}

func (c *Client) exchange(ctx context.Context, req Request) ([]InsightPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	if c.cfg.Endpoint != "" {
		return c.callBoundary(ctx, req)
	}
	return c.callProvider(ctx, req)
}

func (c *Client) callBoundary(ctx context.Context, req Request) ([]InsightPayload, error) {
	body, err := json.Marshal(boundaryRequest{
		Content:     req.Content,
		ContentType: string(req.Kind),
		ItemID:      req.ItemID,
	})
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, &TransientServiceError{Op: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransientServiceError{Op: "send", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientServiceError{Op: "read response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		var info RateLimitInfo
		_ = json.Unmarshal(respBody, &info)
		return nil, &RateLimitError{Info: info}
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, &TransientServiceError{
			Op:  "send",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusRequestEntityTooLarge,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &ValidationError{Reason: strings.TrimSpace(string(respBody))}
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, &MalformedResponseError{Reason: strings.TrimSpace(string(respBody))}
	}

	var parsed boundaryResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &MalformedResponseError{Reason: err.Error()}
	}
	if !parsed.Success {
		reason := parsed.Error
		if reason == "" {
			reason = "analysis reported failure without detail"
		}
		return nil, &MalformedResponseError{Reason: reason}
	}
	if len(parsed.Insights) == 0 {
		return nil, &MalformedResponseError{Reason: "success response carried no insights"}
	}
	return parsed.Insights, nil
}

func (c *Client) callProvider(ctx context.Context, req Request) ([]InsightPayload, error) {
	provider := selectAIProvider(c.ai, c.ai.AnalysisModel)
	if provider == nil {
		return nil, &TransientServiceError{Op: "select provider", Err: errNoProvider}
	}

	systemPrompt, prompt := buildAnalysisPrompt(req.Kind, req.Content, c.cfg.MaxContentRunes)
	raw, err := callAIWithSystemPrompt(ctx, provider, systemPrompt, prompt, c.cfg.MaxOutputTokens)
	if err != nil {
		return nil, &TransientServiceError{Op: "generate", Err: err}
	}

	var output struct {
		Insights []InsightPayload `json:"insights"`
	}
	if err := unmarshalAIJSON(raw, &output); err != nil {
		return nil, &MalformedResponseError{Reason: err.Error()}
	}
	if len(output.Insights) == 0 {
		return nil, &MalformedResponseError{Reason: "no insights in AI response"}
	}
	return output.Insights, nil
}

func (c *Client) buildInsights(req Request, payloads []InsightPayload) ([]models.AIInsightModel, error) {
	insights := make([]models.AIInsightModel, 0, len(payloads))
	for _, p := range payloads {
		summary := strings.TrimSpace(p.Summary)
		if summary == "" {
			continue
		}
		insightType := strings.TrimSpace(p.Type)
		if insightType == "" {
			insightType = string(req.Kind)
		}
		insights = append(insights, models.AIInsightModel{
			ItemID:      req.ItemID,
			Kind:        string(req.Kind),
			Type:        insightType,
			Summary:     summary,
			Suggestions: models.StringArray(p.Suggestions),
			Confidence:  clampConfidence(p.Confidence),
			Details:     models.JSONMap(p.Details),
		})
	}
	if len(insights) == 0 {
		return nil, &MalformedResponseError{Reason: "every insight was missing a summary"}
	}
	return insights, nil
}

func (c *Client) persist(ctx context.Context, req Request, insights []models.AIInsightModel) error {
	analyzedAt := c.now()
	if err := c.repo.ReplaceInsights(ctx, req.ItemID, req.Kind, insights, analyzedAt); err != nil {
		return &TransientServiceError{Op: "persist insights", Err: err}
	}
	if c.store != nil {
		c.store.ReplaceInsights(req.ItemID, req.Kind, insights)
		c.store.SetStatus(req.ItemID, models.StatusCompleted)
	}
	return nil
}

func (c *Client) setStatus(ctx context.Context, itemID string, status models.AnalysisStatus) {
	if err := c.repo.UpdateStatus(ctx, itemID, status); err != nil {
		c.logger.Warn("status update failed",
			zap.String("item", itemID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	if c.store != nil {
		c.store.SetStatus(itemID, status)
	}
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
