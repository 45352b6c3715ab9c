package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storyloom/core/internal/models"
	"github.com/storyloom/core/internal/pkg/pagination"
	"github.com/storyloom/core/internal/pkg/response"
)

type Handler struct{ svc *Service }

func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/analysis")

	items := g.Group("/items")
	items.POST("/:id/analyze", h.analyzeItem)
	items.POST("/:id/reanalyze", h.reanalyzeItem)
	items.GET("/:id/insights", h.getItemInsights)
	items.GET("/:id/status", h.getItemStatus)

	g.POST("/batch", h.analyzeBatch)
	g.GET("/limits", h.getLimits)
	g.GET("/events", h.streamEvents)

	g.POST("/insights/:id/dismiss", h.dismissInsight)

	admin := g.Group("", authMW)
	admin.GET("/insights", h.listInsights)
	admin.DELETE("/insights", h.clearInsights)
}

// POST /analysis/items/:id/analyze
func (h *Handler) analyzeItem(c *gin.Context) {
	var dto analyzeItemDTO
	if err := c.ShouldBindJSON(&dto); err != nil && err.Error() != "EOF" {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.svc.AnalyzeItem(c.Request.Context(), c.Param("id"), dto.Kind)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.OK(c, result)
}

// POST /analysis/items/:id/reanalyze
func (h *Handler) reanalyzeItem(c *gin.Context) {
	result, err := h.svc.Reanalyze(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.OK(c, result)
}

// POST /analysis/batch
func (h *Handler) analyzeBatch(c *gin.Context) {
	var dto analyzeBatchDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	results, err := h.svc.AnalyzeMany(c.Request.Context(), dto.ItemIDs)
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.OK(c, results)
}

// GET /analysis/items/:id/insights
func (h *Handler) getItemInsights(c *gin.Context) {
	data, cacheHit, err := h.svc.InsightsForItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	if cacheHit {
		c.Header("X-Cache", "hit")
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", wrapData(data))
}

// GET /analysis/items/:id/status
func (h *Handler) getItemStatus(c *gin.Context) {
	item, err := h.svc.ItemStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	response.OK(c, gin.H{
		"itemId":        item.ID,
		"ai_status":     item.AIStatus,
		"last_analyzed": item.LastAnalyzed,
		"word_count":    item.WordCount,
		"insight_count": h.svc.Store().CountForItem(item.ID),
	})
}

// GET /analysis/limits
func (h *Handler) getLimits(c *gin.Context) {
	response.OK(c, h.svc.Limits(c.Request.Context()))
}

// POST /analysis/insights/:id/dismiss
func (h *Handler) dismissInsight(c *gin.Context) {
	found, err := h.svc.DismissInsight(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	if !found {
		response.NotFound(c, "insight not found")
		return
	}
	response.NoContent(c)
}

// GET /analysis/insights  [auth]
func (h *Handler) listInsights(c *gin.Context) {
	q := pagination.FromContext(c)

	tx := h.svc.db.Model(&models.AIInsightModel{}).Order("created_at DESC")
	if c.Query("dismissed") == "false" {
		tx = tx.Where("dismissed = ?", false)
	}

	var insights []models.AIInsightModel
	pag, err := pagination.Paginate(tx, q, &insights)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Paged(c, insights, pag)
}

// DELETE /analysis/insights  [auth]
func (h *Handler) clearInsights(c *gin.Context) {
	if err := h.svc.ClearAllInsights(c.Request.Context()); err != nil {
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}

// GET /analysis/events — SSE stream of store mutations.
func (h *Handler) streamEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	events, cancel := h.svc.Store().Subscribe()
	defer cancel()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
			c.Writer.Flush()
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			c.Writer.Flush()
		}
	}
}

func (h *Handler) renderError(c *gin.Context, err error) {
	var rateLimited *RateLimitError
	var validation *ValidationError
	var malformed *MalformedResponseError

	switch {
	case errors.Is(err, ErrItemNotFound):
		response.NotFound(c, "content item not found")
	case errors.Is(err, ErrNoItems):
		response.BadRequest(c, err.Error())
	case errors.As(err, &rateLimited):
		retryAfter := int(time.Until(rateLimited.Info.ResetTime) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		response.TooManyRequests(c, err.Error(), strconv.Itoa(retryAfter))
	case errors.As(err, &validation):
		response.BadRequest(c, err.Error())
	case errors.As(err, &malformed):
		response.UnprocessableEntity(c, err.Error())
	default:
		response.InternalError(c, err)
	}
}

func wrapData(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("[]")
	}
	out := make([]byte, 0, len(raw)+16)
	out = append(out, `{"data":`...)
	out = append(out, raw...)
	out = append(out, '}')
	return out
}
