// internal/api/handlers.go
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/StoryForge/internal/config"
	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/services"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/gin-gonic/gin"
)

// Handler 处理API请求
type Handler struct {
	CatalogService  *services.CatalogService
	StoryService    *services.StoryService
	LLMService      *services.LLMService
	ExportService   *services.ExportService // 可选
	UsageService    *services.UsageService  // 可选
	Response        *ResponseHelper
	DefaultMaxTurns int
	startedAt       time.Time
	logger          *utils.Logger
}

// NewHandler 创建API处理器
func NewHandler(catalog *services.CatalogService, story *services.StoryService, llmService *services.LLMService, defaultMaxTurns int, logger *utils.Logger) *Handler {
	if defaultMaxTurns <= 0 {
		defaultMaxTurns = services.DefaultMaxTurns
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Handler{
		CatalogService:  catalog,
		StoryService:    story,
		LLMService:      llmService,
		Response:        NewResponseHelper(),
		DefaultMaxTurns: defaultMaxTurns,
		startedAt:       time.Now(),
		logger:          logger,
	}
}

// BackstoryRequest 不带 index 时返回完整目录
type BackstoryRequest struct {
	Index *int `json:"index"`
}

// StartStoryRequest 开始冒险
type StartStoryRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Goal        string `json:"goal"`
	MaxTurns    *int   `json:"max_turns"`
}

// StartStoryResponse 第一回合
type StartStoryResponse struct {
	SessionID     string               `json:"session_id"`
	Story         string               `json:"story"` // 第一回合的叙事
	ImagePrompt   string               `json:"image_prompt,omitempty"`
	Choices       []models.Choice      `json:"choices"`
	SelectedStory models.SelectedStory `json:"selected_story"`
	CurrentTurn   int                  `json:"current_turn"`
	MaxTurns      int                  `json:"max_turns"`
}

// AdvanceTurnRequest 玩家选择
type AdvanceTurnRequest struct {
	SessionID string `json:"session_id"`
	Choice    string `json:"choice"`
	Outcome   string `json:"outcome"`
}

// TurnResponse 回合结果
type TurnResponse struct {
	Story       string          `json:"story"`
	ImagePrompt string          `json:"image_prompt,omitempty"`
	Choices     []models.Choice `json:"choices"`
	IsFinal     bool            `json:"is_final"`
	CurrentTurn int             `json:"current_turn"`
	MaxTurns    int             `json:"max_turns"`
}

// bindOptionalJSON 空请求体视为零值
func bindOptionalJSON(c *gin.Context, v interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// GetBackstory POST /backstory
func (h *Handler) GetBackstory(c *gin.Context) {
	var req BackstoryRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	catalog, err := h.CatalogService.GenerateCatalog(c.Request.Context())
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	if req.Index == nil {
		h.Response.Success(c, gin.H{"stories": catalog.Stories})
		return
	}

	story, err := services.SelectStory(catalog, req.Index)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"selected_story": story, "index": *req.Index})
}

// StartStory POST /story/start
func (h *Handler) StartStory(c *gin.Context) {
	var req StartStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	maxTurns := h.DefaultMaxTurns
	if req.MaxTurns != nil {
		maxTurns = *req.MaxTurns
	}

	story := models.SelectedStory{
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		Goal:        strings.TrimSpace(req.Goal),
	}

	state, reply, err := h.StoryService.StartSession(c.Request.Context(), story, maxTurns)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Created(c, &StartStoryResponse{
		SessionID:     state.SessionID,
		Story:         reply.Story,
		ImagePrompt:   reply.ImagePrompt,
		Choices:       nonNilChoices(reply.Choices),
		SelectedStory: state.Story,
		CurrentTurn:   state.CurrentTurn,
		MaxTurns:      state.MaxTurns,
	})
}

// AdvanceTurn POST /story/turn
func (h *Handler) AdvanceTurn(c *gin.Context) {
	var req AdvanceTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		h.Response.BadRequest(c, "session_id is required")
		return
	}

	result, err := h.StoryService.AdvanceTurn(c.Request.Context(), req.SessionID, models.Choice{
		Description: req.Choice,
		Outcome:     req.Outcome,
	})
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	h.Response.Success(c, &TurnResponse{
		Story:       result.Reply.Story,
		ImagePrompt: result.Reply.ImagePrompt,
		Choices:     nonNilChoices(result.Reply.Choices),
		IsFinal:     result.IsFinal,
		CurrentTurn: result.CurrentTurn,
		MaxTurns:    result.MaxTurns,
	})
}

// GetStory GET /story/:id
func (h *Handler) GetStory(c *gin.Context) {
	state, err := h.StoryService.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, state.Summary())
}

// ExportStory GET /story/:id/export?format=markdown|json|txt
// download=true 时直接返回文件内容
func (h *Handler) ExportStory(c *gin.Context) {
	if h.ExportService == nil {
		h.Response.NotFound(c, "export is not enabled")
		return
	}

	result, err := h.ExportService.ExportSession(c.Request.Context(), c.Param("id"), c.Query("format"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	if c.Query("download") != "true" {
		h.Response.Success(c, result)
		return
	}

	contentType, ext := "text/markdown; charset=utf-8", "md"
	switch result.Format {
	case models.ExportJSON:
		contentType, ext = "application/json; charset=utf-8", "json"
	case models.ExportText:
		contentType, ext = "text/plain; charset=utf-8", "txt"
	}
	h.logger.Info("session exported", map[string]interface{}{
		"session_id": result.SessionID,
		"format":     result.Format,
		"bytes":      len(result.Content),
	})
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, result.SessionID, ext))
	c.Data(http.StatusOK, contentType, []byte(result.Content))
}

// GetEngineStats GET /stats
func (h *Handler) GetEngineStats(c *gin.Context) {
	stats := h.StoryService.Stats().GetMetrics()
	if h.UsageService != nil {
		stats["usage"] = h.UsageService.GetUsageStats()
	}
	h.Response.Success(c, stats)
}

// HealthCheck GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	ready, state := h.LLMService.GetProviderStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"llm_ready": ready,
		"llm_state": state,
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// GetLLMStatus GET /settings/llm
func (h *Handler) GetLLMStatus(c *gin.Context) {
	ready, state := h.LLMService.GetProviderStatus()
	status := gin.H{
		"ready":     ready,
		"status":    state,
		"provider":  h.LLMService.GetProviderName(),
		"model":     h.LLMService.GetDefaultModel(),
		"providers": llm.ListProviders(),
	}
	if cfg := config.GetCurrentConfig(); cfg != nil {
		status["has_api_key"] = cfg.LLMConfig["api_key"] != ""
	}
	h.Response.Success(c, status)
}

func nonNilChoices(choices []models.Choice) []models.Choice {
	if choices == nil {
		return []models.Choice{}
	}
	return choices
}
