// internal/api/handlers_test.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Corphon/StoryForge/internal/config"
	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/services"
	"github.com/Corphon/StoryForge/internal/storage"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeProvider 按 schema 返回合法回复，catalogCount 控制目录数量
type fakeProvider struct {
	mu           sync.Mutex
	catalogCount int
	calls        int
	err          error
}

func (p *fakeProvider) Initialize(map[string]string) error { return nil }
func (p *fakeProvider) GetName() string                     { return "fake" }
func (p *fakeProvider) GetSupportedModels() []string        { return []string{"fake-1"} }

func (p *fakeProvider) GenerateStructured(_ context.Context, req llm.StructuredRequest) (*llm.StructuredResponse, error) {
	p.mu.Lock()
	p.calls++
	count := p.catalogCount
	failure := p.err
	p.mu.Unlock()

	if failure != nil {
		return nil, failure
	}

	var v interface{}
	switch req.Schema.Name {
	case llm.SchemaCatalog:
		stories := make([]models.SelectedStory, count)
		for i := range stories {
			stories[i] = models.SelectedStory{
				Title:       fmt.Sprintf("Backstory %d", i+1),
				Description: "Fog rolls over the harbor.",
				Goal:        "Find the missing map",
			}
		}
		v = models.Catalog{Stories: stories}
	case llm.SchemaFinalNoChoices:
		v = map[string]string{"story": "The map was yours all along.", "img": "a sunrise"}
	default:
		v = models.TurnReply{
			Story:       fmt.Sprintf("Turn after %d messages.", len(req.Messages)),
			ImagePrompt: "a lantern in the fog",
			Choices: []models.Choice{
				{Description: "Board the ship", Outcome: "The captain greets you"},
				{Description: "Search the docks", Outcome: "You find a torn page"},
			},
		}
	}
	data, _ := json.Marshal(v)
	return &llm.StructuredResponse{Content: string(data)}, nil
}

type testServer struct {
	router   *gin.Engine
	provider *fakeProvider
	story    *services.StoryService
}

func newTestServer(t *testing.T, limiter *RateLimiter, options ...func(*RouterOptions)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := utils.NewLogger(zap.NewNop())
	metrics := utils.NewMetrics(prometheus.NewRegistry())
	provider := &fakeProvider{catalogCount: models.CatalogSize}

	opts := services.DefaultLLMOptions()
	opts.BaseBackoff = time.Millisecond
	llmService := services.NewLLMServiceWithProvider(provider, opts, metrics, logger)

	store := storage.NewMemoryStore(100, 0)
	t.Cleanup(func() { _ = store.Close() })
	locks := services.NewLockManager()
	t.Cleanup(locks.Stop)

	story := services.NewStoryService(store, llmService, locks, services.StoryServiceConfig{}, metrics, logger)
	catalog := services.NewCatalogService(llmService, logger)

	ws := NewWebSocketManager(logger)
	t.Cleanup(ws.Stop)
	story.SetPublisher(ws)

	routerOpts := RouterOptions{
		Handler:   NewHandler(catalog, story, llmService, 5, logger),
		WebSocket: NewWebSocketHandler(ws, story, logger),
		Limiter:   limiter,
		Logger:    zap.NewNop(),
	}
	for _, apply := range options {
		apply(&routerOpts)
	}
	router := NewRouter(routerOpts)
	return &testServer{router: router, provider: provider, story: story}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp APIResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

// decodeData 把 Data 重新解码到具体类型
func decodeData(t *testing.T, resp APIResponse, v interface{}) {
	t.Helper()
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestBackstoryCatalog(t *testing.T) {
	s := newTestServer(t, nil)

	rec, resp := s.do(t, http.MethodPost, "/backstory", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, resp.Success)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	var data struct {
		Stories []models.SelectedStory `json:"stories"`
	}
	decodeData(t, resp, &data)
	assert.Len(t, data.Stories, models.CatalogSize)
}

func TestBackstorySelection(t *testing.T) {
	s := newTestServer(t, nil)

	rec, resp := s.do(t, http.MethodPost, "/backstory", map[string]int{"index": 3})
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Selected models.SelectedStory `json:"selected_story"`
	}
	decodeData(t, resp, &data)
	assert.Equal(t, "Backstory 3", data.Selected.Title)

	rec, resp = s.do(t, http.MethodPost, "/backstory", map[string]int{"index": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorInvalidSelection, resp.Error.Code)
}

func TestBackstoryWrongShape(t *testing.T) {
	s := newTestServer(t, nil)
	s.provider.catalogCount = 3

	rec, resp := s.do(t, http.MethodPost, "/backstory", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorMalformedReply, resp.Error.Code)
}

func TestStoryLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	rec, resp := s.do(t, http.MethodPost, "/story/start", map[string]interface{}{
		"title":       "The Lost Map",
		"description": "A cartographer vanished.",
		"goal":        "Recover the map",
		"max_turns":   3,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var start StartStoryResponse
	decodeData(t, resp, &start)
	require.NotEmpty(t, start.SessionID)
	assert.Equal(t, 1, start.CurrentTurn)
	assert.Equal(t, 3, start.MaxTurns)
	assert.Len(t, start.Choices, 2)
	assert.Equal(t, "a lantern in the fog", start.ImagePrompt)
	assert.Equal(t, "Turn after 1 messages.", start.Story)
	assert.Equal(t, "The Lost Map", start.SelectedStory.Title)

	// story 字段是叙事文本而不是故事设定
	var raw map[string]interface{}
	decodeData(t, resp, &raw)
	assert.IsType(t, "", raw["story"])

	choice := start.Choices[0]
	rec, resp = s.do(t, http.MethodPost, "/story/turn", AdvanceTurnRequest{
		SessionID: start.SessionID, Choice: choice.Description, Outcome: choice.Outcome,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var turn TurnResponse
	decodeData(t, resp, &turn)
	assert.False(t, turn.IsFinal)
	assert.Equal(t, 2, turn.CurrentTurn)

	rec, resp = s.do(t, http.MethodPost, "/story/turn", AdvanceTurnRequest{
		SessionID: start.SessionID, Choice: turn.Choices[1].Description, Outcome: turn.Choices[1].Outcome,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	turn = TurnResponse{}
	decodeData(t, resp, &turn)
	assert.True(t, turn.IsFinal)
	assert.Equal(t, 3, turn.CurrentTurn)
	assert.NotNil(t, turn.Choices)
	assert.Empty(t, turn.Choices)
	assert.Equal(t, "The map was yours all along.", turn.Story)

	// 结局之后不能再推进
	rec, resp = s.do(t, http.MethodPost, "/story/turn", AdvanceTurnRequest{
		SessionID: start.SessionID, Choice: "Again", Outcome: "Nothing",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorSessionConcluded, resp.Error.Code)

	rec, resp = s.do(t, http.MethodGet, "/story/"+start.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary map[string]interface{}
	decodeData(t, resp, &summary)
	assert.Equal(t, start.SessionID, summary["session_id"])

	rec, resp = s.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]interface{}
	decodeData(t, resp, &stats)
	assert.EqualValues(t, 3, stats["total_turns"])
	assert.EqualValues(t, 1, stats["sessions_concluded"])
}

func TestStartStoryDefaultsAndValidation(t *testing.T) {
	s := newTestServer(t, nil)

	rec, resp := s.do(t, http.MethodPost, "/story/start", map[string]string{
		"title": "Ember", "description": "A village burns.", "goal": "Save the smith",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var start StartStoryResponse
	decodeData(t, resp, &start)
	assert.Equal(t, 5, start.MaxTurns)

	tests := []struct {
		name string
		body interface{}
		code string
	}{
		{"too few turns", map[string]interface{}{"title": "a", "description": "b", "goal": "c", "max_turns": 2}, ErrorInvalidConfig},
		{"too many turns", map[string]interface{}{"title": "a", "description": "b", "goal": "c", "max_turns": 21}, ErrorInvalidConfig},
		{"missing goal", map[string]interface{}{"title": "a", "description": "b"}, ErrorInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := s.do(t, http.MethodPost, "/story/start", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestAdvanceTurnErrors(t *testing.T) {
	s := newTestServer(t, nil)

	rec, resp := s.do(t, http.MethodPost, "/story/turn", AdvanceTurnRequest{
		SessionID: "missing", Choice: "Go", Outcome: "Gone",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorSessionNotFound, resp.Error.Code)

	rec, _ = s.do(t, http.MethodPost, "/story/turn", AdvanceTurnRequest{Choice: "Go", Outcome: "Gone"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	state, _, err := s.story.StartSession(context.Background(), models.SelectedStory{
		Title: "t", Description: "d", Goal: "g",
	}, 5)
	require.NoError(t, err)

	rec, resp = s.do(t, http.MethodPost, "/story/turn", AdvanceTurnRequest{SessionID: state.SessionID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorInvalidSelection, resp.Error.Code)

	req := httptest.NewRequest(http.MethodPost, "/story/turn", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	raw := httptest.NewRecorder()
	s.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestGenerationFailureStatus(t *testing.T) {
	s := newTestServer(t, nil)
	s.provider.mu.Lock()
	s.provider.err = errors.New("upstream unavailable")
	s.provider.mu.Unlock()

	rec, resp := s.do(t, http.MethodPost, "/backstory", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorGenerationFailed, resp.Error.Code)

	rec, resp = s.do(t, http.MethodPost, "/story/start", StartStoryRequest{
		Title: "t", Description: "d", Goal: "g",
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorGenerationFailed, resp.Error.Code)
}

func TestRateLimitOnGeneration(t *testing.T) {
	s := newTestServer(t, NewRateLimiter(0.001, 1))

	rec, _ := s.do(t, http.MethodPost, "/backstory", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp := s.do(t, http.MethodPost, "/backstory", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorRateLimitExceeded, resp.Error.Code)

	// 读取接口不限流
	rec, _ = s.do(t, http.MethodGet, "/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndNoRoute(t *testing.T) {
	s := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["llm_ready"])

	rec, resp := s.do(t, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorNotFound, resp.Error.Code)
}

func TestLLMSettings(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, config.InitConfig(&config.Config{DataDir: t.TempDir(), LLMProvider: "openai"}))

	llm.Register("settings-fake", func() llm.Provider { return &fakeProvider{catalogCount: models.CatalogSize} })

	rec, resp := s.do(t, http.MethodGet, "/settings/llm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	decodeData(t, resp, &status)
	assert.Equal(t, true, status["ready"])
	assert.Contains(t, status["providers"], "settings-fake")
	assert.Equal(t, false, status["has_api_key"])
	assert.NotContains(t, rec.Body.String(), `"api_key"`)

	rec, _ = s.do(t, http.MethodPut, "/settings/llm", map[string]string{"provider": "settings-fake"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportStory(t *testing.T) {
	withExport := func(o *RouterOptions) {
		o.Handler.ExportService = services.NewExportService(o.Handler.StoryService, nil, utils.NewLogger(zap.NewNop()))
	}
	s := newTestServer(t, nil, withExport)

	state, reply, err := s.story.StartSession(context.Background(), models.SelectedStory{
		Title: "The Lost Map", Description: "A cartographer vanished.", Goal: "Recover the map",
	}, 3)
	require.NoError(t, err)
	_, err = s.story.AdvanceTurn(context.Background(), state.SessionID, reply.Choices[0])
	require.NoError(t, err)

	rec, resp := s.do(t, http.MethodGet, "/story/"+state.SessionID+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result models.ExportResult
	decodeData(t, resp, &result)
	assert.Equal(t, models.ExportMarkdown, result.Format)
	assert.Equal(t, 2, result.TurnCount)
	assert.False(t, result.Concluded)
	assert.Contains(t, result.Content, "# The Lost Map")
	assert.Contains(t, result.Content, "- [x] 1. Board the ship")

	req := httptest.NewRequest(http.MethodGet, "/story/"+state.SessionID+"/export?format=json&download=true", nil)
	raw := httptest.NewRecorder()
	s.router.ServeHTTP(raw, req)
	require.Equal(t, http.StatusOK, raw.Code)
	assert.Contains(t, raw.Header().Get("Content-Disposition"), state.SessionID+".json")
	var transcript models.SessionTranscript
	require.NoError(t, json.Unmarshal(raw.Body.Bytes(), &transcript))
	assert.Len(t, transcript.Turns, 2)

	rec, resp = s.do(t, http.MethodGet, "/story/"+state.SessionID+"/export?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, resp.Error)

	rec, resp = s.do(t, http.MethodGet, "/story/missing/export", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorSessionNotFound, resp.Error.Code)
}

func TestExportDisabled(t *testing.T) {
	s := newTestServer(t, nil)

	rec, _ := s.do(t, http.MethodGet, "/story/any/export", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
