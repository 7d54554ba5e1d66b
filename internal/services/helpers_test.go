package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var errScriptExhausted = errors.New("script exhausted")

type scriptedReply struct {
	content string
	err     error
}

// scriptedProvider 按顺序返回预设回复，并记录收到的请求
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []scriptedReply
	requests []llm.StructuredRequest
	delay    time.Duration
	// fallback 不为空时，脚本用完后按请求的结构生成合法回复
	fallback func(req llm.StructuredRequest) string
}

func (p *scriptedProvider) Initialize(map[string]string) error { return nil }
func (p *scriptedProvider) GetName() string                    { return "scripted" }
func (p *scriptedProvider) GetSupportedModels() []string       { return []string{"scripted-1"} }

func (p *scriptedProvider) GenerateStructured(ctx context.Context, req llm.StructuredRequest) (*llm.StructuredResponse, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if len(p.replies) == 0 {
		if p.fallback != nil {
			return &llm.StructuredResponse{Content: p.fallback(req), ProviderName: "scripted"}, nil
		}
		return nil, errScriptExhausted
	}
	next := p.replies[0]
	p.replies = p.replies[1:]
	if next.err != nil {
		return nil, next.err
	}
	return &llm.StructuredResponse{Content: next.content, PromptTokens: 10, OutputTokens: 20, ProviderName: "scripted"}, nil
}

func (p *scriptedProvider) push(content string) *scriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, scriptedReply{content: content})
	return p
}

func (p *scriptedProvider) fail(err error) *scriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, scriptedReply{err: err})
	return p
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) lastRequest() llm.StructuredRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

// schemaReply 按结构名称生成合法回复
func schemaReply(req llm.StructuredRequest) string {
	switch req.Schema.Name {
	case llm.SchemaFinalNoChoices:
		return finalJSON("The end.")
	case llm.SchemaCatalog:
		return catalogJSON(models.CatalogSize)
	default:
		return turnJSON(fmt.Sprintf("Turn after %d messages.", len(req.Messages)))
	}
}

func turnJSON(story string) string {
	return mustJSON(models.TurnReply{
		Story:       story,
		ImagePrompt: "a misty harbor at dawn",
		Choices: []models.Choice{
			{Description: "Climb the tower", Outcome: "You see the whole town"},
			{Description: "Enter the cellar", Outcome: "You find a hidden door"},
		},
	})
}

func finalJSON(story string) string {
	return mustJSON(map[string]string{"story": story, "img": "sunrise over ruins"})
}

func catalogJSON(n int) string {
	stories := make([]models.SelectedStory, n)
	for i := range stories {
		stories[i] = models.SelectedStory{
			Title:       fmt.Sprintf("Story %d", i+1),
			Description: fmt.Sprintf("Description %d", i+1),
			Goal:        fmt.Sprintf("Goal %d", i+1),
		}
	}
	return mustJSON(models.Catalog{Stories: stories})
}

func mustJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func quietLogger() *utils.Logger {
	return utils.NewLogger(zap.NewNop())
}

func testMetrics() *utils.Metrics {
	return utils.NewMetrics(prometheus.NewRegistry())
}

func newTestLLM(t *testing.T, provider llm.Provider) *LLMService {
	t.Helper()
	opts := DefaultLLMOptions()
	opts.BaseBackoff = time.Millisecond
	opts.Timeout = 5 * time.Second
	return NewLLMServiceWithProvider(provider, opts, testMetrics(), quietLogger())
}
