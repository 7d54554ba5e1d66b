// internal/llm/providers/ollama/ollama.go
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/ollama/ollama/api"
)

func init() {
	llm.Register("ollama", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{"llama3.1", "qwen2.5", "mistral-nemo", "gemma2"},
		}
	})
}

// ChatClient ollama 客户端中用到的部分
type ChatClient interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

// Provider 本地 Ollama 模型，使用 format 字段约束输出结构
type Provider struct {
	client            ChatClient
	defaultModel      string
	recommendedModels []string
}

// NewWithClient 使用现成客户端构造
func NewWithClient(client ChatClient, model string) *Provider {
	return &Provider{client: client, defaultModel: model}
}

func (p *Provider) Initialize(config map[string]string) error {
	baseURL := config["base_url"]
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	// api.NewClient 需要不带 /v1 后缀的地址
	baseURL = strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("解析 Ollama 地址失败 %q: %w", baseURL, err)
	}

	timeout := 120 * time.Second
	if raw := config["timeout"]; raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			timeout = d
		}
	}
	p.client = api.NewClient(parsed, &http.Client{Timeout: timeout})

	p.defaultModel = config["default_model"]
	if p.defaultModel == "" {
		p.defaultModel = "llama3.1"
	}
	return nil
}

func (p *Provider) GetName() string {
	return "ollama"
}

func (p *Provider) GetSupportedModels() []string {
	return p.recommendedModels
}

// GenerateStructured 非流式对话，结构作为 format 传给 Ollama
func (p *Provider) GenerateStructured(ctx context.Context, req llm.StructuredRequest) (*llm.StructuredResponse, error) {
	if p.client == nil {
		return nil, errors.New("提供者未初始化")
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]api.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, api.Message{Role: m.Role, Content: m.Content})
	}

	options := map[string]interface{}{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Format:   req.Schema.Definition,
		Options:  options,
	}

	var (
		content strings.Builder
		final   api.ChatResponse
	)
	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		if resp.Done {
			final = resp
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama 请求失败: %w", err)
	}

	return &llm.StructuredResponse{
		Content:      content.String(),
		FinishReason: final.DoneReason,
		PromptTokens: final.PromptEvalCount,
		OutputTokens: final.EvalCount,
		ModelName:    model,
		ProviderName: "ollama",
	}, nil
}
