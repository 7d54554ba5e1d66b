// internal/llm/providers/openai/openai.go
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/pkoukk/tiktoken-go"
	openaigo "github.com/sashabaranov/go-openai"
)

// 响应格式
const (
	FormatJSONSchema = "json_schema"
	FormatJSONObject = "json_object"
)

// compatibleEndpoint 兼容 OpenAI 接口的服务
type compatibleEndpoint struct {
	name         string
	baseURL      string
	defaultModel string
	format       string
	models       []string
}

var endpoints = []compatibleEndpoint{
	{
		name:         "openai",
		defaultModel: "gpt-4o-mini",
		format:       FormatJSONSchema,
		models:       []string{"gpt-4o-mini", "gpt-4o", "gpt-4.1-mini", "gpt-4.1"},
	},
	{
		name:         "openrouter",
		baseURL:      "https://openrouter.ai/api/v1",
		defaultModel: "google/gemma-3-27b-it:free",
		format:       FormatJSONObject,
		models:       []string{"google/gemma-3-27b-it:free", "qwen/qwen3-235b-a22b:free", "nousresearch/hermes-3-llama-3.1-405b:free"},
	},
	{
		name:         "qwen",
		baseURL:      "https://dashscope.aliyuncs.com/compatible-mode/v1",
		defaultModel: "qwen2.5-plus",
		format:       FormatJSONObject,
		models:       []string{"qwen2.5-max", "qwen2.5-plus", "qwq-32b"},
	},
	{
		name:         "grok",
		baseURL:      "https://api.x.ai/v1",
		defaultModel: "grok-3-mini",
		format:       FormatJSONSchema,
		models:       []string{"grok-4", "grok-4-fast", "grok-3", "grok-3-mini"},
	},
	{
		name:         "glm",
		baseURL:      "https://open.bigmodel.cn/api/paas/v4",
		defaultModel: "glm-4-plus",
		format:       FormatJSONObject,
		models:       []string{"glm-4", "glm-4-plus", "glm-4.5-air", "glm-4.5"},
	},
	{
		name:         "githubmodels",
		baseURL:      "https://models.inference.ai.azure.com",
		defaultModel: "gpt-4o",
		format:       FormatJSONSchema,
		models:       []string{"gpt-4o", "o3-mini", "Phi-4"},
	},
}

func init() {
	for _, ep := range endpoints {
		ep := ep
		llm.Register(ep.name, func() llm.Provider {
			return &Provider{endpoint: ep}
		})
	}
}

// ChatClient go-openai 客户端中用到的部分，便于测试替换
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openaigo.ChatCompletionRequest) (openaigo.ChatCompletionResponse, error)
}

// Provider 基于 go-openai 的结构化生成
type Provider struct {
	endpoint     compatibleEndpoint
	client       ChatClient
	defaultModel string
	format       string
}

// NewWithClient 使用现成客户端构造，主要用于测试
func NewWithClient(client ChatClient, model, format string) *Provider {
	return &Provider{
		endpoint:     endpoints[0],
		client:       client,
		defaultModel: model,
		format:       format,
	}
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := config["api_key"]
	if apiKey == "" {
		return fmt.Errorf("%s API密钥未提供", p.endpoint.name)
	}

	clientConfig := openaigo.DefaultConfig(apiKey)
	if baseURL := config["base_url"]; baseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(baseURL, "/")
	} else if p.endpoint.baseURL != "" {
		clientConfig.BaseURL = p.endpoint.baseURL
	}

	timeout := 90 * time.Second
	if raw := config["timeout"]; raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			timeout = d
		}
	}
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}
	p.client = openaigo.NewClientWithConfig(clientConfig)

	p.defaultModel = config["default_model"]
	if p.defaultModel == "" {
		p.defaultModel = p.endpoint.defaultModel
	}

	p.format = config["response_format"]
	if p.format != FormatJSONSchema && p.format != FormatJSONObject {
		p.format = p.endpoint.format
	}
	return nil
}

func (p *Provider) GetName() string {
	return p.endpoint.name
}

func (p *Provider) GetSupportedModels() []string {
	models := make([]string, len(p.endpoint.models))
	copy(models, p.endpoint.models)
	return models
}

// GenerateStructured 发送整段对话并要求按结构返回JSON
func (p *Provider) GenerateStructured(ctx context.Context, req llm.StructuredRequest) (*llm.StructuredResponse, error) {
	if p.client == nil {
		return nil, errors.New("提供者未初始化")
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]openaigo.ChatCompletionMessage, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		messages = append(messages, openaigo.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	request := openaigo.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	if p.format == FormatJSONSchema {
		request.ResponseFormat = &openaigo.ChatCompletionResponseFormat{
			Type: openaigo.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openaigo.ChatCompletionResponseFormatJSONSchema{
				Name:        strings.ReplaceAll(req.Schema.Name, "-", "_"),
				Description: req.Schema.Description,
				Schema:      req.Schema.Definition,
				Strict:      true,
			},
		}
	} else {
		// json_object 模式下把结构写进系统消息
		request.ResponseFormat = &openaigo.ChatCompletionResponseFormat{
			Type: openaigo.ChatCompletionResponseFormatTypeJSONObject,
		}
		request.Messages = append(request.Messages, openaigo.ChatCompletionMessage{
			Role:    openaigo.ChatMessageRoleSystem,
			Content: "Return only a JSON object that matches this JSON Schema:\n" + string(req.Schema.Definition),
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("%s 请求失败: %w", p.endpoint.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s 返回了空的选项列表", p.endpoint.name)
	}

	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("%s 拒绝生成: %s", p.endpoint.name, choice.Message.Refusal)
	}

	result := &llm.StructuredResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		PromptTokens: resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		ModelName:    resp.Model,
		ProviderName: p.endpoint.name,
	}
	if result.ModelName == "" {
		result.ModelName = model
	}

	// 部分兼容服务不返回用量，用 tiktoken 估算
	if result.PromptTokens == 0 && result.OutputTokens == 0 {
		result.PromptTokens, result.OutputTokens = estimateTokens(model, request.Messages, result.Content)
	}

	return result, nil
}

func estimateTokens(model string, messages []openaigo.ChatCompletionMessage, completion string) (int, int) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return 0, 0
		}
	}

	prompt := 0
	for _, m := range messages {
		prompt += len(enc.Encode(m.Content, nil, nil))
	}
	return prompt, len(enc.Encode(completion, nil, nil))
}
