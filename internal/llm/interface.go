// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// 错误定义
var ErrUnknownProvider = errors.New("未知的AI提供者")

// Message 发送给模型的一条消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StructuredRequest 结构化生成请求，整段对话日志加一个输出结构
type StructuredRequest struct {
	Messages    []Message `json:"messages"`
	Schema      Schema    `json:"schema"`
	Model       string    `json:"model,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// StructuredResponse 结构化生成结果，Content 为模型返回的原始JSON文本
type StructuredResponse struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
}

// Provider 定义所有LLM提供者必须实现的接口
type Provider interface {
	// 初始化提供者，传入配置
	Initialize(config map[string]string) error

	// 获取提供者名称
	GetName() string

	// 获取推荐模型列表
	GetSupportedModels() []string

	// 按给定结构生成JSON
	GenerateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error)
}

// ProviderFactory 提供者工厂函数
type ProviderFactory func() Provider

var (
	providers      = make(map[string]ProviderFactory)
	providersMutex sync.RWMutex
)

// Register 注册提供者工厂，通常在提供者包的 init 中调用
func Register(name string, factory ProviderFactory) {
	providersMutex.Lock()
	defer providersMutex.Unlock()
	providers[name] = factory
}

// GetProvider 创建并初始化指定名称的提供者实例
func GetProvider(name string, config map[string]string) (Provider, error) {
	providersMutex.RLock()
	factory, exists := providers[name]
	providersMutex.RUnlock()
	if !exists {
		return nil, errors.New("未知的提供者: " + name)
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}

// ListProviders 返回所有已注册的提供者名称
func ListProviders() []string {
	providersMutex.RLock()
	defer providersMutex.RUnlock()

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetSupportedModelsForProvider 获取指定提供商推荐的模型列表
func GetSupportedModelsForProvider(name string) []string {
	providersMutex.RLock()
	factory, exists := providers[name]
	providersMutex.RUnlock()
	if !exists {
		return []string{}
	}
	return factory().GetSupportedModels()
}
