// internal/services/llm_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/Corphon/StoryForge/internal/config"
	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/cenkalti/backoff/v4"
)

var ErrLLMNotReady = errors.New("llm service not ready")

// LLMOptions 生成参数和重试策略
type LLMOptions struct {
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration // 单次请求超时，0 表示只受调用方上下文约束
	MaxAttempts int           // 传输层失败时的最大尝试次数
	BaseBackoff time.Duration
}

// DefaultLLMOptions 默认参数
func DefaultLLMOptions() LLMOptions {
	return LLMOptions{
		Temperature: 0.8,
		Timeout:     60 * time.Second,
		MaxAttempts: 2,
		BaseBackoff: 500 * time.Millisecond,
	}
}

// LLMOptionsFromConfig 从环境配置生成参数
func LLMOptionsFromConfig(cfg *config.Config) LLMOptions {
	opts := DefaultLLMOptions()
	if cfg == nil {
		return opts
	}
	opts.Temperature = cfg.LLMTemperature
	opts.MaxTokens = cfg.LLMMaxTokens
	opts.Timeout = cfg.LLMTimeout
	if cfg.LLMMaxAttempts > 0 {
		opts.MaxAttempts = cfg.LLMMaxAttempts
	}
	return opts
}

// StructuredResult 一次成功生成的结果
type StructuredResult struct {
	Content  string // 清洗后的JSON文本
	Response *llm.StructuredResponse
	Attempts int
}

// LLMService 叙事生成协作方的统一入口：选择提供者、重试、清洗和解析JSON
type LLMService struct {
	providerMutex      sync.RWMutex
	provider           llm.Provider
	providerName       string
	activeDefaultModel string
	isReady            bool
	readyState         string
	usage              UsageRecorder

	options LLMOptions
	metrics *utils.Metrics
	logger  *utils.Logger
}

// NewLLMService 按当前运行时配置创建服务，提供者初始化失败时返回未就绪的服务
func NewLLMService(opts LLMOptions, metrics *utils.Metrics, logger *utils.Logger) *LLMService {
	service := newBaseLLMService(opts, metrics, logger)

	cfg := config.GetCurrentConfig()
	if cfg == nil {
		service.readyState = "Failed to retrieve configuration"
		return service
	}

	if err := service.UpdateProvider(cfg.LLMProvider, cfg.LLMConfig); err != nil {
		logger.Warn("LLM provider not ready", map[string]interface{}{
			"provider": cfg.LLMProvider,
			"error":    err,
		})
	}
	return service
}

// NewLLMServiceWithProvider 直接使用给定提供者，主要用于测试和命令行
func NewLLMServiceWithProvider(provider llm.Provider, opts LLMOptions, metrics *utils.Metrics, logger *utils.Logger) *LLMService {
	service := newBaseLLMService(opts, metrics, logger)
	service.provider = provider
	service.providerName = provider.GetName()
	service.isReady = true
	service.readyState = "Ready"
	return service
}

func newBaseLLMService(opts LLMOptions, metrics *utils.Metrics, logger *utils.Logger) *LLMService {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	if metrics == nil {
		metrics = utils.GetMetrics()
	}
	return &LLMService{
		readyState: "Uninitialized",
		options:    opts,
		metrics:    metrics,
		logger:     logger,
	}
}

// IsReady 返回服务是否已就绪
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider != nil && s.isReady
}

// GetProviderStatus 返回服务是否就绪以及可读描述
func (s *LLMService) GetProviderStatus() (bool, string) {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider != nil && s.isReady, s.readyState
}

// GetProviderName 当前提供者名称
func (s *LLMService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// GetDefaultModel 当前默认模型，为空时由提供者决定
func (s *LLMService) GetDefaultModel() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.activeDefaultModel
}

// UpdateProvider 切换提供者，失败时服务进入未就绪状态
func (s *LLMService) UpdateProvider(providerName string, settings map[string]string) error {
	if providerName == "" {
		s.setNotReady("LLM provider not configured")
		return ErrLLMNotReady
	}

	if settings == nil {
		settings = map[string]string{}
	}
	if _, ok := settings["timeout"]; !ok && s.options.Timeout > 0 {
		settings["timeout"] = s.options.Timeout.String()
	}

	provider, err := llm.GetProvider(providerName, settings)
	if err != nil {
		s.setNotReady(fmt.Sprintf("Configuration failed: %v", err))
		return err
	}

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	s.provider = provider
	s.providerName = providerName
	s.activeDefaultModel = strings.TrimSpace(settings["default_model"])
	s.isReady = true
	s.readyState = "Ready"
	return nil
}

func (s *LLMService) setNotReady(state string) {
	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()
	s.isReady = false
	s.readyState = state
}

// SetUsageRecorder 设置用量统计，每次提供者成功返回后记录一次
func (s *LLMService) SetUsageRecorder(r UsageRecorder) {
	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()
	s.usage = r
}

// Generate 把对话日志发送给提供者并把结果解析到 out。
// 传输层错误按指数退避重试；结果无法解析时立即返回 MalformedGenerationReply。
func (s *LLMService) Generate(ctx context.Context, log []models.ConversationEntry, schema llm.Schema, out interface{}) (*StructuredResult, error) {
	s.providerMutex.RLock()
	provider := s.provider
	ready := s.isReady
	state := s.readyState
	model := s.activeDefaultModel
	usage := s.usage
	s.providerMutex.RUnlock()

	if provider == nil || !ready {
		return nil, apperrors.NewGenerationFailure("narrative generator unavailable: "+state, ErrLLMNotReady)
	}

	req := llm.StructuredRequest{
		Messages:    toMessages(log),
		Schema:      schema,
		Model:       model,
		Temperature: s.options.Temperature,
		MaxTokens:   s.options.MaxTokens,
	}

	started := time.Now()
	attempts := 0
	var resp *llm.StructuredResponse

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.options.BaseBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.options.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		attempts++
		callCtx, cancel := s.callContext(ctx)
		defer cancel()

		r, err := provider.GenerateStructured(callCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		resp = r
		return nil
	}, retry, func(err error, wait time.Duration) {
		s.logger.Warn("generation attempt failed, retrying", map[string]interface{}{
			"schema":  schema.Name,
			"attempt": attempts,
			"wait":    wait.String(),
			"error":   err,
		})
	})
	if err != nil {
		s.metrics.ObserveGeneration(schema.Name, "error", started, 0, 0)
		return nil, apperrors.NewGenerationFailure(fmt.Sprintf("narrative generation failed after %d attempt(s)", attempts), err)
	}

	if usage != nil {
		usage.RecordGeneration(resp.PromptTokens + resp.OutputTokens)
	}

	content := cleanJSONString(resp.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		s.metrics.ObserveGeneration(schema.Name, "malformed", started, resp.PromptTokens, resp.OutputTokens)
		s.logger.Warn("generation reply is not valid JSON", map[string]interface{}{
			"schema": schema.Name,
			"reply":  truncate(resp.Content, 300),
		})
		return nil, apperrors.NewMalformedReply("reply does not decode as "+schema.Name, err)
	}

	s.metrics.ObserveGeneration(schema.Name, "success", started, resp.PromptTokens, resp.OutputTokens)
	s.logger.Debug("generation completed", map[string]interface{}{
		"schema":        schema.Name,
		"provider":      resp.ProviderName,
		"model":         resp.ModelName,
		"attempts":      attempts,
		"prompt_tokens": resp.PromptTokens,
		"output_tokens": resp.OutputTokens,
		"duration_ms":   time.Since(started).Milliseconds(),
	})

	return &StructuredResult{Content: content, Response: resp, Attempts: attempts}, nil
}

func (s *LLMService) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.options.Timeout > 0 {
		return context.WithTimeout(ctx, s.options.Timeout)
	}
	return context.WithCancel(ctx)
}

func toMessages(log []models.ConversationEntry) []llm.Message {
	messages := make([]llm.Message, len(log))
	for i, entry := range log {
		messages[i] = llm.Message{Role: string(entry.Role), Content: entry.Content}
	}
	return messages
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// 模型返回中常见的非JSON噪声
var jsonNoiseReplacer = strings.NewReplacer(
	"```json", "",
	"```JSON", "",
	"```", "",
	"\uFEFF", "",
	"\u00A0", " ",
	"\u2028", "\n",
	"\u2029", "\n",
)

// cleanJSONString 去掉代码块标记和前后说明文字，截取第一个完整的JSON值
func cleanJSONString(s string) string {
	s = jsonNoiseReplacer.Replace(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200B', '\u200C', '\u200D', '\u2060':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return strings.TrimSpace(s)
	}
	s = s[start:]

	open, closing := s[0], byte('}')
	if open == '[' {
		closing = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == closing:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	// 没有找到匹配的结束符时退回到最后一个结束符
	if end := strings.LastIndexByte(s, closing); end != -1 {
		return s[:end+1]
	}
	return strings.TrimSpace(s)
}
