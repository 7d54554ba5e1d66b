// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// 当前运行时配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// 支持的会话存储后端
const (
	StoreMemory    = "memory"
	StoreFile      = "file"
	StoreRedis     = "redis"
	StoreFirestore = "firestore"
)

// Config 存储从环境变量加载的应用配置
type Config struct {
	// 基础配置
	Port      string `envconfig:"PORT" default:"8080"`
	DataDir   string `envconfig:"DATA_DIR" default:"data"`
	LogDir    string `envconfig:"LOG_DIR" default:"logs"`
	DebugMode bool   `envconfig:"DEBUG_MODE" default:"true"`

	// 日志
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`

	// LLM
	LLMProvider    string        `envconfig:"LLM_PROVIDER" default:"openai"`
	OpenAIAPIKey   string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL  string        `envconfig:"OPENAI_BASE_URL"`
	OllamaBaseURL  string        `envconfig:"OLLAMA_BASE_URL" default:"http://localhost:11434"`
	LLMModel       string        `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	LLMTemperature float32       `envconfig:"LLM_TEMPERATURE" default:"0.8"`
	LLMMaxTokens   int           `envconfig:"LLM_MAX_TOKENS" default:"0"`
	LLMTimeout     time.Duration `envconfig:"LLM_TIMEOUT" default:"60s"`
	LLMMaxAttempts int           `envconfig:"LLM_MAX_ATTEMPTS" default:"2"`

	// 回合
	DefaultMaxTurns int `envconfig:"DEFAULT_MAX_TURNS" default:"5"`
	MaxTurnsLimit   int `envconfig:"MAX_TURNS_LIMIT" default:"20"`

	// 会话存储
	SessionStore      string        `envconfig:"SESSION_STORE" default:"memory"`
	SessionTTL        time.Duration `envconfig:"SESSION_TTL" default:"24h"`
	SessionMaxEntries int           `envconfig:"SESSION_MAX_ENTRIES" default:"10000"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix   string `envconfig:"REDIS_PREFIX" default:"storyforge:session:"`

	FirestoreProjectID       string `envconfig:"FIRESTORE_PROJECT_ID"`
	FirestoreCredentialsFile string `envconfig:"FIRESTORE_CREDENTIALS_FILE"`
	FirestoreCollection      string `envconfig:"FIRESTORE_COLLECTION" default:"sessions"`

	// 图像生成
	StabilityAPIKey    string `envconfig:"STABILITY_API_KEY"`
	StabilityAPIHost   string `envconfig:"STABILITY_API_HOST" default:"https://api.stability.ai"`
	StabilityEngineID  string `envconfig:"STABILITY_ENGINE_ID" default:"stable-diffusion-v1-6"`
	ImagePublicBaseURL string `envconfig:"IMAGE_PUBLIC_BASE_URL" default:"/media"`

	// HTTP
	RateLimitRPS       float64 `envconfig:"RATE_LIMIT_RPS" default:"2"`
	RateLimitBurst     int     `envconfig:"RATE_LIMIT_BURST" default:"10"`
	CORSAllowedOrigins string  `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	MetricsEnabled     bool    `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load 从 .env 和环境变量加载配置
func Load() (*Config, error) {
	// .env 文件可选
	_ = godotenv.Load()

	// envconfig 只在变量不存在时使用 default，空值按未设置处理
	unsetBlankEnv(reflect.TypeOf(Config{}))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("加载环境变量配置失败: %w", err)
	}

	cfg.SessionStore = strings.ToLower(strings.TrimSpace(cfg.SessionStore))
	cfg.LLMProvider = strings.ToLower(strings.TrimSpace(cfg.LLMProvider))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// unsetBlankEnv 清除 Config 中声明的、值为空白的环境变量
func unsetBlankEnv(t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("envconfig")
		if key == "" {
			continue
		}
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) == "" {
			_ = os.Unsetenv(key)
		}
	}
}

// Validate 检查配置之间的一致性
func (c *Config) Validate() error {
	if c.DefaultMaxTurns < 3 {
		return fmt.Errorf("DEFAULT_MAX_TURNS 必须不小于3，当前为 %d", c.DefaultMaxTurns)
	}
	if c.MaxTurnsLimit < c.DefaultMaxTurns {
		return fmt.Errorf("MAX_TURNS_LIMIT (%d) 不能小于 DEFAULT_MAX_TURNS (%d)", c.MaxTurnsLimit, c.DefaultMaxTurns)
	}
	if c.LLMMaxAttempts < 1 {
		return fmt.Errorf("LLM_MAX_ATTEMPTS 必须不小于1")
	}

	switch c.SessionStore {
	case StoreMemory, StoreFile, StoreRedis:
	case StoreFirestore:
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("SESSION_STORE=firestore 需要设置 FIRESTORE_PROJECT_ID")
		}
	default:
		return fmt.Errorf("未知的会话存储后端: %s", c.SessionStore)
	}
	return nil
}

// AllowedOrigins 解析 CORS 允许的来源列表
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// AppConfig 可在运行时修改并持久化到 data/config.json 的配置
type AppConfig struct {
	*Config `json:"-"`

	LLMProvider string            `json:"llm_provider"`
	LLMConfig   map[string]string `json:"llm_config"`
}

// providerSettings 根据环境配置生成提供者初始化参数
func providerSettings(cfg *Config) map[string]string {
	settings := map[string]string{
		"default_model": cfg.LLMModel,
	}
	switch cfg.LLMProvider {
	case "ollama":
		settings["base_url"] = cfg.OllamaBaseURL
	default:
		settings["api_key"] = cfg.OpenAIAPIKey
		if cfg.OpenAIBaseURL != "" {
			settings["base_url"] = cfg.OpenAIBaseURL
		}
	}
	return settings
}

// InitConfig 初始化运行时配置，已保存的LLM设置优先
func InitConfig(baseConfig *Config) error {
	configFile = filepath.Join(baseConfig.DataDir, "config.json")

	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = &AppConfig{
		Config:      baseConfig,
		LLMProvider: baseConfig.LLMProvider,
		LLMConfig:   providerSettings(baseConfig),
	}

	if data, err := os.ReadFile(configFile); err == nil {
		var saved AppConfig
		if json.Unmarshal(data, &saved) == nil && saved.LLMProvider != "" {
			currentConfig.LLMProvider = saved.LLMProvider
			if saved.LLMConfig != nil {
				// 文件中没有密钥时沿用环境变量
				if saved.LLMConfig["api_key"] == "" && baseConfig.OpenAIAPIKey != "" && saved.LLMProvider != "ollama" {
					saved.LLMConfig["api_key"] = baseConfig.OpenAIAPIKey
				}
				currentConfig.LLMConfig = saved.LLMConfig
			}
		}
	}

	return saveLocked()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		return nil
	}

	configCopy := *currentConfig
	configCopy.LLMConfig = make(map[string]string, len(currentConfig.LLMConfig))
	for k, v := range currentConfig.LLMConfig {
		configCopy.LLMConfig[k] = v
	}
	return &configCopy
}

// UpdateLLMConfig 更新LLM配置并保存
func UpdateLLMConfig(provider string, settings map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.LLMProvider = provider
	currentConfig.LLMConfig = settings

	return saveLocked()
}

func saveLocked() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	data, err := json.MarshalIndent(currentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0600)
}
