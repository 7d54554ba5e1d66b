package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SESSION_STORE", "")
	t.Setenv("DEFAULT_MAX_TURNS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoreMemory, cfg.SessionStore)
	assert.Equal(t, 5, cfg.DefaultMaxTurns)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, "stable-diffusion-v1-6", cfg.StabilityEngineID)
}

func TestLoadTreatsBlankAsUnset(t *testing.T) {
	t.Setenv("DEFAULT_MAX_TURNS", "  ")
	t.Setenv("LLM_TIMEOUT", "")
	t.Setenv("RATE_LIMIT_RPS", "")
	t.Setenv("MAX_TURNS_LIMIT", "12")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.DefaultMaxTurns)
	assert.Equal(t, 60*time.Second, cfg.LLMTimeout)
	assert.Equal(t, 2.0, cfg.RateLimitRPS)
	assert.Equal(t, 12, cfg.MaxTurnsLimit)

	_, set := os.LookupEnv("DEFAULT_MAX_TURNS")
	assert.False(t, set)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SESSION_STORE", "Redis")
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("DEFAULT_MAX_TURNS", "7")
	t.Setenv("LLM_TIMEOUT", "15s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreRedis, cfg.SessionStore)
	assert.Equal(t, "cache:6380", cfg.RedisAddr)
	assert.Equal(t, 7, cfg.DefaultMaxTurns)
	assert.Equal(t, 15*time.Second, cfg.LLMTimeout)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{DefaultMaxTurns: 5, MaxTurnsLimit: 20, LLMMaxAttempts: 2, SessionStore: StoreMemory}
	}

	assert.NoError(t, base().Validate())

	c := base()
	c.DefaultMaxTurns = 2
	assert.Error(t, c.Validate())

	c = base()
	c.MaxTurnsLimit = 4
	assert.Error(t, c.Validate())

	c = base()
	c.SessionStore = StoreFirestore
	assert.Error(t, c.Validate())
	c.FirestoreProjectID = "demo"
	assert.NoError(t, c.Validate())

	c = base()
	c.SessionStore = "cassandra"
	assert.Error(t, c.Validate())
}

func TestAllowedOrigins(t *testing.T) {
	c := &Config{CORSAllowedOrigins: "http://a.test, http://b.test ,"}
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, c.AllowedOrigins())
}

func TestInitConfigPersistsLLMSettings(t *testing.T) {
	dir := t.TempDir()
	base := &Config{DataDir: dir, LLMProvider: "openai", LLMModel: "gpt-4o-mini", OpenAIAPIKey: "sk-env"}

	require.NoError(t, InitConfig(base))
	current := GetCurrentConfig()
	require.NotNil(t, current)
	assert.Equal(t, "openai", current.LLMProvider)
	assert.Equal(t, "sk-env", current.LLMConfig["api_key"])

	require.NoError(t, UpdateLLMConfig("ollama", map[string]string{"default_model": "llama3", "base_url": "http://localhost:11434"}))
	_, err := os.Stat(filepath.Join(dir, "config.json"))
	require.NoError(t, err)

	// saved settings win over environment on restart
	require.NoError(t, InitConfig(base))
	current = GetCurrentConfig()
	assert.Equal(t, "ollama", current.LLMProvider)
	assert.Equal(t, "llama3", current.LLMConfig["default_model"])

	// returned copy is detached
	current.LLMConfig["default_model"] = "other"
	assert.Equal(t, "llama3", GetCurrentConfig().LLMConfig["default_model"])
}
