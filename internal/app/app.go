// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/Corphon/StoryForge/internal/api"
	"github.com/Corphon/StoryForge/internal/config"
	"github.com/Corphon/StoryForge/internal/di"
	"github.com/Corphon/StoryForge/internal/services"
	"github.com/Corphon/StoryForge/internal/storage"
	"github.com/Corphon/StoryForge/internal/utils"
)

// App 持有需要在关闭时释放的组件
type App struct {
	config    *config.AppConfig
	container *di.Container
	store     storage.SessionStore
	locks     *services.LockManager
	story     *services.StoryService
	usage     *services.UsageService
	websocket *api.WebSocketManager
	limiter   *api.RateLimiter

	limiterDone chan struct{}
	closeOnce   sync.Once
	logger      *utils.Logger
}

// NewSessionStore 按配置创建会话存储后端
func NewSessionStore(ctx context.Context, cfg *config.Config) (storage.SessionStore, error) {
	switch cfg.SessionStore {
	case config.StoreMemory, "":
		return storage.NewMemoryStore(cfg.SessionMaxEntries, cfg.SessionTTL), nil

	case config.StoreFile:
		// FileSessionStore 自己写入 sessions/ 子目录
		files, err := storage.NewFileStorage(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return storage.NewFileSessionStore(files), nil

	case config.StoreRedis:
		return storage.NewRedisStore(storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			TTL:      cfg.SessionTTL,
		})

	case config.StoreFirestore:
		return storage.NewFirestoreStore(ctx, storage.FirestoreConfig{
			ProjectID:       cfg.FirestoreProjectID,
			CredentialsFile: cfg.FirestoreCredentialsFile,
			Collection:      cfg.FirestoreCollection,
		})
	}
	return nil, fmt.Errorf("未知的会话存储后端: %s", cfg.SessionStore)
}

// ImageConfigFromConfig 图像服务参数
func ImageConfigFromConfig(cfg *config.Config) services.ImageConfig {
	imageCfg := services.DefaultImageConfig()
	imageCfg.APIKey = cfg.StabilityAPIKey
	if cfg.StabilityAPIHost != "" {
		imageCfg.APIHost = cfg.StabilityAPIHost
	}
	if cfg.StabilityEngineID != "" {
		imageCfg.EngineID = cfg.StabilityEngineID
	}
	if cfg.ImagePublicBaseURL != "" {
		imageCfg.PublicBaseURL = cfg.ImagePublicBaseURL
	}
	return imageCfg
}

// InitServices 按依赖顺序创建服务并注册到全局容器
func InitServices(ctx context.Context) (*App, error) {
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return nil, errors.New("配置系统未初始化")
	}

	logger := utils.GetLogger()
	metrics := utils.GetMetrics()
	container := di.GetContainer()

	// 1. 存储
	store, err := NewSessionStore(ctx, cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("创建会话存储失败: %w", err)
	}
	container.Register(di.ServiceConfig, cfg)
	container.Register(di.ServiceStore, store)

	// 2. 生成服务，未配置密钥时服务仍可启动，状态接口会提示
	llmService := services.NewLLMService(services.LLMOptionsFromConfig(cfg.Config), metrics, logger)
	container.Register(di.ServiceLLM, llmService)
	if !llmService.IsReady() {
		_, state := llmService.GetProviderStatus()
		logger.Warn("llm provider not ready", map[string]interface{}{
			"provider": cfg.LLMProvider,
			"state":    state,
		})
	}

	usage, err := services.NewUsageService(filepath.Join(cfg.DataDir, "stats"), 30*time.Second, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("创建用量统计失败: %w", err)
	}
	llmService.SetUsageRecorder(usage)
	container.Register(di.ServiceUsage, usage)

	// 3. 目录与回合引擎
	locks := services.NewLockManager()
	container.Register(di.ServiceLocks, locks)

	catalogService := services.NewCatalogService(llmService, logger)
	container.Register(di.ServiceCatalog, catalogService)

	storyService := services.NewStoryService(store, llmService, locks, services.StoryServiceConfig{
		MaxTurnsLimit: cfg.MaxTurnsLimit,
	}, metrics, logger)
	container.Register(di.ServiceStory, storyService)

	// 4. 可选配图
	mediaFiles, err := storage.NewFileStorage(services.MediaDir(cfg.DataDir))
	if err != nil {
		_ = store.Close()
		locks.Stop()
		_ = usage.Close()
		return nil, fmt.Errorf("创建图片目录失败: %w", err)
	}
	imageService := services.NewImageService(ImageConfigFromConfig(cfg.Config), mediaFiles, metrics, logger)
	container.Register(di.ServiceImage, imageService)
	if imageService.Enabled() {
		storyService.SetImageGenerator(imageService)
	}

	// 导出文件放在 DataDir/exports，不对外静态暴露
	dataFiles, err := storage.NewFileStorage(cfg.DataDir)
	if err != nil {
		_ = store.Close()
		locks.Stop()
		_ = usage.Close()
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	container.Register(di.ServiceExport, services.NewExportService(storyService, dataFiles, logger))

	// 5. 事件推送与限流
	wsManager := api.NewWebSocketManager(logger)
	storyService.SetPublisher(wsManager)
	container.Register(di.ServiceWebSocket, wsManager)

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	container.Register(di.ServiceRateLimiter, limiter)

	a := &App{
		config:      cfg,
		container:   container,
		store:       store,
		locks:       locks,
		story:       storyService,
		usage:       usage,
		websocket:   wsManager,
		limiter:     limiter,
		limiterDone: make(chan struct{}),
		logger:      logger,
	}
	go limiter.Run(a.limiterDone)

	logger.Info("services initialized", map[string]interface{}{
		"session_store":  cfg.SessionStore,
		"llm_provider":   llmService.GetProviderName(),
		"images_enabled": imageService.Enabled(),
		"services":       container.GetNames(),
	})
	return a, nil
}

// Config 当前配置
func (a *App) Config() *config.AppConfig {
	return a.config
}

// Shutdown 等待后台任务并释放资源，ctx 到期时不再等待图像任务
func (a *App) Shutdown(ctx context.Context) error {
	var closeErr error
	a.closeOnce.Do(func() {
		waited := make(chan struct{})
		go func() {
			a.story.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			a.logger.Warn("background image tasks still running at shutdown", nil)
		}

		a.websocket.Stop()
		a.locks.Stop()
		close(a.limiterDone)
		if err := a.usage.Close(); err != nil {
			a.logger.Warn("failed to save usage stats", map[string]interface{}{"error": err})
		}
		closeErr = a.store.Close()
	})
	return closeErr
}

// DefaultShutdownTimeout 优雅关闭的最长等待时间
const DefaultShutdownTimeout = 30 * time.Second
