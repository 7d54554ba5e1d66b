// internal/api/router.go
package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Corphon/StoryForge/internal/config"
	"github.com/Corphon/StoryForge/internal/di"
	"github.com/Corphon/StoryForge/internal/services"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

// RouterOptions 构建路由所需的依赖
type RouterOptions struct {
	Handler        *Handler
	WebSocket      *WebSocketHandler
	Limiter        *RateLimiter
	Logger         *zap.Logger
	AllowedOrigins []string
	MetricsEnabled bool
	MediaDir       string
	MediaURL       string
	DebugMode      bool
}

// SetupRouter 从容器取出服务并配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return nil, fmt.Errorf("配置系统未初始化")
	}

	container := di.GetContainer()
	logger := utils.GetLogger()

	catalogService, err := di.Resolve[*services.CatalogService](container, di.ServiceCatalog)
	if err != nil {
		return nil, err
	}
	storyService, err := di.Resolve[*services.StoryService](container, di.ServiceStory)
	if err != nil {
		return nil, err
	}
	llmService, err := di.Resolve[*services.LLMService](container, di.ServiceLLM)
	if err != nil {
		return nil, err
	}
	wsManager, err := di.Resolve[*WebSocketManager](container, di.ServiceWebSocket)
	if err != nil {
		return nil, err
	}
	limiter, err := di.Resolve[*RateLimiter](container, di.ServiceRateLimiter)
	if err != nil {
		return nil, err
	}

	handler := NewHandler(catalogService, storyService, llmService, cfg.DefaultMaxTurns, logger)
	if container.Has(di.ServiceExport) {
		exportService, err := di.Resolve[*services.ExportService](container, di.ServiceExport)
		if err != nil {
			return nil, err
		}
		handler.ExportService = exportService
	}
	if container.Has(di.ServiceUsage) {
		usage, err := di.Resolve[*services.UsageService](container, di.ServiceUsage)
		if err != nil {
			return nil, err
		}
		handler.UsageService = usage
	}

	return NewRouter(RouterOptions{
		Handler:        handler,
		WebSocket:      NewWebSocketHandler(wsManager, storyService, logger),
		Limiter:        limiter,
		Logger:         logger.Zap(),
		AllowedOrigins: cfg.AllowedOrigins(),
		MetricsEnabled: cfg.MetricsEnabled,
		MediaDir:       services.MediaDir(cfg.DataDir),
		MediaURL:       cfg.ImagePublicBaseURL,
		DebugMode:      cfg.DebugMode,
	}), nil
}

// NewRouter 组装中间件与路由
func NewRouter(opts RouterOptions) *gin.Engine {
	if opts.DebugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Limiter == nil {
		opts.Limiter = NewRateLimiter(0, 1)
	}

	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.Use(ZapLogger(opts.Logger))
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig(opts.AllowedOrigins)))

	// 必须在注册路由之前挂载，gin 在注册时固定处理链
	if opts.MetricsEnabled {
		p := ginMetrics()
		r.Use(p.HandlerFunc())
		p.SetMetricsPath(r)
	}

	// 生成的图片，仅当对外路径是站内相对路径时挂载
	if opts.MediaDir != "" && len(opts.MediaURL) > 1 && opts.MediaURL[0] == '/' {
		r.Static(opts.MediaURL, opts.MediaDir)
	}

	h := opts.Handler
	r.GET("/health", h.HealthCheck)
	r.HEAD("/health", h.HealthCheck)

	// 生成类接口调用模型，单独限流
	generation := RateLimitMiddleware(opts.Limiter, h.Response)

	r.POST("/backstory", generation, h.GetBackstory)

	storyGroup := r.Group("/story")
	{
		storyGroup.POST("/start", generation, h.StartStory)
		storyGroup.POST("/turn", generation, h.AdvanceTurn)
		storyGroup.GET("/:id", h.GetStory)
		storyGroup.GET("/:id/export", h.ExportStory)
	}

	r.GET("/stats", h.GetEngineStats)

	// 只读，不返回密钥
	r.GET("/settings/llm", h.GetLLMStatus)

	if opts.WebSocket != nil {
		r.GET("/ws/story/:id", opts.WebSocket.SessionStream)
		r.GET("/ws/status", opts.WebSocket.GetStatus)
	}

	r.NoRoute(func(c *gin.Context) {
		h.Response.NotFound(c, "route not found", c.Request.URL.Path)
	})

	return r
}

var (
	ginMetricsOnce sync.Once
	ginMetricsMW   *ginprometheus.Prometheus
)

// ginMetrics 采集器注册在默认 registry 上，进程内只能创建一次
func ginMetrics() *ginprometheus.Prometheus {
	ginMetricsOnce.Do(func() {
		ginMetricsMW = ginprometheus.NewPrometheus("gin")
		// 按路由模板统计，会话 id 不进标签
		ginMetricsMW.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
			if path := c.FullPath(); path != "" {
				return path
			}
			return "unmatched"
		}
	})
	return ginMetricsMW
}

// corsConfig "*" 表示允许所有来源，此时不能携带凭证
func corsConfig(origins []string) cors.Config {
	corsCfg := cors.DefaultConfig()
	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
			break
		}
	}
	if allowAll {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
		corsCfg.AllowCredentials = true
	}
	corsCfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodHead, http.MethodOptions}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", requestIDHeader}
	corsCfg.ExposeHeaders = []string{requestIDHeader}
	corsCfg.MaxAge = 12 * time.Hour
	return corsCfg
}
