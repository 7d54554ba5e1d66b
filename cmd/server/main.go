// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Corphon/StoryForge/internal/api"
	"github.com/Corphon/StoryForge/internal/app"
	"github.com/Corphon/StoryForge/internal/config"
	"github.com/Corphon/StoryForge/internal/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// 1. 加载基础配置
	baseConfig, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 2. 日志
	if err := utils.InitLogger(utils.LoggerConfig{
		Level:    baseConfig.LogLevel,
		Encoding: baseConfig.LogEncoding,
		LogFile:  filepath.Join(baseConfig.LogDir, "storyforge.log"),
	}); err != nil {
		log.Fatalf("初始化日志系统失败: %v", err)
	}
	logger := utils.GetLogger()
	defer func() { _ = logger.Sync() }()

	// 3. 运行时配置
	if err := config.InitConfig(baseConfig); err != nil {
		logger.Fatal("初始化配置系统失败", map[string]interface{}{"error": err})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. 服务
	application, err := app.InitServices(ctx)
	if err != nil {
		logger.Fatal("初始化服务失败", map[string]interface{}{"error": err})
	}

	// 5. 路由
	router, err := api.SetupRouter()
	if err != nil {
		logger.Fatal("设置路由失败", map[string]interface{}{"error": err})
	}

	srv := &http.Server{
		Addr:              ":" + baseConfig.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Zap().Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.DefaultShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server forced to shutdown", map[string]interface{}{"error": err})
		}
		return application.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server exited with error", map[string]interface{}{"error": err})
	}
	logger.Info("server exited", nil)
}
