package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tempmail/relay/internal/config"
	"tempmail/relay/internal/health"
	"tempmail/relay/internal/logger"
	"tempmail/relay/internal/monitoring"
	"tempmail/relay/internal/registry"
	"tempmail/relay/internal/session"
	"tempmail/relay/internal/storage"
	"tempmail/relay/internal/storage/memory"
	redisstore "tempmail/relay/internal/storage/redis"
	httptransport "tempmail/relay/internal/transport/http"
	"tempmail/relay/internal/upstream"
	"tempmail/relay/internal/username"
	"tempmail/relay/internal/websocket"
)

// main 启动轮询转推送的临时邮箱中继服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     "",
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting tempmail relay",
		zap.String("upstream", cfg.Upstream.BaseURL),
		zap.String("domain", cfg.Upstream.Domain),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化监控系统
	metrics := monitoring.NewMetrics()

	// 上游网关客户端
	gateway := upstream.NewClient(cfg.Upstream, log, metrics)

	// 已读 ID 存储（根据配置选择内存或 Redis）
	var seen storage.SeenStore
	switch cfg.Seen.Store {
	case "redis":
		redisSeen, err := redisstore.NewSeenStore(cfg.Redis)
		if err != nil {
			panic(fmt.Sprintf("failed to connect redis: %v", err))
		}
		defer redisSeen.Close()
		seen = redisSeen
		log.Info("using redis seen store", zap.String("address", cfg.Redis.Address))
	default:
		seen = memory.NewSeenStore()
		log.Info("using in-memory seen store")
	}

	// 注册表：会话、订阅与 Watcher 的唯一持有者
	reg := registry.New(registry.Options{
		Session: session.Options{
			Gateway:         gateway,
			Seen:            seen,
			Usernames:       username.NewGenerator(),
			Log:             log,
			Domain:          cfg.Upstream.Domain,
			DefaultPassword: cfg.Upstream.DefaultPassword,
			PollInterval:    cfg.Poll.Interval,
			MaxChecks:       cfg.Fetch.MaxChecks,
		},
		PollInterval: cfg.Poll.Interval,
		ErrorBackoff: cfg.Poll.ErrorBackoff,
		WaitTimeout:  cfg.Fetch.WaitTimeout,
		Log:          log,
		Metrics:      metrics,
	})

	// WebSocket Hub
	wsHub := websocket.NewHub(reg, cfg.CORS.AllowedOrigins, log, metrics)

	// 健康检查
	healthChecker := health.NewChecker(gateway, log)

	// HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:       cfg,
		Relay:        reg,
		WebSocketHub: wsHub,
		Metrics:      metrics,
		Health:       healthChecker,
		Logger:       log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// 同步拉取最长等待 WaitTimeout，写超时需要覆盖它
		WriteTimeout: cfg.Fetch.WaitTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// 停止全部 Watcher 并等待退出
		reg.Close()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
