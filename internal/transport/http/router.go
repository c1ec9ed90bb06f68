package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/relay/internal/config"
	"tempmail/relay/internal/health"
	"tempmail/relay/internal/middleware"
	"tempmail/relay/internal/monitoring"
	"tempmail/relay/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config       *config.Config
	Relay        Relay
	WebSocketHub *websocket.Hub
	Metrics      *monitoring.Metrics
	Health       *health.Checker
	Logger       *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	mon := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)

	router.Use(mon.PanicRecovery())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))
	router.Use(mon.HTTPMetrics())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 允许所有来源时需清空凭证支持
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	emailHandler := NewEmailHandler(deps.Relay, deps.Logger)

	// 邮箱接口
	api := router.Group("/api")
	{
		api.POST("/email", emailHandler.CreateEmail)
		api.GET("/email/:address", emailHandler.FetchEmail)
	}

	// WebSocket 推送
	router.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))

	// 健康检查
	router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint()))
	router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint()))

	// Prometheus 指标
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	return router
}
