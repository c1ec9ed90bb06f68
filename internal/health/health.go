// Package health 暴露存活与就绪探针。
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// UpstreamPinger 上游连通性探测。
type UpstreamPinger interface {
	Ping(ctx context.Context) error
}

// Checker 健康检查器
type Checker struct {
	health healthcheck.Handler
	logger *zap.Logger
}

// NewChecker 创建健康检查器
func NewChecker(upstream UpstreamPinger, logger *zap.Logger) *Checker {
	c := &Checker{
		health: healthcheck.NewHandler(),
		logger: logger,
	}

	// 进程自身的存活检查
	c.health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(2000))

	// 上游网关可达才算就绪
	c.health.AddReadinessCheck("upstream", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := upstream.Ping(ctx); err != nil {
			c.logger.Warn("upstream readiness check failed", zap.Error(err))
			return err
		}
		return nil
	})

	return c
}

// LiveEndpoint 存活探针处理器
func (c *Checker) LiveEndpoint() http.HandlerFunc {
	return c.health.LiveEndpoint
}

// ReadyEndpoint 就绪探针处理器
func (c *Checker) ReadyEndpoint() http.HandlerFunc {
	return c.health.ReadyEndpoint
}
