package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// RegisterHTTPRoutes 注册健康检查HTTP路由
func RegisterHTTPRoutes(r *gin.Engine, aggregator *Aggregator) {
	// Readiness探针（K8s使用）
	r.GET("/readyz", func(c *gin.Context) {
		if !aggregator.Ready(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"ready":  false,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"ready":  true,
		})
	})

	// 详细健康检查。Degraded仍返回200，表示可以服务。
	r.GET("/healthz", func(c *gin.Context) {
		ctx := c.Request.Context()
		results := aggregator.CheckAll(ctx)
		overall := aggregator.OverallStatus(ctx)

		code := http.StatusOK
		if overall == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, HealthReport{
			Status:    overall,
			Timestamp: time.Now(),
			Checks:    results,
		})
	})
}
