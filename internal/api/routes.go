package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/version-manager/internal/api/middleware"
	"github.com/taoyao-code/version-manager/internal/app"
	"github.com/taoyao-code/version-manager/internal/storage"
)

// Deps 路由依赖
type Deps struct {
	Repo              storage.CoreRepo
	Reconciler        *app.Reconciler
	Orchestrator      *app.Orchestrator
	Discoverer        *app.Discoverer
	Poller            app.Poller
	RegistrationToken string
}

// RegisterRoutes 注册全部业务路由
func RegisterRoutes(r *gin.Engine, d Deps, authCfg middleware.AuthConfig, logger *zap.Logger) {
	if r == nil || d.Repo == nil {
		return
	}

	inventory := NewInventoryHandler(d.Repo, d.Reconciler, logger)
	baselines := NewBaselineHandler(d.Repo, logger)
	rules := NewRuleHandler(d.Repo, logger)
	catalog := NewCatalogHandler(d.Repo, logger)
	status := NewStatusHandler(d.Repo, d.Reconciler, logger)
	ops := NewOpsHandler(d.Repo, d.Orchestrator, d.Discoverer, d.Reconciler, d.Poller,
		d.RegistrationToken, logger)

	// 设备主动注册不走API Key（设备侧只持注册令牌）
	r.POST("/api/v1/register", ops.Register)

	api := r.Group("/api/v1")
	if authCfg.Enabled {
		api.Use(middleware.APIKeyAuth(authCfg, logger))
		logger.Info("api authentication enabled", zap.Int("api_keys_count", len(authCfg.APIKeys)))
	} else {
		logger.Warn("api authentication disabled - only for development!")
	}

	api.GET("/info", status.GetInfo)
	api.GET("/status", status.GetStatus)

	api.GET("/clusters", inventory.ListClusters)
	api.POST("/clusters", inventory.CreateCluster)

	api.GET("/devices", inventory.ListDevices)
	api.POST("/devices", inventory.CreateDevice)
	api.GET("/devices/:id", inventory.GetDevice)
	api.PUT("/devices/:id", inventory.UpdateDevice)
	api.DELETE("/devices/:id", inventory.DeleteDevice)
	api.GET("/devices/:id/snapshots", inventory.ListSnapshots)
	api.GET("/devices/:id/version-history", inventory.ListVersionHistory)
	api.POST("/devices/:id/ack-controlled-files", inventory.AckControlledFiles)

	api.GET("/baselines", baselines.ListBaselines)
	api.POST("/baselines", baselines.UpsertBaseline)
	api.DELETE("/baselines/:id", baselines.DeleteBaseline)
	api.POST("/baselines/adopt", baselines.AdoptBaseline)

	api.GET("/controlled-file-rules", rules.ListRules)
	api.POST("/controlled-file-rules", rules.UpsertRule)
	api.DELETE("/controlled-file-rules/:id", rules.DeleteRule)
	api.GET("/controlled-file-rules/export", rules.ExportRules)
	api.POST("/controlled-file-rules/import", rules.ImportRules)

	api.GET("/version-catalog", catalog.ListCatalog)
	api.POST("/version-catalog", catalog.UpsertCatalogEntry)

	api.GET("/events", catalog.ListEvents)

	api.POST("/poll", ops.Poll)
	api.POST("/discover", ops.Discover)

	logger.Info("api routes registered")
}
