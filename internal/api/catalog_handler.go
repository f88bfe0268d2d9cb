package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/version-manager/internal/storage"
	"github.com/taoyao-code/version-manager/internal/storage/models"
)

// CatalogHandler 版本目录与事件API处理器
type CatalogHandler struct {
	repo   storage.CoreRepo
	logger *zap.Logger
}

// NewCatalogHandler 创建目录Handler
func NewCatalogHandler(repo storage.CoreRepo, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{repo: repo, logger: logger}
}

// ListCatalog 查询版本目录
func (h *CatalogHandler) ListCatalog(c *gin.Context) {
	list, err := h.repo.ListCatalog(c.Request.Context(), c.Query("supplier"), c.Query("device_type"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"catalog": list, "count": len(list)})
}

// UpsertCatalogEntry 运维侧维护目录条目。轮询侧的目击统计
// （first_seen/last_seen/samples）不经此接口改写。
func (h *CatalogHandler) UpsertCatalogEntry(c *gin.Context) {
	var req struct {
		Supplier    string     `json:"supplier" binding:"required"`
		DeviceType  string     `json:"device_type" binding:"required"`
		MainVersion string     `json:"main_version" binding:"required"`
		ChangelogMD string     `json:"changelog_md"`
		ReleasedAt  *time.Time `json:"released_at"`
		RiskLevel   string     `json:"risk_level"`
		Checksum    string     `json:"checksum"`
		Note        string     `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entry := &models.VersionCatalogEntry{
		Supplier:    req.Supplier,
		DeviceType:  req.DeviceType,
		MainVersion: req.MainVersion,
		ChangelogMD: req.ChangelogMD,
		ReleasedAt:  req.ReleasedAt,
		RiskLevel:   req.RiskLevel,
		Checksum:    req.Checksum,
		Note:        req.Note,
	}
	if err := h.repo.UpsertCatalogEntry(c.Request.Context(), entry); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	saved, err := h.repo.GetCatalogEntry(c.Request.Context(), req.Supplier, req.DeviceType, req.MainVersion)
	if err != nil || saved == nil {
		c.JSON(http.StatusOK, gin.H{"entry": entry})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": saved})
}

// ListEvents 查询事件流
func (h *CatalogHandler) ListEvents(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if vv, e := strconv.Atoi(v); e == nil && vv > 0 {
			limit = vv
		}
	}
	if limit > 1000 {
		limit = 1000
	}
	var deviceID *int64
	if v := c.Query("device_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device_id"})
			return
		}
		deviceID = &id
	}
	list, err := h.repo.ListEvents(c.Request.Context(), deviceID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": list, "count": len(list)})
}
