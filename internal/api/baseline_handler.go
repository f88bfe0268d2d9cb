package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/version-manager/internal/storage"
	"github.com/taoyao-code/version-manager/internal/storage/models"
)

// BaselineHandler 版本基线API处理器
type BaselineHandler struct {
	repo   storage.CoreRepo
	logger *zap.Logger
}

// NewBaselineHandler 创建基线Handler
func NewBaselineHandler(repo storage.CoreRepo, logger *zap.Logger) *BaselineHandler {
	return &BaselineHandler{repo: repo, logger: logger}
}

// ListBaselines 查询基线列表
func (h *BaselineHandler) ListBaselines(c *gin.Context) {
	list, err := h.repo.ListBaselines(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"baselines": list, "count": len(list)})
}

type baselineRequest struct {
	ClusterID           int64      `json:"cluster_id" binding:"required"`
	Supplier            string     `json:"supplier" binding:"required"`
	DeviceType          string     `json:"device_type" binding:"required"`
	ExpectedMainVersion string     `json:"expected_main_version"`
	AllowedMainGlobs    []string   `json:"allowed_main_globs"`
	Note                string     `json:"note"`
	EffectiveFrom       *time.Time `json:"effective_from"`
}

// UpsertBaseline 写入/覆盖基线。空基线（无期望版本且无通配）拒绝，
// 清除基线走删除接口而不是写空值。
func (h *BaselineHandler) UpsertBaseline(c *gin.Context) {
	var req baselineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ExpectedMainVersion == "" && len(req.AllowedMainGlobs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "baseline must carry expected_main_version or allowed_main_globs",
		})
		return
	}
	if _, err := h.repo.GetCluster(c.Request.Context(), req.ClusterID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "cluster not found"})
		return
	}

	bl := &models.Baseline{
		ClusterID:           req.ClusterID,
		Supplier:            req.Supplier,
		DeviceType:          req.DeviceType,
		ExpectedMainVersion: req.ExpectedMainVersion,
		Note:                req.Note,
		EffectiveFrom:       req.EffectiveFrom,
	}
	if len(req.AllowedMainGlobs) > 0 {
		globs, _ := json.Marshal(req.AllowedMainGlobs)
		bl.AllowedMainGlobs = globs
	}
	if err := h.repo.UpsertBaseline(c.Request.Context(), bl); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"baseline": bl})
}

// DeleteBaseline 删除基线
func (h *BaselineHandler) DeleteBaseline(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid baseline id"})
		return
	}
	if err := h.repo.DeleteBaseline(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// AdoptBaseline 把设备当前观测到的版本固化为其作用域的基线。
// 只接受显式指令，轮询侧永远不会自动收编。
func (h *BaselineHandler) AdoptBaseline(c *gin.Context) {
	var req struct {
		DeviceID int64  `json:"device_id" binding:"required"`
		Note     string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	dev, err := h.repo.GetDevice(ctx, req.DeviceID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	snap, err := h.repo.GetLatestSuccessfulSnapshot(ctx, dev.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if snap == nil || snap.MainVersion == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "device has no observed main version to adopt"})
		return
	}

	bl := &models.Baseline{
		ClusterID:           dev.ClusterID,
		Supplier:            dev.Supplier,
		DeviceType:          dev.DeviceType,
		ExpectedMainVersion: snap.MainVersion,
		Note:                req.Note,
	}
	if err := h.repo.UpsertBaseline(ctx, bl); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("基线收编自设备观测版本",
		zap.Int64("device_id", dev.ID),
		zap.String("main_version", snap.MainVersion))
	c.JSON(http.StatusOK, gin.H{"baseline": bl, "adopted_from_device": dev.ID})
}
