package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/taoyao-code/version-manager/internal/app"
	"github.com/taoyao-code/version-manager/internal/storage"
	"github.com/taoyao-code/version-manager/internal/storage/models"
)

// InventoryHandler 集群与设备台账API处理器
type InventoryHandler struct {
	repo   storage.CoreRepo
	rec    *app.Reconciler
	logger *zap.Logger
}

// NewInventoryHandler 创建台账Handler
func NewInventoryHandler(repo storage.CoreRepo, rec *app.Reconciler, logger *zap.Logger) *InventoryHandler {
	return &InventoryHandler{repo: repo, rec: rec, logger: logger}
}

// ListClusters 查询集群列表
func (h *InventoryHandler) ListClusters(c *gin.Context) {
	list, err := h.repo.ListClusters(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"clusters": list, "count": len(list)})
}

// CreateCluster 创建集群
func (h *InventoryHandler) CreateCluster(c *gin.Context) {
	var req struct {
		Name        string `json:"name" binding:"required"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cl := &models.Cluster{Name: req.Name, Description: req.Description}
	if err := h.repo.CreateCluster(c.Request.Context(), cl); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"cluster": cl})
}

// ListDevices 查询设备列表
func (h *InventoryHandler) ListDevices(c *gin.Context) {
	var f storage.DeviceFilter
	if v := c.Query("cluster_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cluster_id"})
			return
		}
		f.ClusterID = &id
	}
	if c.Query("enabled_only") == "true" {
		f.EnabledOnly = true
	}
	list, err := h.repo.ListDevices(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": list, "count": len(list)})
}

type deviceRequest struct {
	ClusterID    int64  `json:"cluster_id" binding:"required"`
	DeviceSerial string `json:"device_serial" binding:"required"`
	Supplier     string `json:"supplier" binding:"required"`
	DeviceType   string `json:"device_type" binding:"required"`
	LineNo       string `json:"line_no"`
	IP           string `json:"ip" binding:"required"`
	Port         int    `json:"port" binding:"required"`
	Protocol     string `json:"protocol"`
	Path         string `json:"path"`
	AuthType     string `json:"auth_type"`
	AuthToken    string `json:"auth_token"`
	Enabled      *bool  `json:"enabled"`
}

// CreateDevice 录入设备
func (h *InventoryHandler) CreateDevice(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := h.repo.GetCluster(c.Request.Context(), req.ClusterID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "cluster not found"})
		return
	}
	dev := &models.Device{
		ClusterID:    req.ClusterID,
		DeviceSerial: req.DeviceSerial,
		Supplier:     req.Supplier,
		DeviceType:   req.DeviceType,
		LineNo:       req.LineNo,
		IP:           req.IP,
		Port:         req.Port,
		Protocol:     req.Protocol,
		Path:         req.Path,
		AuthType:     req.AuthType,
		Enabled:      true,
	}
	if dev.Protocol == "" {
		dev.Protocol = "http"
	}
	if dev.AuthType == "" {
		dev.AuthType = "none"
	}
	dev.AuthToken = req.AuthToken
	if req.Enabled != nil {
		dev.Enabled = *req.Enabled
	}
	if err := h.repo.CreateDevice(c.Request.Context(), dev); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"device": dev})
}

// GetDevice 查询设备详情：关联基线/规则/最新快照/版本目录，状态现算
func (h *InventoryHandler) GetDevice(c *gin.Context) {
	dev, ok := h.deviceFromPath(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	st, msg, err := h.rec.DeviceStatus(ctx, dev)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"device":        dev,
		"state":         st,
		"state_message": msg,
	}
	if bl, err := h.repo.GetBaselineFor(ctx, dev.ClusterID, dev.Supplier, dev.DeviceType); err == nil && bl != nil {
		resp["baseline"] = bl
		if ce, err := h.repo.GetCatalogEntry(ctx, dev.Supplier, dev.DeviceType, bl.ExpectedMainVersion); err == nil && ce != nil {
			resp["expected_catalog"] = ce
		}
	}
	if rule, err := h.repo.GetControlledFileRuleFor(ctx, dev.ClusterID, dev.Supplier, dev.DeviceType); err == nil && rule != nil {
		resp["controlled_file_rule"] = rule
	}
	if snap, err := h.repo.GetLatestSnapshot(ctx, dev.ID); err == nil && snap != nil {
		resp["latest_snapshot"] = snap
		if snap.MainVersion != "" {
			if ce, err := h.repo.GetCatalogEntry(ctx, dev.Supplier, dev.DeviceType, snap.MainVersion); err == nil && ce != nil {
				resp["observed_catalog"] = ce
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

// UpdateDevice 部分更新设备
func (h *InventoryHandler) UpdateDevice(c *gin.Context) {
	dev, ok := h.deviceFromPath(c)
	if !ok {
		return
	}
	var req map[string]interface{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 白名单列：状态缓存与主键不可经由更新接口触碰
	allowed := map[string]struct{}{
		"cluster_id": {}, "supplier": {}, "device_type": {}, "line_no": {},
		"ip": {}, "port": {}, "protocol": {}, "path": {},
		"auth_type": {}, "auth_token": {}, "enabled": {},
	}
	fields := make(map[string]interface{})
	for k, v := range req {
		if _, ok := allowed[k]; ok {
			fields[k] = v
		}
	}
	if len(fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no updatable fields"})
		return
	}
	if err := h.repo.UpdateDeviceFields(c.Request.Context(), dev.ID, fields); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	updated, err := h.repo.GetDevice(c.Request.Context(), dev.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": updated})
}

// DeleteDevice 删除设备（快照/事件/缓存级联删除）
func (h *InventoryHandler) DeleteDevice(c *gin.Context) {
	dev, ok := h.deviceFromPath(c)
	if !ok {
		return
	}
	if err := h.repo.DeleteDevice(c.Request.Context(), dev.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": dev.ID})
}

// ListSnapshots 查询设备快照历史
func (h *InventoryHandler) ListSnapshots(c *gin.Context) {
	dev, ok := h.deviceFromPath(c)
	if !ok {
		return
	}
	f := storage.SnapshotFilter{Limit: 50}
	if v := c.Query("limit"); v != "" {
		if vv, e := strconv.Atoi(v); e == nil && vv > 0 {
			f.Limit = vv
		}
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if v := c.Query("offset"); v != "" {
		if vv, e := strconv.Atoi(v); e == nil && vv >= 0 {
			f.Offset = vv
		}
	}
	if c.Query("success_only") == "true" {
		f.SuccessOnly = true
	}
	list, err := h.repo.ListSnapshots(c.Request.Context(), dev.ID, f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_id": dev.ID, "snapshots": list, "count": len(list)})
}

// ListVersionHistory 查询设备版本履历（按主版本聚合，关联版本目录）
func (h *InventoryHandler) ListVersionHistory(c *gin.Context) {
	dev, ok := h.deviceFromPath(c)
	if !ok {
		return
	}
	items, err := h.repo.ListVersionHistory(c.Request.Context(), dev.ID, dev.Supplier, dev.DeviceType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if items == nil {
		items = []storage.VersionHistoryItem{}
	}
	c.JSON(http.StatusOK, gin.H{"device_id": dev.ID, "history": items})
}

// AckControlledFiles 确认受控文件变更
func (h *InventoryHandler) AckControlledFiles(c *gin.Context) {
	dev, ok := h.deviceFromPath(c)
	if !ok {
		return
	}
	var req struct {
		Operator string `json:"operator"`
		Note     string `json:"note"`
	}
	// 请求体可为空
	_ = c.ShouldBindJSON(&req)

	res, err := h.rec.AckControlledFiles(c.Request.Context(), dev, req.Operator, req.Note)
	if err != nil {
		if errors.Is(err, app.ErrNoUnackedChange) {
			c.JSON(http.StatusConflict, gin.H{"error": "no unacked controlled file change"})
			return
		}
		h.logger.Error("确认受控文件变更失败",
			zap.Int64("device_id", dev.ID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// deviceFromPath 解析路径中的设备ID并加载设备，失败时已写响应
func (h *InventoryHandler) deviceFromPath(c *gin.Context) (*models.Device, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
		return nil, false
	}
	dev, err := h.repo.GetDevice(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return dev, true
}
