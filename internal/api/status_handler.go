package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/version-manager/internal/app"
	"github.com/taoyao-code/version-manager/internal/state"
	"github.com/taoyao-code/version-manager/internal/storage"
)

// StatusHandler 产线状态视图API处理器
type StatusHandler struct {
	repo   storage.CoreRepo
	rec    *app.Reconciler
	logger *zap.Logger
}

// NewStatusHandler 创建状态Handler
func NewStatusHandler(repo storage.CoreRepo, rec *app.Reconciler, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{repo: repo, rec: rec, logger: logger}
}

// deviceStatus 单台设备的状态视图
type deviceStatus struct {
	DeviceID     int64      `json:"device_id"`
	DeviceSerial string     `json:"device_serial"`
	Supplier     string     `json:"supplier"`
	DeviceType   string     `json:"device_type"`
	LineNo       string     `json:"line_no,omitempty"`
	Enabled      bool       `json:"enabled"`
	State        string     `json:"state"`
	Message      string     `json:"message,omitempty"`
	MainVersion  string     `json:"main_version,omitempty"`
	ExpectedMain string     `json:"expected_main_version,omitempty"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// GetStatus 全量状态视图。状态不读 last_state 缓存列，
// 每次请求由分类器基于最新快照与事件流现算。
func (h *StatusHandler) GetStatus(c *gin.Context) {
	var f storage.DeviceFilter
	if v := c.Query("cluster_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cluster_id"})
			return
		}
		f.ClusterID = &id
	}
	ctx := c.Request.Context()
	devices, err := h.repo.ListDevices(ctx, f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	counts := make(map[string]int, len(state.All))
	for _, s := range state.All {
		counts[s] = 0
	}
	items := make([]deviceStatus, 0, len(devices))
	for i := range devices {
		dev := &devices[i]
		st, msg, err := h.rec.DeviceStatus(ctx, dev)
		if err != nil {
			h.logger.Error("状态现算失败",
				zap.Int64("device_id", dev.ID),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		counts[st]++

		item := deviceStatus{
			DeviceID:     dev.ID,
			DeviceSerial: dev.DeviceSerial,
			Supplier:     dev.Supplier,
			DeviceType:   dev.DeviceType,
			LineNo:       dev.LineNo,
			Enabled:      dev.Enabled,
			State:        st,
			Message:      msg,
			LastPolledAt: dev.LastStateAt,
		}
		if snap, err := h.repo.GetLatestSnapshot(ctx, dev.ID); err == nil && snap != nil {
			if snap.Success {
				item.MainVersion = snap.MainVersion
			} else {
				item.LastError = snap.Error
			}
		}
		if bl, err := h.repo.GetBaselineFor(ctx, dev.ClusterID, dev.Supplier, dev.DeviceType); err == nil && bl != nil {
			item.ExpectedMain = bl.ExpectedMainVersion
		}
		items = append(items, item)
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": items,
		"counts":  counts,
		"total":   len(items),
		"time":    time.Now().Format(time.RFC3339),
	})
}

// GetInfo 服务信息
func (h *StatusHandler) GetInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": ServiceName,
		"time":    time.Now().Format(time.RFC3339),
	})
}
