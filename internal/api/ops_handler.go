package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/version-manager/internal/app"
	"github.com/taoyao-code/version-manager/internal/dvp"
	"github.com/taoyao-code/version-manager/internal/storage"
	"github.com/taoyao-code/version-manager/internal/storage/models"
)

// OpsHandler 轮询/注册/发现操作API处理器
type OpsHandler struct {
	repo   storage.CoreRepo
	orch   *app.Orchestrator
	disc   *app.Discoverer
	rec    *app.Reconciler
	poller app.Poller
	logger *zap.Logger

	// 设备主动注册的共享令牌，空值表示不校验
	registrationToken string
}

// NewOpsHandler 创建操作Handler
func NewOpsHandler(repo storage.CoreRepo, orch *app.Orchestrator, disc *app.Discoverer,
	rec *app.Reconciler, poller app.Poller, registrationToken string, logger *zap.Logger) *OpsHandler {
	return &OpsHandler{
		repo:              repo,
		orch:              orch,
		disc:              disc,
		rec:               rec,
		poller:            poller,
		logger:            logger,
		registrationToken: registrationToken,
	}
}

// Poll 按需轮询：不带 device_ids 时轮询全部启用设备
func (h *OpsHandler) Poll(c *gin.Context) {
	var req struct {
		DeviceIDs []int64 `json:"device_ids"`
		TimeoutS  int     `json:"timeout_s"`
	}
	// 请求体可为空（全量轮询）
	_ = c.ShouldBindJSON(&req)

	ctx := c.Request.Context()
	if req.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutS)*time.Second)
		defer cancel()
	}

	started := time.Now()
	var res *app.BatchResult
	if len(req.DeviceIDs) > 0 {
		res = h.orch.PollByIDs(ctx, req.DeviceIDs)
	} else {
		res = h.orch.PollAll(ctx)
	}
	c.JSON(http.StatusOK, gin.H{
		"started_at":  started.Format(time.RFC3339),
		"finished_at": time.Now().Format(time.RFC3339),
		"requested":   res.Requested,
		"polled":      res.Polled,
		"ok":          res.OK,
		"fail":        res.Fail,
		"skipped":     res.Skipped,
		"results":     res.Outcomes,
	})
}

type registerRequest struct {
	ClusterID    int64  `json:"cluster_id" binding:"required"`
	URL          string `json:"url" binding:"required"`
	DeviceSerial string `json:"device_serial"`
	Supplier     string `json:"supplier"`
	DeviceType   string `json:"device_type"`
	LineNo       string `json:"line_no"`
	AuthType     string `json:"auth_type"`
	AuthToken    string `json:"auth_token"`
	Token        string `json:"token"`
	Verify       bool   `json:"verify"`
}

// Register 设备主动注册。设备报上自己的查询URL，缺省字段通过
// 一次预轮询从协议文档推断，按序列号幂等入库。
func (h *OpsHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.registrationToken != "" {
		token := req.Token
		if token == "" {
			token = c.GetHeader("X-Registration-Token")
		}
		if token != h.registrationToken {
			h.logger.Warn("设备注册令牌校验失败",
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid registration token"})
			return
		}
	}

	ctx := c.Request.Context()
	if _, err := h.repo.GetCluster(ctx, req.ClusterID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "cluster not found"})
		return
	}
	target, err := targetFromURL(req.URL, req.AuthType, req.AuthToken)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 预轮询：补全设备自述字段。失败不阻断注册，只是无从推断。
	serial, supplier, deviceType, lineNo := req.DeviceSerial, req.Supplier, req.DeviceType, req.LineNo
	preCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	pre := h.poller.Poll(preCtx, *target)
	cancel()
	if pre.Success {
		if serial == "" {
			serial = pre.Doc.Device.Serial
		}
		if supplier == "" {
			supplier = pre.Doc.Device.Supplier
		}
		if deviceType == "" {
			deviceType = pre.Doc.Device.DeviceType
		}
		if lineNo == "" {
			lineNo = pre.Doc.Device.LineNo
		}
	}
	if serial == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "device_serial required: not supplied and device did not respond",
		})
		return
	}

	existing, _ := h.repo.GetDeviceBySerial(ctx, serial)
	dev, err := h.repo.UpsertDeviceBySerial(ctx, &models.Device{
		ClusterID:    req.ClusterID,
		DeviceSerial: serial,
		Supplier:     supplier,
		DeviceType:   deviceType,
		LineNo:       lineNo,
		IP:           target.IP,
		Port:         target.Port,
		Protocol:     target.Scheme,
		Path:         target.Path,
		AuthType:     target.AuthType,
		AuthToken:    target.AuthToken,
		Enabled:      true,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("设备注册",
		zap.String("device_serial", serial),
		zap.Int64("device_id", dev.ID),
		zap.Bool("created", existing == nil))

	resp := gin.H{"device": dev, "created": existing == nil}
	if req.Verify {
		outcome, err := h.rec.PollDevice(ctx, dev)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["verify"] = outcome
	}
	status := http.StatusOK
	if existing == nil {
		status = http.StatusCreated
	}
	c.JSON(status, resp)
}

// Discover 网段扫描发现
func (h *OpsHandler) Discover(c *gin.Context) {
	var req app.DiscoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.disc.Discover(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// targetFromURL 把设备自述的查询URL拆成轮询端点
func targetFromURL(raw, authType, authToken string) (*dvp.Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	scheme := u.Scheme
	switch scheme {
	case "":
		scheme = "http"
	case "http", "https":
	default:
		return nil, errBadScheme
	}
	host := u.Hostname()
	if host == "" {
		return nil, errNoHost
	}
	port := 80
	if scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return nil, errBadPort
		}
	}
	if authType == "" {
		authType = dvp.AuthNone
	}
	return &dvp.Target{
		Scheme:    scheme,
		IP:        host,
		Port:      port,
		Path:      u.Path,
		AuthType:  authType,
		AuthToken: authToken,
	}, nil
}
