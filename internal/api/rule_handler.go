package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/taoyao-code/version-manager/internal/controlfile"
	"github.com/taoyao-code/version-manager/internal/storage"
	"github.com/taoyao-code/version-manager/internal/storage/models"
)

// RuleHandler 受控文件规则API处理器
type RuleHandler struct {
	repo   storage.CoreRepo
	logger *zap.Logger
}

// NewRuleHandler 创建规则Handler
func NewRuleHandler(repo storage.CoreRepo, logger *zap.Logger) *RuleHandler {
	return &RuleHandler{repo: repo, logger: logger}
}

// ruleDoc 规则在YAML导入导出中的形态
type ruleDoc struct {
	ClusterID  int64    `yaml:"cluster_id" json:"cluster_id"`
	Supplier   string   `yaml:"supplier" json:"supplier"`
	DeviceType string   `yaml:"device_type" json:"device_type"`
	Paths      []string `yaml:"paths" json:"paths"`
	Mode       string   `yaml:"mode,omitempty" json:"mode,omitempty"`
	MaxBytes   int64    `yaml:"max_bytes,omitempty" json:"max_bytes,omitempty"`
	Note       string   `yaml:"note,omitempty" json:"note,omitempty"`
}

// ListRules 查询规则列表
func (h *RuleHandler) ListRules(c *gin.Context) {
	list, err := h.repo.ListControlledFileRules(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": list, "count": len(list)})
}

// UpsertRule 写入/覆盖规则
func (h *RuleHandler) UpsertRule(c *gin.Context) {
	var req ruleDoc
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rule, err := h.buildRule(c, &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.repo.UpsertControlledFileRule(c.Request.Context(), rule); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// DeleteRule 删除规则
func (h *RuleHandler) DeleteRule(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
		return
	}
	if err := h.repo.DeleteControlledFileRule(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// ExportRules 以YAML导出全部规则（产线间搬运配置用）
func (h *RuleHandler) ExportRules(c *gin.Context) {
	list, err := h.repo.ListControlledFileRules(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	docs := make([]ruleDoc, 0, len(list))
	for _, r := range list {
		var paths []string
		_ = json.Unmarshal(r.Paths, &paths)
		docs = append(docs, ruleDoc{
			ClusterID:  r.ClusterID,
			Supplier:   r.Supplier,
			DeviceType: r.DeviceType,
			Paths:      paths,
			Mode:       r.Mode,
			MaxBytes:   r.MaxBytes,
			Note:       r.Note,
		})
	}
	out, err := yaml.Marshal(map[string]interface{}{"rules": docs})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/x-yaml", out)
}

// ImportRules 从YAML批量导入规则，逐条校验，坏条目整体拒绝
func (h *RuleHandler) ImportRules(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var doc struct {
		Rules []ruleDoc `yaml:"rules"`
	}
	if err := yaml.Unmarshal(body, &doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid yaml: " + err.Error()})
		return
	}
	if len(doc.Rules) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no rules in document"})
		return
	}

	rules := make([]*models.ControlledFileRule, 0, len(doc.Rules))
	for i := range doc.Rules {
		rule, err := h.buildRule(c, &doc.Rules[i])
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
				"index": i,
			})
			return
		}
		rules = append(rules, rule)
	}
	err = h.repo.WithTx(c.Request.Context(), func(tx storage.CoreRepo) error {
		for _, r := range rules {
			if err := tx.UpsertControlledFileRule(c.Request.Context(), r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("受控文件规则批量导入", zap.Int("count", len(rules)))
	c.JSON(http.StatusOK, gin.H{"imported": len(rules)})
}

// buildRule 校验并组装规则模型
func (h *RuleHandler) buildRule(c *gin.Context, d *ruleDoc) (*models.ControlledFileRule, error) {
	if d.ClusterID == 0 || d.Supplier == "" || d.DeviceType == "" {
		return nil, errMissingScope
	}
	if len(d.Paths) == 0 {
		return nil, errEmptyPaths
	}
	switch d.Mode {
	case "", controlfile.ModeAuto, controlfile.ModeInline, controlfile.ModeFetch:
	default:
		return nil, errBadMode
	}
	if _, err := h.repo.GetCluster(c.Request.Context(), d.ClusterID); err != nil {
		return nil, errUnknownCluster
	}
	paths, _ := json.Marshal(d.Paths)
	mode := d.Mode
	if mode == "" {
		mode = controlfile.ModeAuto
	}
	return &models.ControlledFileRule{
		ClusterID:  d.ClusterID,
		Supplier:   d.Supplier,
		DeviceType: d.DeviceType,
		Paths:      paths,
		Mode:       mode,
		MaxBytes:   controlfile.ClampMaxBytes(d.MaxBytes),
		Note:       d.Note,
	}, nil
}
