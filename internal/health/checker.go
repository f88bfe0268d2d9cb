package health

import (
	"context"
	"time"
)

// Status 组件健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"  // 部分受损但仍可服务
	StatusUnhealthy Status = "unhealthy" // 无法服务
)

// CheckResult 单个组件的检查结果
type CheckResult struct {
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Latency time.Duration          `json:"latency"`
}

// Checker 组件健康检查器，Name 作为汇总报告里的键
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// unhealthy 构造失败结果，latency 从 since 起算
func unhealthy(message string, since time.Time) CheckResult {
	return CheckResult{Status: StatusUnhealthy, Message: message, Latency: time.Since(since)}
}
