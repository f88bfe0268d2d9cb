package httpserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	cfgpkg "github.com/taoyao-code/version-manager/internal/config"
)

// Server HTTP 服务封装
type Server struct {
	srv *http.Server
}

// New 创建并配置 Gin + HTTP Server。指标路由在此注册，
// 业务与健康检查路由由 register 回调挂载。
func New(cfg cfgpkg.HTTPConfig, metricsPath string, metricsHandler http.Handler, register func(*gin.Engine)) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if metricsHandler != nil {
		r.GET(metricsPath, gin.WrapH(metricsHandler))
	}
	if register != nil {
		register(r)
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return &Server{srv: srv}
}

// Start 启动 HTTP 服务（阻塞）
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
