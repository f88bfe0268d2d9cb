package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/taoyao-code/version-manager/internal/api"
	"github.com/taoyao-code/version-manager/internal/api/middleware"
	"github.com/taoyao-code/version-manager/internal/app"
	cfgpkg "github.com/taoyao-code/version-manager/internal/config"
	"github.com/taoyao-code/version-manager/internal/dvp"
	"github.com/taoyao-code/version-manager/internal/health"
	"github.com/taoyao-code/version-manager/internal/httpserver"
	"github.com/taoyao-code/version-manager/internal/logging"
	"github.com/taoyao-code/version-manager/internal/metrics"
	"github.com/taoyao-code/version-manager/internal/migrate"
	"github.com/taoyao-code/version-manager/internal/storage/gormrepo"
	"github.com/taoyao-code/version-manager/internal/storage/pg"
	"github.com/taoyao-code/version-manager/internal/thirdparty"
)

func main() {
	// 1) 加载配置
	cfg, err := cfgpkg.Load("")
	if err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	log := zap.L()

	// 3) 指标注册与处理器
	reg := metrics.NewRegistry()
	appM := metrics.NewAppMetrics(reg)
	var metricsHandler http.Handler
	if cfg.Metrics.Enable {
		metricsHandler = metrics.Handler(reg)
	}

	// 根上下文：收到退出信号后取消，后台轮询与队列worker随之停止
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4) 数据库：pgx 连接池 + 迁移，gorm 走同一 DSN
	pool, err := pg.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("database connect error", zap.Error(err))
	}
	defer pool.Close()
	if err := (migrate.Runner{Dir: cfg.Database.MigrationsDir}).Up(ctx, pool); err != nil {
		log.Fatal("migration error", zap.Error(err))
	}
	gdb, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		log.Fatal("gorm open error", zap.Error(err))
	}
	repo := gormrepo.New(gdb)

	// 5) 协议客户端与外发通知
	client := dvp.NewClient(cfg.Poll.Timeout, log)
	agg := health.NewAggregator(health.NewDatabaseChecker(pool))

	var notifier thirdparty.Notifier = thirdparty.NopNotifier{}
	if cfg.Webhook.URL != "" {
		pusher := thirdparty.NewPusher(&http.Client{}, cfg.Webhook.APIKey, cfg.Webhook.Secret, cfg.Webhook.Timeout)
		if cfg.Redis.Enable {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			deduper := thirdparty.NewDeduper(rdb, log, thirdparty.DefaultDedupTTL)
			queue := thirdparty.NewEventQueue(rdb, pusher, deduper, cfg.Webhook.URL, log)
			queue.StartWorkers(ctx, cfg.Webhook.Workers)
			go thirdparty.StartQueueDepthCollector(ctx, queue, appM, 30*time.Second)
			notifier = thirdparty.NewQueueNotifier(queue, log, appM)
			agg.AddChecker(health.NewRedisChecker(rdb))
			log.Info("webhook notifier: redis queue mode",
				zap.String("url", cfg.Webhook.URL),
				zap.Int("workers", cfg.Webhook.Workers))
		} else {
			notifier = thirdparty.NewDirectNotifier(pusher, cfg.Webhook.URL, cfg.Webhook.Timeout, log, appM)
			log.Info("webhook notifier: direct mode", zap.String("url", cfg.Webhook.URL))
		}
	}

	// 6) 轮询流水线与调度
	rec := app.NewReconciler(repo, client, notifier, appM, log, cfg.Poll.StaleThreshold)
	orch := app.NewOrchestrator(repo, rec, cfg.Poll.Interval, cfg.Poll.Workers, log)
	go orch.Start(ctx)
	disc := app.NewDiscoverer(repo, client, rec,
		cfg.Discovery.MaxHosts, cfg.Discovery.RatePerSec, cfg.Discovery.Timeout, log, appM)

	// 7) HTTP 服务
	httpSrv := httpserver.New(cfg.HTTP, cfg.Metrics.Path, metricsHandler, func(r *gin.Engine) {
		health.RegisterHTTPRoutes(r, agg)
		api.RegisterRoutes(r, api.Deps{
			Repo:              repo,
			Reconciler:        rec,
			Orchestrator:      orch,
			Discoverer:        disc,
			Poller:            client,
			RegistrationToken: cfg.Auth.RegistrationToken,
		}, middleware.AuthConfig{
			Enabled: cfg.Auth.Enable,
			APIKeys: cfg.Auth.APIKeys,
		}, log)
	})
	go func() {
		log.Info("http server starting", zap.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.Start(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(err))
		}
	}()

	// 信号处理，优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
