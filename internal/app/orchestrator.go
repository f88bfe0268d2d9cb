package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/version-manager/internal/storage"
	"github.com/taoyao-code/version-manager/internal/storage/models"
)

// BatchResult 一批轮询的汇总。批次整体永不失败，
// 单设备的问题只体现在 Fail 计数与对应 Outcome 里。
type BatchResult struct {
	Requested int            `json:"requested"`
	Polled    int            `json:"polled"`
	Skipped   int            `json:"skipped"` // 已在轮询中的设备，跳过不排队
	OK        int            `json:"ok"`
	Fail      int            `json:"fail"`
	Outcomes  []*PollOutcome `json:"results"`
}

// Orchestrator 轮询调度器：定时全量轮询 + 按需批量轮询。
// worker 池限制并发；同一设备同一时刻最多一次在途轮询，重复请求直接跳过。
type Orchestrator struct {
	repo       storage.CoreRepo
	reconciler *Reconciler
	logger     *zap.Logger

	interval time.Duration
	workers  int

	mu       sync.Mutex
	inFlight map[int64]struct{}

	// 统计
	statsTicks   atomic.Int64
	statsPolled  atomic.Int64
	statsSkipped atomic.Int64
	statsFailed  atomic.Int64
}

// NewOrchestrator 创建调度器
func NewOrchestrator(repo storage.CoreRepo, reconciler *Reconciler, interval time.Duration, workers int, logger *zap.Logger) *Orchestrator {
	if interval <= 0 {
		interval = time.Minute
	}
	if workers <= 0 {
		workers = 10
	}
	return &Orchestrator{
		repo:       repo,
		reconciler: reconciler,
		logger:     logger,
		interval:   interval,
		workers:    workers,
		inFlight:   make(map[int64]struct{}),
	}
}

// Start 启动定时轮询循环，ctx 取消后退出
func (o *Orchestrator) Start(ctx context.Context) {
	o.logger.Info("轮询调度器启动",
		zap.Duration("interval", o.interval),
		zap.Int("workers", o.workers))

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("轮询调度器退出",
				zap.Int64("ticks", o.statsTicks.Load()),
				zap.Int64("polled", o.statsPolled.Load()),
				zap.Int64("skipped", o.statsSkipped.Load()),
				zap.Int64("failed", o.statsFailed.Load()))
			return
		case <-ticker.C:
			o.statsTicks.Add(1)
			res := o.PollAll(ctx)
			if res.Fail > 0 {
				o.logger.Warn("定时轮询完成（含失败）",
					zap.Int("polled", res.Polled),
					zap.Int("ok", res.OK),
					zap.Int("fail", res.Fail),
					zap.Int("skipped", res.Skipped))
			} else {
				o.logger.Debug("定时轮询完成",
					zap.Int("polled", res.Polled),
					zap.Int("skipped", res.Skipped))
			}
		}
	}
}

// PollAll 轮询全部启用的设备
func (o *Orchestrator) PollAll(ctx context.Context) *BatchResult {
	devices, err := o.repo.ListDevices(ctx, storage.DeviceFilter{EnabledOnly: true})
	if err != nil {
		o.logger.Error("加载设备列表失败", zap.Error(err))
		return &BatchResult{}
	}
	return o.pollBatch(ctx, devices)
}

// PollByIDs 按需轮询指定设备。未知/停用设备计入 Fail。
func (o *Orchestrator) PollByIDs(ctx context.Context, ids []int64) *BatchResult {
	var devices []models.Device
	result := &BatchResult{Requested: len(ids)}
	for _, id := range ids {
		dev, err := o.repo.GetDevice(ctx, id)
		if err != nil {
			o.logger.Warn("按需轮询的设备不存在", zap.Int64("device_id", id), zap.Error(err))
			result.Fail++
			continue
		}
		if !dev.Enabled {
			o.logger.Warn("按需轮询的设备已停用", zap.Int64("device_id", id))
			result.Fail++
			continue
		}
		devices = append(devices, *dev)
	}
	batch := o.pollBatch(ctx, devices)
	batch.Requested = result.Requested
	batch.Fail += result.Fail
	return batch
}

func (o *Orchestrator) pollBatch(ctx context.Context, devices []models.Device) *BatchResult {
	result := &BatchResult{Requested: len(devices)}
	if len(devices) == 0 {
		return result
	}

	type job struct{ dev models.Device }
	jobs := make(chan job)
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := o.workers
	if workers > len(devices) {
		workers = len(devices)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				outcome := o.pollOne(ctx, &j.dev)
				mu.Lock()
				if outcome == nil {
					result.Skipped++
				} else {
					result.Polled++
					result.Outcomes = append(result.Outcomes, outcome)
					if outcome.Success {
						result.OK++
					} else {
						result.Fail++
					}
				}
				mu.Unlock()
			}
		}()
	}

	for _, dev := range devices {
		select {
		case <-ctx.Done():
			// 停止派发，在途的跑完
		case jobs <- job{dev: dev}:
			continue
		}
		break
	}
	close(jobs)
	wg.Wait()
	return result
}

// pollOne 单设备轮询，带在途互斥。返回 nil 表示该设备已在轮询中被跳过。
func (o *Orchestrator) pollOne(ctx context.Context, dev *models.Device) *PollOutcome {
	o.mu.Lock()
	if _, busy := o.inFlight[dev.ID]; busy {
		o.mu.Unlock()
		o.statsSkipped.Add(1)
		o.logger.Debug("设备轮询在途，跳过", zap.Int64("device_id", dev.ID))
		return nil
	}
	o.inFlight[dev.ID] = struct{}{}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inFlight, dev.ID)
		o.mu.Unlock()
	}()

	o.statsPolled.Add(1)
	outcome, err := o.reconciler.PollDevice(ctx, dev)
	if err != nil {
		// 存储层故障：记失败结果，不让单设备问题波及批次
		o.statsFailed.Add(1)
		o.logger.Error("轮询落库失败",
			zap.Int64("device_id", dev.ID),
			zap.String("device_serial", dev.DeviceSerial),
			zap.Error(err))
		return &PollOutcome{
			DeviceID: dev.ID,
			Serial:   dev.DeviceSerial,
			Success:  false,
			ErrClass: "storage_error",
			OldState: dev.LastState,
			NewState: dev.LastState,
		}
	}
	if !outcome.Success {
		o.statsFailed.Add(1)
	}
	return outcome
}

// Stats 运行统计
func (o *Orchestrator) Stats() map[string]interface{} {
	o.mu.Lock()
	inFlight := len(o.inFlight)
	o.mu.Unlock()
	return map[string]interface{}{
		"ticks":     o.statsTicks.Load(),
		"polled":    o.statsPolled.Load(),
		"skipped":   o.statsSkipped.Load(),
		"failed":    o.statsFailed.Load(),
		"in_flight": inFlight,
	}
}
