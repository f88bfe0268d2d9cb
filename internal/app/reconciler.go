package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/version-manager/internal/baseline"
	"github.com/taoyao-code/version-manager/internal/controlfile"
	"github.com/taoyao-code/version-manager/internal/dvp"
	"github.com/taoyao-code/version-manager/internal/metrics"
	"github.com/taoyao-code/version-manager/internal/state"
	"github.com/taoyao-code/version-manager/internal/storage"
	"github.com/taoyao-code/version-manager/internal/storage/models"
	"github.com/taoyao-code/version-manager/internal/thirdparty"
)

// Poller 协议客户端抽象（测试时替换）
type Poller interface {
	Poll(ctx context.Context, t dvp.Target) dvp.Result
	FetchFile(ctx context.Context, t dvp.Target, path string, maxBytes int64) ([]byte, bool, error)
}

// PollOutcome 单设备一次轮询的结果摘要
type PollOutcome struct {
	DeviceID    int64  `json:"device_id"`
	Serial      string `json:"device_serial"`
	Success     bool   `json:"success"`
	ErrClass    string `json:"error,omitempty"`
	OldState    string `json:"old_state"`
	NewState    string `json:"new_state"`
	MainVersion string `json:"main_version,omitempty"`
}

// Reconciler 轮询落库流水线：
// 拉取 -> 快照 -> 版本目录 -> 受控文件比对 -> 状态分类 -> 事件，
// 快照/事件/状态缓存在同一事务内写入，外发通知在事务提交后异步进行。
type Reconciler struct {
	repo     storage.CoreRepo
	client   Poller
	notifier thirdparty.Notifier
	appM     *metrics.AppMetrics
	logger   *zap.Logger

	staleThreshold time.Duration
}

// NewReconciler 创建轮询流水线
func NewReconciler(repo storage.CoreRepo, client Poller, notifier thirdparty.Notifier,
	appM *metrics.AppMetrics, logger *zap.Logger, staleThreshold time.Duration) *Reconciler {
	if notifier == nil {
		notifier = thirdparty.NopNotifier{}
	}
	return &Reconciler{
		repo:           repo,
		client:         client,
		notifier:       notifier,
		appM:           appM,
		logger:         logger,
		staleThreshold: staleThreshold,
	}
}

// TargetFor 设备的轮询端点
func TargetFor(d *models.Device) dvp.Target {
	return dvp.Target{
		Scheme:    d.Protocol,
		IP:        d.IP,
		Port:      d.Port,
		Path:      d.Path,
		AuthType:  d.AuthType,
		AuthToken: d.AuthToken,
	}
}

// PollDevice 对单个设备执行一次完整的轮询落库。
// 设备不可达或协议违例不算错误，只产生失败快照；返回 error 仅代表存储层故障。
func (r *Reconciler) PollDevice(ctx context.Context, dev *models.Device) (*PollOutcome, error) {
	start := time.Now()
	res := r.client.Poll(ctx, TargetFor(dev))
	if r.appM != nil {
		r.appM.PollDuration.Observe(time.Since(start).Seconds())
		r.appM.PollTotal.WithLabelValues(pollResultLabel(res)).Inc()
	}

	now := time.Now()
	snap := snapshotFrom(dev.ID, now, res)

	// 作用域配置与上一次成功快照都在事务外读取，事务内只做写入
	bl, err := r.repo.GetBaselineFor(ctx, dev.ClusterID, dev.Supplier, dev.DeviceType)
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	rule, err := r.repo.GetControlledFileRuleFor(ctx, dev.ClusterID, dev.Supplier, dev.DeviceType)
	if err != nil {
		return nil, fmt.Errorf("load controlled file rule: %w", err)
	}
	prevSucc, err := r.repo.GetLatestSuccessfulSnapshot(ctx, dev.ID)
	if err != nil {
		return nil, fmt.Errorf("load previous snapshot: %w", err)
	}

	var changes []controlfile.Change
	var currFiles []controlfile.File
	if res.Success && rule != nil {
		currFiles, changes, err = r.diffControlledFiles(ctx, dev, rule, prevSucc, res.Doc)
		if err != nil {
			// 比对失败不阻断落库，按无变更处理
			r.logger.Warn("受控文件比对失败",
				zap.Int64("device_id", dev.ID),
				zap.Error(err))
			changes = nil
		}
	}

	outcome := &PollOutcome{
		DeviceID: dev.ID,
		Serial:   dev.DeviceSerial,
		Success:  res.Success,
		ErrClass: res.ErrClass,
		OldState: dev.LastState,
	}
	if res.Success {
		outcome.MainVersion = res.Doc.MainVersion()
	}

	var notifyEvent *thirdparty.StandardEvent
	err = r.repo.WithTx(ctx, func(tx storage.CoreRepo) error {
		if err := tx.InsertSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}

		if res.Success {
			if err := r.recordVersion(ctx, tx, dev, prevSucc, res.Doc, now); err != nil {
				return err
			}
			// 内容缓存：给下一次比对留旧侧文本
			for _, f := range currFiles {
				if f.Content == nil {
					continue
				}
				obs := &models.FileObservation{
					DeviceID:    dev.ID,
					Path:        f.Path,
					Fingerprint: f.Fingerprint(),
					SnapshotID:  snap.ID,
					ContentB64:  base64.StdEncoding.EncodeToString(f.Content),
					Encoding:    "base64",
					Truncated:   f.Truncated,
					Source:      contentSource(rule),
				}
				if err := tx.UpsertFileObservation(ctx, obs); err != nil {
					return fmt.Errorf("save file observation: %w", err)
				}
			}
			// 首次成功快照不产生文件变更事件
			if len(changes) > 0 && prevSucc != nil {
				payload, _ := json.Marshal(map[string]any{"changes": changes})
				if err := tx.AppendEvent(ctx, &models.Event{
					DeviceID:  dev.ID,
					EventType: models.EventControlledFileChange,
					Message:   fmt.Sprintf("%d controlled file(s) changed", len(changes)),
					Payload:   payload,
				}); err != nil {
					return fmt.Errorf("append files change event: %w", err)
				}
				if r.appM != nil {
					r.appM.FileChangesTotal.Inc()
					r.appM.EventsTotal.WithLabelValues(models.EventControlledFileChange).Inc()
				}
			}
		}

		newState, message, err := r.classify(ctx, tx, dev, bl, snap, prevSucc, now)
		if err != nil {
			return err
		}
		outcome.NewState = newState

		if newState != dev.LastState {
			if err := tx.AppendEvent(ctx, &models.Event{
				DeviceID:  dev.ID,
				EventType: models.EventStateChange,
				OldState:  dev.LastState,
				NewState:  newState,
				Message:   message,
			}); err != nil {
				return fmt.Errorf("append state change event: %w", err)
			}
			if r.appM != nil {
				r.appM.EventsTotal.WithLabelValues(models.EventStateChange).Inc()
				r.appM.StateTransitions.WithLabelValues(dev.LastState, newState).Inc()
			}
			notifyEvent = thirdparty.NewEvent(thirdparty.EventStateChanged, dev.DeviceSerial,
				(&thirdparty.StateChangedData{
					DeviceID:    dev.ID,
					OldState:    dev.LastState,
					NewState:    newState,
					Message:     message,
					MainVersion: outcome.MainVersion,
					ChangedAt:   now.Unix(),
				}).ToMap())
		}
		return tx.UpdateDeviceState(ctx, dev.ID, newState, now)
	})
	if err != nil {
		return nil, err
	}

	// 事务已提交，通知尽力而为
	if notifyEvent != nil {
		r.notifier.Publish(ctx, notifyEvent)
	}
	return outcome, nil
}

// recordVersion 登记版本目击并产生 version_observed / version_change 事件
func (r *Reconciler) recordVersion(ctx context.Context, tx storage.CoreRepo,
	dev *models.Device, prevSucc *models.Snapshot, doc *dvp.Document, now time.Time) error {
	main := doc.MainVersion()
	// 目录 checksum 仅由运维维护，轮询侧不猜测
	created, err := tx.RecordVersionSighting(ctx, dev.Supplier, dev.DeviceType, main, "", now)
	if err != nil {
		return fmt.Errorf("record version sighting: %w", err)
	}
	if created {
		if err := tx.AppendEvent(ctx, &models.Event{
			DeviceID:  dev.ID,
			EventType: models.EventVersionObserved,
			Message:   fmt.Sprintf("new version %q observed for %s/%s", main, dev.Supplier, dev.DeviceType),
		}); err != nil {
			return fmt.Errorf("append version observed event: %w", err)
		}
		if r.appM != nil {
			r.appM.EventsTotal.WithLabelValues(models.EventVersionObserved).Inc()
		}
	}
	if prevSucc != nil && prevSucc.MainVersion != "" && prevSucc.MainVersion != main {
		payload, _ := json.Marshal(map[string]string{"from": prevSucc.MainVersion, "to": main})
		if err := tx.AppendEvent(ctx, &models.Event{
			DeviceID:  dev.ID,
			EventType: models.EventVersionChange,
			Message:   fmt.Sprintf("main version changed %q -> %q", prevSucc.MainVersion, main),
			Payload:   payload,
		}); err != nil {
			return fmt.Errorf("append version change event: %w", err)
		}
		if r.appM != nil {
			r.appM.EventsTotal.WithLabelValues(models.EventVersionChange).Inc()
		}
	}
	return nil
}

// diffControlledFiles 构建两侧受控文件视图并比对。
// 新侧内容按规则模式采集（fetch 模式主动拉取），旧侧内容来自内容缓存。
func (r *Reconciler) diffControlledFiles(ctx context.Context, dev *models.Device,
	rule *models.ControlledFileRule, prevSucc *models.Snapshot, doc *dvp.Document) ([]controlfile.File, []controlfile.Change, error) {
	var globs []string
	if err := json.Unmarshal(rule.Paths, &globs); err != nil {
		return nil, nil, fmt.Errorf("parse rule paths: %w", err)
	}
	maxBytes := controlfile.ClampMaxBytes(rule.MaxBytes)

	currEntries := controlfile.FilterByRule(doc.Files, globs)
	currFiles := make([]controlfile.File, 0, len(currEntries))
	for _, e := range currEntries {
		f := controlfile.FromEntry(e)
		if f.Content == nil && rule.Mode == controlfile.ModeFetch {
			data, truncated, err := r.client.FetchFile(ctx, TargetFor(dev), e.Path, maxBytes)
			if err != nil {
				r.logger.Warn("受控文件内容拉取失败",
					zap.Int64("device_id", dev.ID),
					zap.String("path", e.Path),
					zap.Error(err))
			} else {
				f.Content = data
				f.Truncated = truncated
			}
		}
		if f.Content != nil && int64(len(f.Content)) > maxBytes {
			f.Content = f.Content[:maxBytes]
			f.Truncated = true
		}
		currFiles = append(currFiles, f)
	}

	if prevSucc == nil {
		return currFiles, nil, nil
	}

	var prevEntries []dvp.FileEntry
	if len(prevSucc.Files) > 0 {
		if err := json.Unmarshal(prevSucc.Files, &prevEntries); err != nil {
			return currFiles, nil, fmt.Errorf("parse previous files: %w", err)
		}
	}
	prevEntries = controlfile.FilterByRule(prevEntries, globs)
	prevFiles := make([]controlfile.File, 0, len(prevEntries))
	for _, e := range prevEntries {
		f := controlfile.FromEntry(e)
		if f.Content == nil && f.Fingerprint() != "" {
			if obs, err := r.repo.GetFileObservation(ctx, dev.ID, e.Path, f.Fingerprint()); err == nil && obs != nil {
				if data, err := base64.StdEncoding.DecodeString(obs.ContentB64); err == nil {
					f.Content = data
					f.Truncated = obs.Truncated
				}
			}
		}
		prevFiles = append(prevFiles, f)
	}

	return currFiles, controlfile.Compare(prevFiles, currFiles, r.logger), nil
}

// classify 从事务内的最新数据计算设备状态
func (r *Reconciler) classify(ctx context.Context, tx storage.CoreRepo, dev *models.Device,
	bl *models.Baseline, latest *models.Snapshot, prevSucc *models.Snapshot, now time.Time) (string, string, error) {
	in := state.Input{
		HasSnapshot:    true,
		LatestSuccess:  latest.Success,
		LatestErrClass: latest.Error,
		StaleThreshold: r.staleThreshold,
		Now:            now,
	}
	if latest.Success {
		in.LatestSuccessAt = latest.ObservedAt
		in.ReportedMain = latest.MainVersion
	} else if prevSucc != nil {
		in.LatestSuccessAt = prevSucc.ObservedAt
		in.ReportedMain = prevSucc.MainVersion
	}
	if bl != nil {
		in.HasBaseline = true
		in.BaselineMatched = BaselineMatches(bl, in.ReportedMain)
	}
	unacked, err := tx.HasUnackedFilesChange(ctx, dev.ID)
	if err != nil {
		return "", "", fmt.Errorf("check unacked files change: %w", err)
	}
	in.UnackedFilesChange = unacked

	st, msg := state.Classify(in)
	return st, msg, nil
}

// DeviceStatus 以存储中的最新数据重算设备状态。
// 读取路径不信任 last_state 缓存列，永远走分类器。
func (r *Reconciler) DeviceStatus(ctx context.Context, dev *models.Device) (string, string, error) {
	now := time.Now()
	latest, err := r.repo.GetLatestSnapshot(ctx, dev.ID)
	if err != nil {
		return "", "", fmt.Errorf("load latest snapshot: %w", err)
	}
	if latest == nil {
		st, msg := state.Classify(state.Input{Now: now})
		return st, msg, nil
	}
	prevSucc := latest
	if !latest.Success {
		prevSucc, err = r.repo.GetLatestSuccessfulSnapshot(ctx, dev.ID)
		if err != nil {
			return "", "", fmt.Errorf("load successful snapshot: %w", err)
		}
	}
	bl, err := r.repo.GetBaselineFor(ctx, dev.ClusterID, dev.Supplier, dev.DeviceType)
	if err != nil {
		return "", "", fmt.Errorf("load baseline: %w", err)
	}
	return r.classify(ctx, r.repo, dev, bl, latest, prevSucc, now)
}

// BaselineMatches 上报版本与基线的匹配判定（精确优先，通配兜底）
func BaselineMatches(bl *models.Baseline, reported string) bool {
	if bl == nil {
		return false
	}
	var globs []string
	if len(bl.AllowedMainGlobs) > 0 {
		_ = json.Unmarshal(bl.AllowedMainGlobs, &globs)
	}
	return baseline.Matches(reported, bl.ExpectedMainVersion, globs)
}

func snapshotFrom(deviceID int64, at time.Time, res dvp.Result) *models.Snapshot {
	snap := &models.Snapshot{
		DeviceID:   deviceID,
		ObservedAt: at,
		Success:    res.Success,
		LatencyMS:  res.Latency.Milliseconds(),
	}
	if res.HTTPStatus > 0 {
		status := res.HTTPStatus
		snap.HTTPStatus = &status
	}
	if !res.Success {
		snap.Error = res.ErrClass
		if len(res.Raw) > 0 && json.Valid(res.Raw) {
			snap.Payload = res.Raw
		}
		return snap
	}

	doc := res.Doc
	pv := doc.ProtocolVersion
	snap.ProtocolVersion = &pv
	snap.MainVersion = doc.MainVersion()
	snap.FirmwareVersion = doc.FirmwareVersion()
	snap.Payload = []byte(doc.Raw)
	if len(doc.Files) > 0 {
		if files, err := json.Marshal(doc.Files); err == nil {
			snap.Files = files
		}
	}
	return snap
}

func pollResultLabel(res dvp.Result) string {
	if res.Success {
		return "ok"
	}
	switch res.ErrClass {
	case dvp.ErrUnreachable, dvp.ErrTimeout, dvp.ErrProtocolError:
		return res.ErrClass
	default:
		return "http_error"
	}
}

func contentSource(rule *models.ControlledFileRule) string {
	if rule != nil && rule.Mode == controlfile.ModeFetch {
		return "fetch"
	}
	return "inline"
}
