package storage

import (
	"context"
	"time"

	"github.com/taoyao-code/version-manager/internal/storage/models"
)

// DeviceFilter 设备列表过滤条件
type DeviceFilter struct {
	ClusterID   *int64
	EnabledOnly bool
}

// SnapshotFilter 快照列表过滤条件
type SnapshotFilter struct {
	Limit       int
	Offset      int
	SuccessOnly bool
}

// VersionHistoryItem 设备版本历史（按主版本聚合，关联版本目录）
type VersionHistoryItem struct {
	MainVersion string     `json:"main_version"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastSeen    time.Time  `json:"last_seen"`
	Samples     int64      `json:"samples"`
	ChangelogMD string     `json:"changelog_md,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	RiskLevel   string     `json:"risk_level,omitempty"`
	Note        string     `json:"note,omitempty"`
}

// CoreRepo 版本管理核心的存储抽象。
// 约束：
// - 禁止上层直接写 SQL，统一通过本接口访问
// - 实现需要提供事务封装 WithTx，轮询落库路径（快照+事件+状态缓存）必须原子
// - 接口保持 DB-agnostic（面向模型与基础类型）
type CoreRepo interface {
	// ---------- 事务 ----------
	// WithTx 在单个事务中执行 fn，fn 内使用 repo 执行的所有写入/读取都在同一事务中。
	// 实现应保证嵌套调用正确复用当前事务。
	WithTx(ctx context.Context, fn func(repo CoreRepo) error) error

	// ---------- 集群 ----------
	CreateCluster(ctx context.Context, c *models.Cluster) error
	ListClusters(ctx context.Context) ([]models.Cluster, error)
	GetCluster(ctx context.Context, id int64) (*models.Cluster, error)

	// ---------- 设备 ----------
	CreateDevice(ctx context.Context, d *models.Device) error
	// UpsertDeviceBySerial 按 device_serial 冲突更新（注册/发现共用）
	UpsertDeviceBySerial(ctx context.Context, d *models.Device) (*models.Device, error)
	GetDevice(ctx context.Context, id int64) (*models.Device, error)
	GetDeviceBySerial(ctx context.Context, serial string) (*models.Device, error)
	ListDevices(ctx context.Context, f DeviceFilter) ([]models.Device, error)
	// UpdateDeviceFields 部分更新（仅更新 fields 中出现的列）
	UpdateDeviceFields(ctx context.Context, id int64, fields map[string]interface{}) error
	DeleteDevice(ctx context.Context, id int64) error
	// UpdateDeviceState 刷新状态缓存列
	UpdateDeviceState(ctx context.Context, id int64, state string, at time.Time) error

	// ---------- 基线 ----------
	// UpsertBaseline 按 (cluster_id,supplier,device_type) 冲突更新
	UpsertBaseline(ctx context.Context, b *models.Baseline) error
	GetBaselineFor(ctx context.Context, clusterID int64, supplier, deviceType string) (*models.Baseline, error)
	ListBaselines(ctx context.Context) ([]models.Baseline, error)
	DeleteBaseline(ctx context.Context, id int64) error

	// ---------- 受控文件规则 ----------
	UpsertControlledFileRule(ctx context.Context, r *models.ControlledFileRule) error
	GetControlledFileRuleFor(ctx context.Context, clusterID int64, supplier, deviceType string) (*models.ControlledFileRule, error)
	ListControlledFileRules(ctx context.Context) ([]models.ControlledFileRule, error)
	DeleteControlledFileRule(ctx context.Context, id int64) error

	// ---------- 受控文件内容缓存 ----------
	// UpsertFileObservation 按 (device_id,path,fingerprint) 冲突时保留旧记录
	UpsertFileObservation(ctx context.Context, o *models.FileObservation) error
	GetFileObservation(ctx context.Context, deviceID int64, path, fingerprint string) (*models.FileObservation, error)

	// ---------- 快照 ----------
	InsertSnapshot(ctx context.Context, s *models.Snapshot) error
	GetLatestSnapshot(ctx context.Context, deviceID int64) (*models.Snapshot, error)
	GetLatestSuccessfulSnapshot(ctx context.Context, deviceID int64) (*models.Snapshot, error)
	ListSnapshots(ctx context.Context, deviceID int64, f SnapshotFilter) ([]models.Snapshot, error)
	// ListVersionHistory 按 main_version 聚合设备成功快照，并关联版本目录
	ListVersionHistory(ctx context.Context, deviceID int64, supplier, deviceType string) ([]VersionHistoryItem, error)

	// ---------- 版本目录 ----------
	// RecordVersionSighting 轮询侧登记版本目击：不存在则建档，存在则刷新
	// last_seen/samples，设备上报字段按"更有信息者胜"合并，note 列永不触碰。
	RecordVersionSighting(ctx context.Context, supplier, deviceType, mainVersion, checksum string, at time.Time) (created bool, err error)
	// UpsertCatalogEntry 运维侧维护目录（changelog/released_at/risk_level/note）
	UpsertCatalogEntry(ctx context.Context, e *models.VersionCatalogEntry) error
	GetCatalogEntry(ctx context.Context, supplier, deviceType, mainVersion string) (*models.VersionCatalogEntry, error)
	ListCatalog(ctx context.Context, supplier, deviceType string) ([]models.VersionCatalogEntry, error)

	// ---------- 事件 ----------
	AppendEvent(ctx context.Context, e *models.Event) error
	ListEvents(ctx context.Context, deviceID *int64, limit int) ([]models.Event, error)
	// GetLatestEventOfTypes 取设备最近一条指定类型的事件（用于确认语义推导）
	GetLatestEventOfTypes(ctx context.Context, deviceID int64, types []string) (*models.Event, error)
	// HasUnackedFilesChange 判断设备是否存在未确认的受控文件变更：
	// 最近一条 controlled_files_change / controlled_files_ack 事件中，change 较新即未确认。
	HasUnackedFilesChange(ctx context.Context, deviceID int64) (bool, error)
}
