package models

import (
	"encoding/json"
	"time"
)

// 注意：
// - 保持与 db/migrations/0001_init_up.sql 完全对齐
// - 不使用 gorm.Model，显式声明每个字段，避免隐式 DeletedAt
// - jsonb 列用 json.RawMessage，API 输出时原样内嵌而不是 base64

// Cluster 映射 clusters 表（产线/车间分组）
type Cluster struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"column:name;type:text;not null;uniqueIndex" json:"name"`
	Description string    `gorm:"column:description;type:text" json:"description,omitempty"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Cluster) TableName() string { return "clusters" }

// Device 映射 devices 表
type Device struct {
	ID        int64 `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ClusterID int64 `gorm:"column:cluster_id;not null;index" json:"cluster_id"`
	// 设备序列号，全局唯一
	DeviceSerial string `gorm:"column:device_serial;type:text;not null;uniqueIndex" json:"device_serial"`
	Supplier     string `gorm:"column:supplier;type:text;not null" json:"supplier"`
	DeviceType   string `gorm:"column:device_type;type:text;not null" json:"device_type"`
	LineNo       string `gorm:"column:line_no;type:text" json:"line_no,omitempty"`
	// 轮询目标
	IP       string `gorm:"column:ip;type:text;not null" json:"ip"`
	Port     int    `gorm:"column:port;not null" json:"port"`
	Protocol string `gorm:"column:protocol;type:text;not null;default:http" json:"protocol"` // http / https
	Path     string `gorm:"column:path;type:text" json:"path,omitempty"`                     // 空值用协议默认路径
	// 认证：none / bearer / x-device-token
	AuthType  string `gorm:"column:auth_type;type:text;not null;default:none" json:"auth_type"`
	AuthToken string `gorm:"column:auth_token;type:text" json:"-"`
	Enabled   bool   `gorm:"column:enabled;not null;default:true" json:"enabled"`
	// 状态缓存（真实状态以分类器为准）
	LastState   string     `gorm:"column:last_state;type:text;not null;default:never_polled" json:"last_state"`
	LastStateAt *time.Time `gorm:"column:last_state_at" json:"last_state_at,omitempty"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Device) TableName() string { return "devices" }

// Baseline 映射 baselines 表（cluster_id+supplier+device_type 唯一）
type Baseline struct {
	ID                  int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ClusterID           int64  `gorm:"column:cluster_id;not null;uniqueIndex:uq_baseline_scope,priority:1" json:"cluster_id"`
	Supplier            string `gorm:"column:supplier;type:text;not null;uniqueIndex:uq_baseline_scope,priority:2" json:"supplier"`
	DeviceType          string `gorm:"column:device_type;type:text;not null;uniqueIndex:uq_baseline_scope,priority:3" json:"device_type"`
	ExpectedMainVersion string `gorm:"column:expected_main_version;type:text" json:"expected_main_version,omitempty"`
	// JSON 数组，按顺序尝试的通配模式
	AllowedMainGlobs json.RawMessage `gorm:"column:allowed_main_globs;type:jsonb" json:"allowed_main_globs,omitempty"`
	Note             string          `gorm:"column:note;type:text" json:"note,omitempty"`
	EffectiveFrom    *time.Time      `gorm:"column:effective_from" json:"effective_from,omitempty"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Baseline) TableName() string { return "baselines" }

// ControlledFileRule 映射 controlled_file_rules 表（作用域唯一键同 baselines）
type ControlledFileRule struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ClusterID  int64  `gorm:"column:cluster_id;not null;uniqueIndex:uq_cfrule_scope,priority:1" json:"cluster_id"`
	Supplier   string `gorm:"column:supplier;type:text;not null;uniqueIndex:uq_cfrule_scope,priority:2" json:"supplier"`
	DeviceType string `gorm:"column:device_type;type:text;not null;uniqueIndex:uq_cfrule_scope,priority:3" json:"device_type"`
	// JSON 数组，受控文件路径通配
	Paths json.RawMessage `gorm:"column:paths;type:jsonb;not null" json:"paths"`
	// 内容采集方式：auto / inline / fetch
	Mode      string    `gorm:"column:mode;type:text;not null;default:auto" json:"mode"`
	MaxBytes  int64     `gorm:"column:max_bytes;not null;default:8192" json:"max_bytes"`
	Note      string    `gorm:"column:note;type:text" json:"note,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (ControlledFileRule) TableName() string { return "controlled_file_rules" }

// FileObservation 映射 file_observations 表（受控文件内容缓存，跨轮询保留旧侧 diff 文本）
type FileObservation struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	DeviceID    int64  `gorm:"column:device_id;not null;uniqueIndex:uq_fileobs,priority:1" json:"device_id"`
	Path        string `gorm:"column:path;type:text;not null;uniqueIndex:uq_fileobs,priority:2" json:"path"`
	Fingerprint string `gorm:"column:fingerprint;type:text;not null;uniqueIndex:uq_fileobs,priority:3" json:"fingerprint"`
	SnapshotID  int64  `gorm:"column:snapshot_id;not null" json:"snapshot_id"`
	ContentB64  string `gorm:"column:content_b64;type:text" json:"content_b64,omitempty"`
	Encoding    string `gorm:"column:encoding;type:text" json:"encoding,omitempty"`
	ContentType string `gorm:"column:content_type;type:text" json:"content_type,omitempty"`
	Truncated   bool   `gorm:"column:truncated;not null;default:false" json:"truncated"`
	// 内容来源：inline / fetch
	Source    string    `gorm:"column:source;type:text;not null;default:inline" json:"source"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (FileObservation) TableName() string { return "file_observations" }

// Snapshot 映射 snapshots 表。只插入，不更新。
type Snapshot struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	DeviceID   int64     `gorm:"column:device_id;not null;index:idx_snapshot_device_time,priority:1" json:"device_id"`
	ObservedAt time.Time `gorm:"column:observed_at;not null;index:idx_snapshot_device_time,priority:2,sort:desc" json:"observed_at"`
	Success    bool      `gorm:"column:success;not null" json:"success"`
	HTTPStatus *int      `gorm:"column:http_status" json:"http_status,omitempty"`
	LatencyMS  int64     `gorm:"column:latency_ms;not null;default:0" json:"latency_ms"`
	// 失败分类：unreachable / timeout / http_<status> / protocol_error
	Error           string `gorm:"column:error;type:text" json:"error,omitempty"`
	ProtocolVersion *int   `gorm:"column:protocol_version" json:"protocol_version,omitempty"`
	MainVersion     string `gorm:"column:main_version;type:text" json:"main_version,omitempty"`
	FirmwareVersion string `gorm:"column:firmware_version;type:text" json:"firmware_version,omitempty"`
	// 原始报文与受控文件条目，原样保留
	Payload json.RawMessage `gorm:"column:payload;type:jsonb" json:"payload,omitempty"`
	Files   json.RawMessage `gorm:"column:files;type:jsonb" json:"files,omitempty"`
}

func (Snapshot) TableName() string { return "snapshots" }

// VersionCatalogEntry 映射 version_catalog 表（supplier+device_type+main_version 唯一）
type VersionCatalogEntry struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Supplier    string    `gorm:"column:supplier;type:text;not null;uniqueIndex:uq_catalog,priority:1" json:"supplier"`
	DeviceType  string    `gorm:"column:device_type;type:text;not null;uniqueIndex:uq_catalog,priority:2" json:"device_type"`
	MainVersion string    `gorm:"column:main_version;type:text;not null;uniqueIndex:uq_catalog,priority:3" json:"main_version"`
	FirstSeen   time.Time `gorm:"column:first_seen;not null" json:"first_seen"`
	LastSeen    time.Time `gorm:"column:last_seen;not null" json:"last_seen"`
	Samples     int64     `gorm:"column:samples;not null;default:0" json:"samples"`
	ChangelogMD string    `gorm:"column:changelog_md;type:text" json:"changelog_md,omitempty"`
	ReleasedAt  *time.Time `gorm:"column:released_at" json:"released_at,omitempty"`
	RiskLevel   string     `gorm:"column:risk_level;type:text" json:"risk_level,omitempty"`
	Checksum    string     `gorm:"column:checksum;type:text" json:"checksum,omitempty"`
	// 运维备注，仅人工写入，轮询永不触碰
	Note      string    `gorm:"column:note;type:text" json:"note,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (VersionCatalogEntry) TableName() string { return "version_catalog" }

// 事件类型
const (
	EventStateChange          = "state_change"
	EventControlledFileChange = "controlled_files_change"
	EventControlledFileAck    = "controlled_files_ack"
	EventVersionObserved      = "version_observed"
	EventVersionChange        = "version_change"
)

// Event 映射 events 表。只插入，不更新。
type Event struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	DeviceID  int64           `gorm:"column:device_id;not null;index:idx_event_device_time,priority:1" json:"device_id"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime;index:idx_event_device_time,priority:2,sort:desc" json:"created_at"`
	EventType string          `gorm:"column:event_type;type:text;not null;index" json:"event_type"`
	OldState  string          `gorm:"column:old_state;type:text" json:"old_state,omitempty"`
	NewState  string          `gorm:"column:new_state;type:text" json:"new_state,omitempty"`
	Message   string          `gorm:"column:message;type:text" json:"message,omitempty"`
	Payload   json.RawMessage `gorm:"column:payload;type:jsonb" json:"payload,omitempty"`
}

func (Event) TableName() string { return "events" }
