package gormrepo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taoyao-code/version-manager/internal/storage"
	"github.com/taoyao-code/version-manager/internal/storage/models"
)

// Repository 基于 GORM 的 CoreRepo 实现。
// 使用 isTx 标记区分事务上下文，避免嵌套事务重复 Begin/Commit。
type Repository struct {
	db   *gorm.DB
	isTx bool
}

// New 返回一个使用给定 *gorm.DB 的 CoreRepo 实例。
func New(db *gorm.DB) storage.CoreRepo {
	return &Repository{db: db}
}

// WithTx 复用现有事务或开启新事务执行 fn。
func (r *Repository) WithTx(ctx context.Context, fn func(storage.CoreRepo) error) error {
	if r.isTx {
		return fn(r)
	}

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}

	child := &Repository{db: tx, isTx: true}
	if err := fn(child); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

// ---------- 集群 ----------

func (r *Repository) CreateCluster(ctx context.Context, c *models.Cluster) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repository) ListClusters(ctx context.Context) ([]models.Cluster, error) {
	var out []models.Cluster
	if err := r.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) GetCluster(ctx context.Context, id int64) (*models.Cluster, error) {
	var c models.Cluster
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ---------- 设备 ----------

func (r *Repository) CreateDevice(ctx context.Context, d *models.Device) error {
	return r.db.WithContext(ctx).Create(d).Error
}

// UpsertDeviceBySerial 按 device_serial 冲突时覆盖连接信息与归属字段。
func (r *Repository) UpsertDeviceBySerial(ctx context.Context, d *models.Device) (*models.Device, error) {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "device_serial"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"cluster_id":  gorm.Expr("excluded.cluster_id"),
				"supplier":    gorm.Expr("excluded.supplier"),
				"device_type": gorm.Expr("excluded.device_type"),
				"line_no":     gorm.Expr("excluded.line_no"),
				"ip":          gorm.Expr("excluded.ip"),
				"port":        gorm.Expr("excluded.port"),
				"protocol":    gorm.Expr("excluded.protocol"),
				"path":        gorm.Expr("excluded.path"),
				"auth_type":   gorm.Expr("excluded.auth_type"),
				"auth_token":  gorm.Expr("excluded.auth_token"),
				"enabled":     gorm.Expr("excluded.enabled"),
				"updated_at":  gorm.Expr("NOW()"),
			}),
		}).
		Create(d).Error
	if err != nil {
		return nil, err
	}
	return r.GetDeviceBySerial(ctx, d.DeviceSerial)
}

func (r *Repository) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	var d models.Device
	if err := r.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repository) GetDeviceBySerial(ctx context.Context, serial string) (*models.Device, error) {
	var d models.Device
	err := r.db.WithContext(ctx).Where("device_serial = ?", serial).First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repository) ListDevices(ctx context.Context, f storage.DeviceFilter) ([]models.Device, error) {
	q := r.db.WithContext(ctx).Order("id")
	if f.ClusterID != nil {
		q = q.Where("cluster_id = ?", *f.ClusterID)
	}
	if f.EnabledOnly {
		q = q.Where("enabled")
	}
	var out []models.Device
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) UpdateDeviceFields(ctx context.Context, id int64, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	fields["updated_at"] = gorm.Expr("NOW()")
	res := r.db.WithContext(ctx).Model(&models.Device{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *Repository) DeleteDevice(ctx context.Context, id int64) error {
	// 子表（snapshots/events/file_observations）由外键级联删除
	res := r.db.WithContext(ctx).Delete(&models.Device{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *Repository) UpdateDeviceState(ctx context.Context, id int64, state string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Device{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_state":    state,
			"last_state_at": at,
			"updated_at":    gorm.Expr("NOW()"),
		}).Error
}

// ---------- 基线 ----------

func (r *Repository) UpsertBaseline(ctx context.Context, b *models.Baseline) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "cluster_id"}, {Name: "supplier"}, {Name: "device_type"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"expected_main_version": gorm.Expr("excluded.expected_main_version"),
				"allowed_main_globs":    gorm.Expr("excluded.allowed_main_globs"),
				"note":                  gorm.Expr("excluded.note"),
				"effective_from":        gorm.Expr("excluded.effective_from"),
			}),
		}).
		Create(b).Error
}

func (r *Repository) GetBaselineFor(ctx context.Context, clusterID int64, supplier, deviceType string) (*models.Baseline, error) {
	var b models.Baseline
	err := r.db.WithContext(ctx).
		Where("cluster_id = ? AND supplier = ? AND device_type = ?", clusterID, supplier, deviceType).
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repository) ListBaselines(ctx context.Context) ([]models.Baseline, error) {
	var out []models.Baseline
	if err := r.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) DeleteBaseline(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Delete(&models.Baseline{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ---------- 受控文件规则 ----------

func (r *Repository) UpsertControlledFileRule(ctx context.Context, rule *models.ControlledFileRule) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "cluster_id"}, {Name: "supplier"}, {Name: "device_type"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"paths":     gorm.Expr("excluded.paths"),
				"mode":      gorm.Expr("excluded.mode"),
				"max_bytes": gorm.Expr("excluded.max_bytes"),
				"note":      gorm.Expr("excluded.note"),
			}),
		}).
		Create(rule).Error
}

func (r *Repository) GetControlledFileRuleFor(ctx context.Context, clusterID int64, supplier, deviceType string) (*models.ControlledFileRule, error) {
	var rule models.ControlledFileRule
	err := r.db.WithContext(ctx).
		Where("cluster_id = ? AND supplier = ? AND device_type = ?", clusterID, supplier, deviceType).
		First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *Repository) ListControlledFileRules(ctx context.Context) ([]models.ControlledFileRule, error) {
	var out []models.ControlledFileRule
	if err := r.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) DeleteControlledFileRule(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Delete(&models.ControlledFileRule{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ---------- 受控文件内容缓存 ----------

// UpsertFileObservation 同一 (device,path,fingerprint) 已存在时保留首次记录。
func (r *Repository) UpsertFileObservation(ctx context.Context, o *models.FileObservation) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "path"}, {Name: "fingerprint"}},
			DoNothing: true,
		}).
		Create(o).Error
}

func (r *Repository) GetFileObservation(ctx context.Context, deviceID int64, path, fingerprint string) (*models.FileObservation, error) {
	var o models.FileObservation
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND path = ? AND fingerprint = ?", deviceID, path, fingerprint).
		First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ---------- 快照 ----------

func (r *Repository) InsertSnapshot(ctx context.Context, s *models.Snapshot) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repository) GetLatestSnapshot(ctx context.Context, deviceID int64) (*models.Snapshot, error) {
	var s models.Snapshot
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("observed_at DESC, id DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) GetLatestSuccessfulSnapshot(ctx context.Context, deviceID int64) (*models.Snapshot, error) {
	var s models.Snapshot
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND success", deviceID).
		Order("observed_at DESC, id DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) ListSnapshots(ctx context.Context, deviceID int64, f storage.SnapshotFilter) ([]models.Snapshot, error) {
	q := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("observed_at DESC, id DESC")
	if f.SuccessOnly {
		q = q.Where("success")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var out []models.Snapshot
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListVersionHistory 聚合查询走原生 SQL（GROUP BY + 目录 LEFT JOIN）。
func (r *Repository) ListVersionHistory(ctx context.Context, deviceID int64, supplier, deviceType string) ([]storage.VersionHistoryItem, error) {
	var out []storage.VersionHistoryItem
	err := r.db.WithContext(ctx).Raw(`
		SELECT s.main_version,
		       MIN(s.observed_at)               AS first_seen,
		       MAX(s.observed_at)               AS last_seen,
		       COUNT(*)                         AS samples,
		       COALESCE(c.changelog_md, '')     AS changelog_md,
		       c.released_at,
		       COALESCE(c.risk_level, '')       AS risk_level,
		       COALESCE(c.note, '')             AS note
		FROM snapshots s
		LEFT JOIN version_catalog c
		  ON c.supplier = ? AND c.device_type = ? AND c.main_version = s.main_version
		WHERE s.device_id = ? AND s.success AND s.main_version <> ''
		GROUP BY s.main_version, c.changelog_md, c.released_at, c.risk_level, c.note
		ORDER BY MAX(s.observed_at) DESC`,
		supplier, deviceType, deviceID).
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ---------- 版本目录 ----------

// RecordVersionSighting 轮询侧登记版本目击。
// 合并规则：非空胜空，时间字段向外扩展；note 列仅运维写入，这里永不触碰。
func (r *Repository) RecordVersionSighting(ctx context.Context, supplier, deviceType, mainVersion, checksum string, at time.Time) (bool, error) {
	var existing models.VersionCatalogEntry
	err := r.db.WithContext(ctx).
		Where("supplier = ? AND device_type = ? AND main_version = ?", supplier, deviceType, mainVersion).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		entry := &models.VersionCatalogEntry{
			Supplier:    supplier,
			DeviceType:  deviceType,
			MainVersion: mainVersion,
			FirstSeen:   at,
			LastSeen:    at,
			Samples:     1,
			Checksum:    checksum,
		}
		if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	updates := map[string]interface{}{
		"first_seen": gorm.Expr("LEAST(first_seen, ?)", at),
		"last_seen":  gorm.Expr("GREATEST(last_seen, ?)", at),
		"samples":    gorm.Expr("samples + 1"),
	}
	if checksum != "" {
		updates["checksum"] = checksum
	}
	return false, r.db.WithContext(ctx).Model(&models.VersionCatalogEntry{}).
		Where("id = ?", existing.ID).
		Updates(updates).Error
}

// UpsertCatalogEntry 运维侧维护目录条目，不回退轮询统计字段。
func (r *Repository) UpsertCatalogEntry(ctx context.Context, e *models.VersionCatalogEntry) error {
	if e.FirstSeen.IsZero() {
		e.FirstSeen = time.Now()
	}
	if e.LastSeen.IsZero() {
		e.LastSeen = e.FirstSeen
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "supplier"}, {Name: "device_type"}, {Name: "main_version"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"changelog_md": gorm.Expr("excluded.changelog_md"),
				"released_at":  gorm.Expr("excluded.released_at"),
				"risk_level":   gorm.Expr("excluded.risk_level"),
				"note":         gorm.Expr("excluded.note"),
				"checksum": gorm.Expr(
					"CASE WHEN excluded.checksum <> '' THEN excluded.checksum ELSE version_catalog.checksum END"),
			}),
		}).
		Create(e).Error
}

func (r *Repository) GetCatalogEntry(ctx context.Context, supplier, deviceType, mainVersion string) (*models.VersionCatalogEntry, error) {
	var e models.VersionCatalogEntry
	err := r.db.WithContext(ctx).
		Where("supplier = ? AND device_type = ? AND main_version = ?", supplier, deviceType, mainVersion).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repository) ListCatalog(ctx context.Context, supplier, deviceType string) ([]models.VersionCatalogEntry, error) {
	q := r.db.WithContext(ctx).Order("supplier, device_type, last_seen DESC")
	if supplier != "" {
		q = q.Where("supplier = ?", supplier)
	}
	if deviceType != "" {
		q = q.Where("device_type = ?", deviceType)
	}
	var out []models.VersionCatalogEntry
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ---------- 事件 ----------

func (r *Repository) AppendEvent(ctx context.Context, e *models.Event) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *Repository) ListEvents(ctx context.Context, deviceID *int64, limit int) ([]models.Event, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if deviceID != nil {
		q = q.Where("device_id = ?", *deviceID)
	}
	if limit <= 0 {
		limit = 100
	}
	var out []models.Event
	if err := q.Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) GetLatestEventOfTypes(ctx context.Context, deviceID int64, types []string) (*models.Event, error) {
	var e models.Event
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND event_type IN ?", deviceID, types).
		Order("created_at DESC, id DESC").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// HasUnackedFilesChange 未确认判定：最近一条变更/确认事件里，变更较新即未确认。
func (r *Repository) HasUnackedFilesChange(ctx context.Context, deviceID int64) (bool, error) {
	latest, err := r.GetLatestEventOfTypes(ctx, deviceID,
		[]string{models.EventControlledFileChange, models.EventControlledFileAck})
	if err != nil {
		return false, err
	}
	if latest == nil {
		return false, nil
	}
	return latest.EventType == models.EventControlledFileChange, nil
}
