// Package storagetest 提供内存版 CoreRepo，供各包测试替代真实数据库。
// 语义对齐 gormrepo：查不到配置类记录返回 (nil,nil)，
// 实体类记录返回 gorm.ErrRecordNotFound。
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/taoyao-code/version-manager/internal/storage"
	"github.com/taoyao-code/version-manager/internal/storage/models"
)

// Repo 内存版 CoreRepo
type Repo struct {
	mu       sync.Mutex
	nextID   int64
	clusters map[int64]*models.Cluster
	devices  map[int64]*models.Device
	basel    map[string]*models.Baseline
	rules    map[string]*models.ControlledFileRule
	obs      map[string]*models.FileObservation
	snaps    []*models.Snapshot
	catalog  map[string]*models.VersionCatalogEntry
	events   []*models.Event
}

// New 创建空仓库
func New() *Repo {
	return &Repo{
		clusters: map[int64]*models.Cluster{},
		devices:  map[int64]*models.Device{},
		basel:    map[string]*models.Baseline{},
		rules:    map[string]*models.ControlledFileRule{},
		obs:      map[string]*models.FileObservation{},
		catalog:  map[string]*models.VersionCatalogEntry{},
	}
}

func scopeKey(clusterID int64, supplier, deviceType string) string {
	return fmt.Sprintf("%d/%s/%s", clusterID, supplier, deviceType)
}

func (m *Repo) id() int64 { m.nextID++; return m.nextID }

func (m *Repo) WithTx(ctx context.Context, fn func(storage.CoreRepo) error) error {
	return fn(m)
}

func (m *Repo) CreateCluster(ctx context.Context, c *models.Cluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.id()
	m.clusters[c.ID] = c
	return nil
}

func (m *Repo) ListClusters(ctx context.Context) ([]models.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Cluster
	for _, c := range m.clusters {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Repo) GetCluster(ctx context.Context, id int64) (*models.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clusters[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *Repo) CreateDevice(ctx context.Context, d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = m.id()
	if d.LastState == "" {
		d.LastState = "never_polled"
	}
	m.devices[d.ID] = d
	return nil
}

func (m *Repo) UpsertDeviceBySerial(ctx context.Context, d *models.Device) (*models.Device, error) {
	m.mu.Lock()
	for _, existing := range m.devices {
		if existing.DeviceSerial == d.DeviceSerial {
			d.ID = existing.ID
			d.LastState = existing.LastState
			m.devices[d.ID] = d
			cp := *d
			m.mu.Unlock()
			return &cp, nil
		}
	}
	m.mu.Unlock()
	if err := m.CreateDevice(ctx, d); err != nil {
		return nil, err
	}
	cp := *d
	return &cp, nil
}

func (m *Repo) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *Repo) GetDeviceBySerial(ctx context.Context, serial string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.DeviceSerial == serial {
			cp := *d
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *Repo) ListDevices(ctx context.Context, f storage.DeviceFilter) ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Device
	for _, d := range m.devices {
		if f.ClusterID != nil && d.ClusterID != *f.ClusterID {
			continue
		}
		if f.EnabledOnly && !d.Enabled {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Repo) UpdateDeviceFields(ctx context.Context, id int64, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for k, v := range fields {
		switch k {
		case "enabled":
			d.Enabled = v.(bool)
		case "ip":
			d.IP = v.(string)
		case "port":
			switch vv := v.(type) {
			case int:
				d.Port = vv
			case float64:
				d.Port = int(vv)
			}
		case "line_no":
			d.LineNo = v.(string)
		case "supplier":
			d.Supplier = v.(string)
		case "device_type":
			d.DeviceType = v.(string)
		}
	}
	return nil
}

func (m *Repo) DeleteDevice(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return gorm.ErrRecordNotFound
	}
	delete(m.devices, id)
	return nil
}

func (m *Repo) UpdateDeviceState(ctx context.Context, id int64, st string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	d.LastState = st
	d.LastStateAt = &at
	return nil
}

func (m *Repo) UpsertBaseline(ctx context.Context, b *models.Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == 0 {
		b.ID = m.id()
	}
	m.basel[scopeKey(b.ClusterID, b.Supplier, b.DeviceType)] = b
	return nil
}

func (m *Repo) GetBaselineFor(ctx context.Context, clusterID int64, supplier, deviceType string) (*models.Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.basel[scopeKey(clusterID, supplier, deviceType)]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, nil
}

func (m *Repo) ListBaselines(ctx context.Context) ([]models.Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Baseline
	for _, b := range m.basel {
		out = append(out, *b)
	}
	return out, nil
}

func (m *Repo) DeleteBaseline(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, b := range m.basel {
		if b.ID == id {
			delete(m.basel, k)
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (m *Repo) UpsertControlledFileRule(ctx context.Context, r *models.ControlledFileRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		r.ID = m.id()
	}
	m.rules[scopeKey(r.ClusterID, r.Supplier, r.DeviceType)] = r
	return nil
}

func (m *Repo) GetControlledFileRuleFor(ctx context.Context, clusterID int64, supplier, deviceType string) (*models.ControlledFileRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[scopeKey(clusterID, supplier, deviceType)]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (m *Repo) ListControlledFileRules(ctx context.Context) ([]models.ControlledFileRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ControlledFileRule
	for _, r := range m.rules {
		out = append(out, *r)
	}
	return out, nil
}

func (m *Repo) DeleteControlledFileRule(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.rules {
		if r.ID == id {
			delete(m.rules, k)
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (m *Repo) UpsertFileObservation(ctx context.Context, o *models.FileObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d/%s/%s", o.DeviceID, o.Path, o.Fingerprint)
	if _, ok := m.obs[key]; ok {
		return nil
	}
	o.ID = m.id()
	m.obs[key] = o
	return nil
}

func (m *Repo) GetFileObservation(ctx context.Context, deviceID int64, path, fingerprint string) (*models.FileObservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.obs[fmt.Sprintf("%d/%s/%s", deviceID, path, fingerprint)]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (m *Repo) InsertSnapshot(ctx context.Context, s *models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.id()
	m.snaps = append(m.snaps, s)
	return nil
}

func (m *Repo) GetLatestSnapshot(ctx context.Context, deviceID int64) (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.snaps) - 1; i >= 0; i-- {
		if m.snaps[i].DeviceID == deviceID {
			cp := *m.snaps[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Repo) GetLatestSuccessfulSnapshot(ctx context.Context, deviceID int64) (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.snaps) - 1; i >= 0; i-- {
		if m.snaps[i].DeviceID == deviceID && m.snaps[i].Success {
			cp := *m.snaps[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Repo) ListSnapshots(ctx context.Context, deviceID int64, f storage.SnapshotFilter) ([]models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Snapshot
	skipped := 0
	for i := len(m.snaps) - 1; i >= 0; i-- {
		s := m.snaps[i]
		if s.DeviceID != deviceID {
			continue
		}
		if f.SuccessOnly && !s.Success {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, *s)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Repo) ListVersionHistory(ctx context.Context, deviceID int64, supplier, deviceType string) ([]storage.VersionHistoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byMain := map[string]*storage.VersionHistoryItem{}
	var order []string
	for _, s := range m.snaps {
		if s.DeviceID != deviceID || !s.Success || s.MainVersion == "" {
			continue
		}
		item, ok := byMain[s.MainVersion]
		if !ok {
			item = &storage.VersionHistoryItem{
				MainVersion: s.MainVersion,
				FirstSeen:   s.ObservedAt,
				LastSeen:    s.ObservedAt,
			}
			byMain[s.MainVersion] = item
			order = append(order, s.MainVersion)
		}
		if s.ObservedAt.Before(item.FirstSeen) {
			item.FirstSeen = s.ObservedAt
		}
		if s.ObservedAt.After(item.LastSeen) {
			item.LastSeen = s.ObservedAt
		}
		item.Samples++
	}
	var out []storage.VersionHistoryItem
	for _, main := range order {
		item := byMain[main]
		if e, ok := m.catalog[fmt.Sprintf("%s/%s/%s", supplier, deviceType, main)]; ok {
			item.ChangelogMD = e.ChangelogMD
			item.ReleasedAt = e.ReleasedAt
			item.RiskLevel = e.RiskLevel
			item.Note = e.Note
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, nil
}

func (m *Repo) RecordVersionSighting(ctx context.Context, supplier, deviceType, mainVersion, checksum string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s/%s/%s", supplier, deviceType, mainVersion)
	if e, ok := m.catalog[key]; ok {
		e.LastSeen = at
		e.Samples++
		if checksum != "" {
			e.Checksum = checksum
		}
		return false, nil
	}
	m.catalog[key] = &models.VersionCatalogEntry{
		ID: m.id(), Supplier: supplier, DeviceType: deviceType, MainVersion: mainVersion,
		FirstSeen: at, LastSeen: at, Samples: 1, Checksum: checksum,
	}
	return true, nil
}

func (m *Repo) UpsertCatalogEntry(ctx context.Context, e *models.VersionCatalogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s/%s/%s", e.Supplier, e.DeviceType, e.MainVersion)
	if old, ok := m.catalog[key]; ok {
		old.ChangelogMD = e.ChangelogMD
		old.ReleasedAt = e.ReleasedAt
		old.RiskLevel = e.RiskLevel
		old.Note = e.Note
		if e.Checksum != "" {
			old.Checksum = e.Checksum
		}
		return nil
	}
	e.ID = m.id()
	m.catalog[key] = e
	return nil
}

func (m *Repo) GetCatalogEntry(ctx context.Context, supplier, deviceType, mainVersion string) (*models.VersionCatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.catalog[fmt.Sprintf("%s/%s/%s", supplier, deviceType, mainVersion)]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (m *Repo) ListCatalog(ctx context.Context, supplier, deviceType string) ([]models.VersionCatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.VersionCatalogEntry
	for _, e := range m.catalog {
		if supplier != "" && e.Supplier != supplier {
			continue
		}
		if deviceType != "" && e.DeviceType != deviceType {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (m *Repo) AppendEvent(ctx context.Context, e *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.id()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.events = append(m.events, e)
	return nil
}

func (m *Repo) ListEvents(ctx context.Context, deviceID *int64, limit int) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if deviceID != nil && e.DeviceID != *deviceID {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Repo) GetLatestEventOfTypes(ctx context.Context, deviceID int64, types []string) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if e.DeviceID != deviceID {
			continue
		}
		for _, t := range types {
			if e.EventType == t {
				cp := *e
				return &cp, nil
			}
		}
	}
	return nil, nil
}

func (m *Repo) HasUnackedFilesChange(ctx context.Context, deviceID int64) (bool, error) {
	latest, err := m.GetLatestEventOfTypes(ctx, deviceID,
		[]string{models.EventControlledFileChange, models.EventControlledFileAck})
	if err != nil || latest == nil {
		return false, err
	}
	return latest.EventType == models.EventControlledFileChange, nil
}

// EventsOfType 按类型过滤全部事件（断言辅助）
func (m *Repo) EventsOfType(t string) []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, e := range m.events {
		if e.EventType == t {
			out = append(out, *e)
		}
	}
	return out
}
