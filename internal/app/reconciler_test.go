package app

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/version-manager/internal/dvp"
	"github.com/taoyao-code/version-manager/internal/state"
	"github.com/taoyao-code/version-manager/internal/storage/models"
	"github.com/taoyao-code/version-manager/internal/storage/storagetest"
	"github.com/taoyao-code/version-manager/internal/thirdparty"
)

// fakePoller 返回预设结果的协议客户端
type fakePoller struct {
	res   dvp.Result
	files map[string][]byte
}

func (p *fakePoller) Poll(ctx context.Context, t dvp.Target) dvp.Result { return p.res }

func (p *fakePoller) FetchFile(ctx context.Context, t dvp.Target, path string, maxBytes int64) ([]byte, bool, error) {
	data, ok := p.files[path]
	if !ok {
		return nil, false, fmt.Errorf("no such file %q", path)
	}
	if int64(len(data)) > maxBytes {
		return data[:maxBytes], true, nil
	}
	return data, false, nil
}

// capturingNotifier 记录外发的通知
type capturingNotifier struct {
	mu     sync.Mutex
	events []*thirdparty.StandardEvent
}

func (n *capturingNotifier) Publish(ctx context.Context, e *thirdparty.StandardEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *capturingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func successResult(t *testing.T, body string) dvp.Result {
	t.Helper()
	doc, err := dvp.ParseDocument([]byte(body))
	require.NoError(t, err)
	return dvp.Result{Success: true, HTTPStatus: 200, Doc: doc, Raw: []byte(body)}
}

func docBody(main string, files string) string {
	if files == "" {
		files = "[]"
	}
	return fmt.Sprintf(`{"protocol":"dvp","protocol_version":1,"device":{"serial":"SN1"},"versions":{"main":%q},"files":%s}`, main, files)
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

type testEnv struct {
	repo     *storagetest.Repo
	poller   *fakePoller
	notifier *capturingNotifier
	rec      *Reconciler
	dev      *models.Device
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := storagetest.New()
	cluster := &models.Cluster{Name: "line-1"}
	require.NoError(t, repo.CreateCluster(context.Background(), cluster))
	dev := &models.Device{
		ClusterID: cluster.ID, DeviceSerial: "SN1",
		Supplier: "acme", DeviceType: "plc",
		IP: "10.0.0.1", Port: 8080, Protocol: "http",
		Enabled: true, LastState: state.NeverPolled,
	}
	require.NoError(t, repo.CreateDevice(context.Background(), dev))

	poller := &fakePoller{}
	notifier := &capturingNotifier{}
	rec := NewReconciler(repo, poller, notifier, nil, zap.NewNop(), 0)
	return &testEnv{repo: repo, poller: poller, notifier: notifier, rec: rec, dev: dev}
}

func (e *testEnv) setBaseline(t *testing.T, expected string, globs []byte) {
	t.Helper()
	require.NoError(t, e.repo.UpsertBaseline(context.Background(), &models.Baseline{
		ClusterID: e.dev.ClusterID, Supplier: e.dev.Supplier, DeviceType: e.dev.DeviceType,
		ExpectedMainVersion: expected, AllowedMainGlobs: globs,
	}))
}

func (e *testEnv) poll(t *testing.T) *PollOutcome {
	t.Helper()
	dev, err := e.repo.GetDevice(context.Background(), e.dev.ID)
	require.NoError(t, err)
	out, err := e.rec.PollDevice(context.Background(), dev)
	require.NoError(t, err)
	return out
}

// 新设备 + 基线命中：首次轮询进入 ok，产生状态变更事件并外发通知
func TestPollMatchingDevice(t *testing.T) {
	env := newTestEnv(t)
	env.setBaseline(t, "1.8.2", nil)
	env.poller.res = successResult(t, docBody("1.8.2", ""))

	out := env.poll(t)

	assert.True(t, out.Success)
	assert.Equal(t, state.NeverPolled, out.OldState)
	assert.Equal(t, state.OK, out.NewState)
	assert.Equal(t, "1.8.2", out.MainVersion)

	dev, _ := env.repo.GetDevice(context.Background(), env.dev.ID)
	assert.Equal(t, state.OK, dev.LastState)

	stateEvents := env.repo.EventsOfType(models.EventStateChange)
	require.Len(t, stateEvents, 1)
	assert.Equal(t, state.NeverPolled, stateEvents[0].OldState)
	assert.Equal(t, state.OK, stateEvents[0].NewState)
	assert.Equal(t, 1, env.notifier.count())

	// 首次目击登记版本目录并产生 version_observed 事件
	assert.Len(t, env.repo.EventsOfType(models.EventVersionObserved), 1)

	// 状态不变时第二次轮询不再产生事件
	env.poll(t)
	assert.Len(t, env.repo.EventsOfType(models.EventStateChange), 1)
	assert.Equal(t, 1, env.notifier.count())
}

// 版本不匹配进入 mismatch；通配命中回到 ok
func TestPollMismatchAndGlobs(t *testing.T) {
	env := newTestEnv(t)
	env.setBaseline(t, "1.8.2", []byte(`["1.8.*"]`))

	env.poller.res = successResult(t, docBody("1.9.0", ""))
	assert.Equal(t, state.Mismatch, env.poll(t).NewState)

	env.poller.res = successResult(t, docBody("1.8.7", ""))
	assert.Equal(t, state.OK, env.poll(t).NewState)
}

// 无基线设备停在 no_baseline
func TestPollNoBaseline(t *testing.T) {
	env := newTestEnv(t)
	env.poller.res = successResult(t, docBody("1.8.2", ""))
	assert.Equal(t, state.NoBaseline, env.poll(t).NewState)
}

// 轮询失败只落失败快照并进入 offline，不外抛错误
func TestPollFailureGoesOffline(t *testing.T) {
	env := newTestEnv(t)
	env.setBaseline(t, "1.8.2", nil)
	env.poller.res = dvp.Result{Success: false, ErrClass: dvp.ErrTimeout}

	out := env.poll(t)
	assert.False(t, out.Success)
	assert.Equal(t, state.Offline, out.NewState)

	snap, _ := env.repo.GetLatestSnapshot(context.Background(), env.dev.ID)
	require.NotNil(t, snap)
	assert.False(t, snap.Success)
	assert.Equal(t, dvp.ErrTimeout, snap.Error)

	// offline 压过版本比对：恢复后按基线判定
	env.poller.res = successResult(t, docBody("1.8.2", ""))
	assert.Equal(t, state.OK, env.poll(t).NewState)
}

// 主版本变化产生 version_change 事件
func TestPollVersionChangeEvent(t *testing.T) {
	env := newTestEnv(t)
	env.setBaseline(t, "2.0.0", nil)

	env.poller.res = successResult(t, docBody("1.8.2", ""))
	env.poll(t)
	env.poller.res = successResult(t, docBody("2.0.0", ""))
	env.poll(t)

	changes := env.repo.EventsOfType(models.EventVersionChange)
	require.Len(t, changes, 1)
	assert.Contains(t, changes[0].Message, `"1.8.2" -> "2.0.0"`)
	// 两个版本各登记一次
	assert.Len(t, env.repo.EventsOfType(models.EventVersionObserved), 2)
}

func fileEntry(path, checksum, content string) string {
	return fmt.Sprintf(`{"path":%q,"checksum":%q,"content_b64":%q}`, path, checksum, b64(content))
}

// 受控文件变更：首次成功快照不触发；指纹变化触发事件与 files_changed；
// 确认后状态恢复；再次变化重新触发
func TestControlledFileChangeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.setBaseline(t, "1.8.2", nil)
	require.NoError(t, env.repo.UpsertControlledFileRule(context.Background(), &models.ControlledFileRule{
		ClusterID: env.dev.ClusterID, Supplier: env.dev.Supplier, DeviceType: env.dev.DeviceType,
		Paths: []byte(`["/etc/*"]`), Mode: "auto", MaxBytes: 8192,
	}))

	// 首次成功快照：建立基准，不触发变更事件
	env.poller.res = successResult(t, docBody("1.8.2", "["+fileEntry("/etc/app.conf", "h1", "a=1\n")+"]"))
	assert.Equal(t, state.OK, env.poll(t).NewState)
	assert.Empty(t, env.repo.EventsOfType(models.EventControlledFileChange))

	// 指纹变化：触发事件，状态进入 files_changed
	env.poller.res = successResult(t, docBody("1.8.2", "["+fileEntry("/etc/app.conf", "h2", "a=2\n")+"]"))
	assert.Equal(t, state.FilesChanged, env.poll(t).NewState)
	changes := env.repo.EventsOfType(models.EventControlledFileChange)
	require.Len(t, changes, 1)
	assert.Contains(t, string(changes[0].Payload), "/etc/app.conf")
	assert.Contains(t, string(changes[0].Payload), "-a=1")
	assert.Contains(t, string(changes[0].Payload), "+a=2")

	// 指纹未再变化：不重复触发，但未确认前状态保持 files_changed
	env.poll(t)
	assert.Len(t, env.repo.EventsOfType(models.EventControlledFileChange), 1)
	dev, _ := env.repo.GetDevice(context.Background(), env.dev.ID)
	assert.Equal(t, state.FilesChanged, dev.LastState)

	// 确认后状态由分类器重新计算回 ok
	require.NoError(t, env.repo.AppendEvent(context.Background(), &models.Event{
		DeviceID: env.dev.ID, EventType: models.EventControlledFileAck,
	}))
	assert.Equal(t, state.OK, env.poll(t).NewState)

	// 确认后的新变化重新触发
	env.poller.res = successResult(t, docBody("1.8.2", "["+fileEntry("/etc/app.conf", "h3", "a=3\n")+"]"))
	assert.Equal(t, state.FilesChanged, env.poll(t).NewState)
	assert.Len(t, env.repo.EventsOfType(models.EventControlledFileChange), 2)
}

// 规则外文件的变化不触发事件
func TestControlledFileRuleScoping(t *testing.T) {
	env := newTestEnv(t)
	env.setBaseline(t, "1.8.2", nil)
	require.NoError(t, env.repo.UpsertControlledFileRule(context.Background(), &models.ControlledFileRule{
		ClusterID: env.dev.ClusterID, Supplier: env.dev.Supplier, DeviceType: env.dev.DeviceType,
		Paths: []byte(`["/etc/*"]`), Mode: "auto",
	}))

	env.poller.res = successResult(t, docBody("1.8.2", "["+fileEntry("/var/log/app.log", "h1", "x")+"]"))
	env.poll(t)
	env.poller.res = successResult(t, docBody("1.8.2", "["+fileEntry("/var/log/app.log", "h2", "y")+"]"))
	env.poll(t)

	assert.Empty(t, env.repo.EventsOfType(models.EventControlledFileChange))
}

// fetch 模式：上报缺内容时向设备拉取，diff 用拉取到的文本
func TestControlledFileFetchMode(t *testing.T) {
	env := newTestEnv(t)
	env.setBaseline(t, "1.8.2", nil)
	require.NoError(t, env.repo.UpsertControlledFileRule(context.Background(), &models.ControlledFileRule{
		ClusterID: env.dev.ClusterID, Supplier: env.dev.Supplier, DeviceType: env.dev.DeviceType,
		Paths: []byte(`["/etc/*"]`), Mode: "fetch", MaxBytes: 8192,
	}))

	entryNoContent := func(checksum string) string {
		return fmt.Sprintf(`[{"path":"/etc/app.conf","checksum":%q}]`, checksum)
	}

	env.poller.files = map[string][]byte{"/etc/app.conf": []byte("k=old\n")}
	env.poller.res = successResult(t, docBody("1.8.2", entryNoContent("h1")))
	env.poll(t)

	env.poller.files = map[string][]byte{"/etc/app.conf": []byte("k=new\n")}
	env.poller.res = successResult(t, docBody("1.8.2", entryNoContent("h2")))
	env.poll(t)

	changes := env.repo.EventsOfType(models.EventControlledFileChange)
	require.Len(t, changes, 1)
	// 旧侧文本来自上一轮拉取后写入的内容缓存
	assert.Contains(t, string(changes[0].Payload), "-k=old")
	assert.Contains(t, string(changes[0].Payload), "+k=new")
}

// 过期阈值：最近成功快照过旧时判 offline
func TestPollStaleThreshold(t *testing.T) {
	env := newTestEnv(t)
	env.setBaseline(t, "1.8.2", nil)
	env.rec.staleThreshold = time.Hour
	env.poller.res = successResult(t, docBody("1.8.2", ""))

	// 刚成功不算过期
	assert.Equal(t, state.OK, env.poll(t).NewState)
}
