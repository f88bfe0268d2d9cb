package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/version-manager/internal/api"
	"github.com/taoyao-code/version-manager/internal/api/middleware"
	"github.com/taoyao-code/version-manager/internal/app"
	"github.com/taoyao-code/version-manager/internal/dvp"
	"github.com/taoyao-code/version-manager/internal/state"
	"github.com/taoyao-code/version-manager/internal/storage/models"
	"github.com/taoyao-code/version-manager/internal/storage/storagetest"
)

// fakePoller 返回预设结果的协议客户端
type fakePoller struct {
	res dvp.Result
}

func (p *fakePoller) Poll(ctx context.Context, t dvp.Target) dvp.Result { return p.res }

func (p *fakePoller) FetchFile(ctx context.Context, t dvp.Target, path string, maxBytes int64) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("no content")
}

func successResult(t *testing.T, main string) dvp.Result {
	t.Helper()
	body := fmt.Sprintf(`{"protocol":"dvp","protocol_version":1,
		"device":{"serial":"SN1","supplier":"acme","device_type":"plc"},
		"versions":{"main":%q}}`, main)
	doc, err := dvp.ParseDocument([]byte(body))
	require.NoError(t, err)
	return dvp.Result{Success: true, HTTPStatus: 200, Doc: doc, Raw: []byte(body)}
}

type apiEnv struct {
	repo    *storagetest.Repo
	poller  *fakePoller
	engine  *gin.Engine
	cluster *models.Cluster
	apiKey  string
}

func newAPIEnv(t *testing.T, auth middleware.AuthConfig, regToken string) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := storagetest.New()
	cluster := &models.Cluster{Name: "line-1"}
	require.NoError(t, repo.CreateCluster(context.Background(), cluster))

	poller := &fakePoller{}
	logger := zap.NewNop()
	rec := app.NewReconciler(repo, poller, nil, nil, logger, 0)
	orch := app.NewOrchestrator(repo, rec, 0, 2, logger)
	disc := app.NewDiscoverer(repo, poller, rec, 16, 1000, 100*time.Millisecond, logger, nil)

	engine := gin.New()
	api.RegisterRoutes(engine, api.Deps{
		Repo:              repo,
		Reconciler:        rec,
		Orchestrator:      orch,
		Discoverer:        disc,
		Poller:            poller,
		RegistrationToken: regToken,
	}, auth, logger)

	env := &apiEnv{repo: repo, poller: poller, engine: engine, cluster: cluster}
	if auth.Enabled && len(auth.APIKeys) > 0 {
		env.apiKey = auth.APIKeys[0]
	}
	return env
}

// do 发起JSON请求
func (e *apiEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("X-API-Key", e.apiKey)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func (e *apiEnv) addDevice(t *testing.T, serial string) *models.Device {
	t.Helper()
	dev := &models.Device{
		ClusterID: e.cluster.ID, DeviceSerial: serial,
		Supplier: "acme", DeviceType: "plc",
		IP: "10.0.0.1", Port: 8080, Protocol: "http",
		Enabled: true, LastState: state.NeverPolled,
	}
	require.NoError(t, e.repo.CreateDevice(context.Background(), dev))
	return dev
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestAPIKeyAuthGuard(t *testing.T) {
	env := newAPIEnv(t, middleware.AuthConfig{Enabled: true, APIKeys: []string{"sk_test_1234567890"}}, "")

	// 无Key拒绝
	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 错误Key拒绝
	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("X-API-Key", "wrong")
	w = httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// 正确Key放行（Bearer形式）
	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer sk_test_1234567890")
	w = httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDeviceCRUD(t *testing.T) {
	env := newAPIEnv(t, middleware.AuthConfig{}, "")

	w := env.do(t, http.MethodPost, "/api/v1/devices", gin.H{
		"cluster_id": env.cluster.ID, "device_serial": "SN1",
		"supplier": "acme", "device_type": "plc",
		"ip": "10.0.0.1", "port": 8080,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	dev := decodeBody(t, w)["device"].(map[string]interface{})
	id := int64(dev["id"].(float64))

	// 详情：从未轮询
	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/devices/%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, state.NeverPolled, decodeBody(t, w)["state"])

	// 部分更新
	w = env.do(t, http.MethodPut, fmt.Sprintf("/api/v1/devices/%d", id), gin.H{
		"ip": "10.0.0.2", "last_state": "ok",
	})
	require.Equal(t, http.StatusOK, w.Code)
	got, err := env.repo.GetDevice(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", got.IP)
	assert.Equal(t, state.NeverPolled, got.LastState, "状态缓存列不可经更新接口触碰")

	// 删除
	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/devices/%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/devices/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBaselineUpsertRejectsEmpty(t *testing.T) {
	env := newAPIEnv(t, middleware.AuthConfig{}, "")

	w := env.do(t, http.MethodPost, "/api/v1/baselines", gin.H{
		"cluster_id": env.cluster.ID, "supplier": "acme", "device_type": "plc",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/baselines", gin.H{
		"cluster_id": env.cluster.ID, "supplier": "acme", "device_type": "plc",
		"expected_main_version": "1.8.2",
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBaselineAdopt(t *testing.T) {
	env := newAPIEnv(t, middleware.AuthConfig{}, "")
	dev := env.addDevice(t, "SN1")
	env.poller.res = successResult(t, "2.1.0")

	// 先轮询让设备有成功快照
	w := env.do(t, http.MethodPost, "/api/v1/poll", gin.H{"device_ids": []int64{dev.ID}})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(1), body["ok"])

	w = env.do(t, http.MethodPost, "/api/v1/baselines/adopt", gin.H{"device_id": dev.ID})
	require.Equal(t, http.StatusOK, w.Code)

	bl, err := env.repo.GetBaselineFor(context.Background(), dev.ClusterID, dev.Supplier, dev.DeviceType)
	require.NoError(t, err)
	require.NotNil(t, bl)
	assert.Equal(t, "2.1.0", bl.ExpectedMainVersion)

	// 收编后状态视图应为 ok
	w = env.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	devices := decodeBody(t, w)["devices"].([]interface{})
	require.Len(t, devices, 1)
	assert.Equal(t, state.OK, devices[0].(map[string]interface{})["state"])
}

func TestAckEndpoint(t *testing.T) {
	env := newAPIEnv(t, middleware.AuthConfig{}, "")
	dev := env.addDevice(t, "SN1")

	// 没有未确认变更时409
	w := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/devices/%d/ack-controlled-files", dev.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// 人为制造一条未确认变更
	require.NoError(t, env.repo.UpsertBaseline(context.Background(), &models.Baseline{
		ClusterID: dev.ClusterID, Supplier: dev.Supplier, DeviceType: dev.DeviceType,
		ExpectedMainVersion: "2.1.0",
	}))
	env.poller.res = successResult(t, "2.1.0")
	env.do(t, http.MethodPost, "/api/v1/poll", gin.H{"device_ids": []int64{dev.ID}})
	require.NoError(t, env.repo.AppendEvent(context.Background(), &models.Event{
		DeviceID: dev.ID, EventType: models.EventControlledFileChange,
	}))

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/devices/%d/ack-controlled-files", dev.ID),
		gin.H{"operator": "li.na", "note": "verified"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, state.OK, decodeBody(t, w)["new_state"])

	acks := env.repo.EventsOfType(models.EventControlledFileAck)
	require.Len(t, acks, 1)
	assert.Contains(t, string(acks[0].Payload), "li.na")
	assert.Contains(t, string(acks[0].Payload), "verified")
}

func TestRuleYAMLRoundTrip(t *testing.T) {
	env := newAPIEnv(t, middleware.AuthConfig{}, "")

	yamlDoc := fmt.Sprintf(`rules:
  - cluster_id: %d
    supplier: acme
    device_type: plc
    paths: ["/etc/*.conf"]
    mode: fetch
    max_bytes: 4096
`, env.cluster.ID)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/controlled-file-rules/import",
		bytes.NewBufferString(yamlDoc))
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["imported"])

	rule, err := env.repo.GetControlledFileRuleFor(context.Background(), env.cluster.ID, "acme", "plc")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "fetch", rule.Mode)
	assert.Equal(t, int64(4096), rule.MaxBytes)

	w2 := env.do(t, http.MethodGet, "/api/v1/controlled-file-rules/export", nil)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Contains(t, w2.Body.String(), "/etc/*.conf")
	assert.Contains(t, w2.Body.String(), "mode: fetch")
}

func TestRuleImportRejectsBadMode(t *testing.T) {
	env := newAPIEnv(t, middleware.AuthConfig{}, "")
	yamlDoc := fmt.Sprintf(`rules:
  - cluster_id: %d
    supplier: acme
    device_type: plc
    paths: ["/etc/*"]
    mode: stream
`, env.cluster.ID)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/controlled-file-rules/import",
		bytes.NewBufferString(yamlDoc))
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterEndpoint(t *testing.T) {
	env := newAPIEnv(t, middleware.AuthConfig{}, "reg-secret")
	env.poller.res = successResult(t, "3.0.0")

	// 令牌错误拒绝
	w := env.do(t, http.MethodPost, "/api/v1/register", gin.H{
		"cluster_id": env.cluster.ID,
		"url":        "http://10.0.0.9:8080/.well-known/device-version",
		"token":      "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 正确令牌：序列号等字段从预轮询文档推断
	w = env.do(t, http.MethodPost, "/api/v1/register", gin.H{
		"cluster_id": env.cluster.ID,
		"url":        "http://10.0.0.9:8080/.well-known/device-version",
		"token":      "reg-secret",
		"verify":     true,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["created"])

	dev, err := env.repo.GetDeviceBySerial(context.Background(), "SN1")
	require.NoError(t, err)
	assert.Equal(t, "acme", dev.Supplier)
	assert.Equal(t, "10.0.0.9", dev.IP)
	assert.Equal(t, 8080, dev.Port)

	// verify 触发了初始快照
	snap, err := env.repo.GetLatestSnapshot(context.Background(), dev.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "3.0.0", snap.MainVersion)

	// 再次注册幂等
	w = env.do(t, http.MethodPost, "/api/v1/register", gin.H{
		"cluster_id": env.cluster.ID,
		"url":        "http://10.0.0.9:8080/.well-known/device-version",
		"token":      "reg-secret",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["created"])
}

func TestEventsEndpoint(t *testing.T) {
	env := newAPIEnv(t, middleware.AuthConfig{}, "")
	dev := env.addDevice(t, "SN1")
	other := env.addDevice(t, "SN2")
	require.NoError(t, env.repo.AppendEvent(context.Background(), &models.Event{
		DeviceID: dev.ID, EventType: models.EventStateChange, NewState: state.OK,
	}))
	require.NoError(t, env.repo.AppendEvent(context.Background(), &models.Event{
		DeviceID: other.ID, EventType: models.EventStateChange, NewState: state.Offline,
	}))

	w := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/events?device_id=%d", dev.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	w = env.do(t, http.MethodGet, "/api/v1/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["count"])
}
