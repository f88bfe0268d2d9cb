package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/version-manager/internal/state"
	"github.com/taoyao-code/version-manager/internal/storage/models"
)

func TestOrchestratorPollAll(t *testing.T) {
	env := newTestEnv(t)
	env.setBaseline(t, "1.8.2", nil)

	// 第二台设备，停用，不应被全量轮询
	disabled := &models.Device{
		ClusterID: env.dev.ClusterID, DeviceSerial: "SN2",
		Supplier: "acme", DeviceType: "plc",
		IP: "10.0.0.2", Port: 8080, Enabled: false, LastState: state.NeverPolled,
	}
	require.NoError(t, env.repo.CreateDevice(context.Background(), disabled))

	env.poller.res = successResult(t, docBody("1.8.2", ""))
	o := NewOrchestrator(env.repo, env.rec, 0, 4, zap.NewNop())

	res := o.PollAll(context.Background())
	assert.Equal(t, 1, res.Requested)
	assert.Equal(t, 1, res.Polled)
	assert.Equal(t, 1, res.OK)
	assert.Equal(t, 0, res.Fail)
	assert.Equal(t, 0, res.Skipped)

	dev, _ := env.repo.GetDevice(context.Background(), disabled.ID)
	assert.Equal(t, state.NeverPolled, dev.LastState, "停用设备不应被轮询")
}

func TestOrchestratorPollByIDs(t *testing.T) {
	env := newTestEnv(t)
	env.setBaseline(t, "1.8.2", nil)
	env.poller.res = successResult(t, docBody("1.8.2", ""))
	o := NewOrchestrator(env.repo, env.rec, 0, 2, zap.NewNop())

	// 存在的设备 + 不存在的 ID：批次不整体失败，未知设备计入 fail
	res := o.PollByIDs(context.Background(), []int64{env.dev.ID, 9999})
	assert.Equal(t, 2, res.Requested)
	assert.Equal(t, 1, res.Polled)
	assert.Equal(t, 1, res.OK)
	assert.Equal(t, 1, res.Fail)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, env.dev.ID, res.Outcomes[0].DeviceID)
}

func TestOrchestratorInFlightSkip(t *testing.T) {
	env := newTestEnv(t)
	env.poller.res = successResult(t, docBody("1.8.2", ""))
	o := NewOrchestrator(env.repo, env.rec, 0, 2, zap.NewNop())

	// 人为占住在途标记，批次应跳过该设备而不是排队等待
	o.mu.Lock()
	o.inFlight[env.dev.ID] = struct{}{}
	o.mu.Unlock()

	res := o.PollAll(context.Background())
	assert.Equal(t, 0, res.Polled)
	assert.Equal(t, 1, res.Skipped)

	stats := o.Stats()
	assert.Equal(t, int64(1), stats["skipped"])
}
