package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/version-manager/internal/state"
	"github.com/taoyao-code/version-manager/internal/storage/models"
)

// 确认流程：只追加事件，状态由分类器重算，重复确认拒绝
func TestAckControlledFiles(t *testing.T) {
	env := newTestEnv(t)
	env.setBaseline(t, "1.8.2", nil)
	require.NoError(t, env.repo.UpsertControlledFileRule(context.Background(), &models.ControlledFileRule{
		ClusterID: env.dev.ClusterID, Supplier: env.dev.Supplier, DeviceType: env.dev.DeviceType,
		Paths: []byte(`["/etc/*"]`), Mode: "auto", MaxBytes: 8192,
	}))

	env.poller.res = successResult(t, docBody("1.8.2", "["+fileEntry("/etc/app.conf", "h1", "a=1\n")+"]"))
	env.poll(t)
	env.poller.res = successResult(t, docBody("1.8.2", "["+fileEntry("/etc/app.conf", "h2", "a=2\n")+"]"))
	assert.Equal(t, state.FilesChanged, env.poll(t).NewState)

	changeEvents := env.repo.EventsOfType(models.EventControlledFileChange)
	require.Len(t, changeEvents, 1)
	notified := env.notifier.count()

	dev, err := env.repo.GetDevice(context.Background(), env.dev.ID)
	require.NoError(t, err)
	res, err := env.rec.AckControlledFiles(context.Background(), dev, "ops-zhang", "checked on site")
	require.NoError(t, err)
	assert.Equal(t, changeEvents[0].ID, res.AckedEventID)
	assert.Equal(t, state.FilesChanged, res.OldState)
	assert.Equal(t, state.OK, res.NewState)

	acks := env.repo.EventsOfType(models.EventControlledFileAck)
	require.Len(t, acks, 1)
	assert.Contains(t, string(acks[0].Payload), "acked_event_id")
	assert.Contains(t, string(acks[0].Payload), "ops-zhang")
	assert.Contains(t, string(acks[0].Payload), "checked on site")

	dev, err = env.repo.GetDevice(context.Background(), env.dev.ID)
	require.NoError(t, err)
	assert.Equal(t, state.OK, dev.LastState)
	// files_changed -> ok 的状态变更外发了通知
	assert.Equal(t, notified+1, env.notifier.count())

	// 没有新的未确认变更时重复确认被拒绝
	_, err = env.rec.AckControlledFiles(context.Background(), dev, "", "")
	assert.ErrorIs(t, err, ErrNoUnackedChange)
}

// 确认不掩盖基线不符：重算后仍是 mismatch
func TestAckDoesNotForceOK(t *testing.T) {
	env := newTestEnv(t)
	env.setBaseline(t, "9.9.9", nil)
	require.NoError(t, env.repo.UpsertControlledFileRule(context.Background(), &models.ControlledFileRule{
		ClusterID: env.dev.ClusterID, Supplier: env.dev.Supplier, DeviceType: env.dev.DeviceType,
		Paths: []byte(`["/etc/*"]`), Mode: "auto", MaxBytes: 8192,
	}))

	env.poller.res = successResult(t, docBody("1.8.2", "["+fileEntry("/etc/app.conf", "h1", "a=1\n")+"]"))
	env.poll(t)
	env.poller.res = successResult(t, docBody("1.8.2", "["+fileEntry("/etc/app.conf", "h2", "a=2\n")+"]"))
	// 基线不符时文件变更事件照常落库，但状态仍是 mismatch
	assert.Equal(t, state.Mismatch, env.poll(t).NewState)
	require.Len(t, env.repo.EventsOfType(models.EventControlledFileChange), 1)

	dev, err := env.repo.GetDevice(context.Background(), env.dev.ID)
	require.NoError(t, err)
	res, err := env.rec.AckControlledFiles(context.Background(), dev, "", "")
	require.NoError(t, err)
	assert.Equal(t, state.Mismatch, res.NewState)
}
