package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/version-manager/internal/dvp"
)

func TestExpandHosts(t *testing.T) {
	// /30 剔除网络地址与广播地址
	hosts, err := expandHosts("192.168.1.0/30", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.1", "192.168.1.2"}, hosts)

	// /31 点对点网段两个地址都可用
	hosts, err = expandHosts("192.168.1.0/31", nil)
	require.NoError(t, err)
	assert.Len(t, hosts, 2)

	// 显式列表 + 去重
	hosts, err = expandHosts("", []string{"10.0.0.1", "10.0.0.1", "10.0.0.2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, hosts)

	// 显式列表与网段混用时按掩码剔除首尾地址，可用地址不受列表影响
	hosts, err = expandHosts("192.168.1.0/30", []string{"10.0.0.9"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.9", "192.168.1.1", "192.168.1.2"}, hosts)

	// 显式列出的广播地址不因网段展开被剔除
	hosts, err = expandHosts("192.168.1.0/30", []string{"192.168.1.3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.3", "192.168.1.1", "192.168.1.2"}, hosts)

	_, err = expandHosts("", []string{"not-an-ip"})
	assert.Error(t, err)

	_, err = expandHosts("bad/cidr", nil)
	assert.Error(t, err)
}

func TestDiscoverAdoptsResponder(t *testing.T) {
	env := newTestEnv(t)
	body := `{"protocol":"dvp","protocol_version":1,
		"device":{"serial":"SN-NEW","supplier":"acme","device_type":"plc","line_no":"L3"},
		"versions":{"main":"3.1.0"}}`
	env.poller.res = successResult(t, body)

	d := NewDiscoverer(env.repo, env.poller, env.rec, 16, 1000, 100*time.Millisecond, zap.NewNop(), nil)
	res, err := d.Discover(context.Background(), DiscoverRequest{
		ClusterID: env.dev.ClusterID,
		Hosts:     []string{"10.0.9.9"},
		Port:      8080,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Probed)
	assert.Equal(t, 1, res.Responders)
	require.Len(t, res.Devices, 1)
	assert.True(t, res.Devices[0].Created)
	assert.Equal(t, "SN-NEW", res.Devices[0].Serial)
	assert.Equal(t, "3.1.0", res.Devices[0].MainVersion)

	// 上报字段推断入库，初始快照已落
	dev, err := env.repo.GetDeviceBySerial(context.Background(), "SN-NEW")
	require.NoError(t, err)
	assert.Equal(t, "acme", dev.Supplier)
	assert.Equal(t, "L3", dev.LineNo)
	snap, _ := env.repo.GetLatestSnapshot(context.Background(), dev.ID)
	require.NotNil(t, snap)
	assert.True(t, snap.Success)
}

func TestDiscoverNoResponders(t *testing.T) {
	env := newTestEnv(t)
	env.poller.res = dvp.Result{Success: false, ErrClass: dvp.ErrUnreachable}

	d := NewDiscoverer(env.repo, env.poller, env.rec, 16, 1000, 100*time.Millisecond, zap.NewNop(), nil)
	res, err := d.Discover(context.Background(), DiscoverRequest{
		ClusterID: env.dev.ClusterID,
		Hosts:     []string{"10.0.9.1", "10.0.9.2"},
		Port:      8080,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Probed)
	assert.Equal(t, 0, res.Responders)
	assert.Empty(t, res.Devices)
}

func TestDiscoverUnknownCluster(t *testing.T) {
	env := newTestEnv(t)
	d := NewDiscoverer(env.repo, env.poller, env.rec, 16, 1000, 100*time.Millisecond, zap.NewNop(), nil)
	_, err := d.Discover(context.Background(), DiscoverRequest{
		ClusterID: 404, Hosts: []string{"10.0.9.1"}, Port: 8080,
	})
	assert.Error(t, err)
}
