package app

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taoyao-code/version-manager/internal/dvp"
	"github.com/taoyao-code/version-manager/internal/metrics"
	"github.com/taoyao-code/version-manager/internal/storage"
	"github.com/taoyao-code/version-manager/internal/storage/models"
)

// DiscoverRequest 网段发现请求。CIDR 与 Hosts 二选一或并用。
type DiscoverRequest struct {
	ClusterID int64    `json:"cluster_id" binding:"required"`
	CIDR      string   `json:"cidr"`
	Hosts     []string `json:"hosts"`
	Port      int      `json:"port" binding:"required"`
	Scheme    string   `json:"scheme"`
	Path      string   `json:"path"`
}

// DiscoveredDevice 发现的单台设备
type DiscoveredDevice struct {
	DeviceID    int64  `json:"device_id"`
	Serial      string `json:"device_serial"`
	IP          string `json:"ip"`
	MainVersion string `json:"main_version"`
	Created     bool   `json:"created"`
}

// DiscoverResult 发现批次结果
type DiscoverResult struct {
	Probed     int                `json:"probed"`
	Responders int                `json:"responders"`
	Devices    []DiscoveredDevice `json:"devices"`
}

// Discoverer 网段扫描发现：对候选地址逐个做一次协议探测，
// 令牌桶限速避免压垮车间网络，应答者按序列号入库并落初始快照。
type Discoverer struct {
	repo       storage.CoreRepo
	client     Poller
	reconciler *Reconciler
	limiter    *rate.Limiter
	logger     *zap.Logger
	appM       *metrics.AppMetrics

	maxHosts int
	timeout  time.Duration
}

// NewDiscoverer 创建发现服务
func NewDiscoverer(repo storage.CoreRepo, client Poller, reconciler *Reconciler,
	maxHosts, ratePerSec int, timeout time.Duration, logger *zap.Logger, appM *metrics.AppMetrics) *Discoverer {
	if maxHosts <= 0 {
		maxHosts = 1024
	}
	if ratePerSec <= 0 {
		ratePerSec = 64
	}
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}
	return &Discoverer{
		repo:       repo,
		client:     client,
		reconciler: reconciler,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		logger:     logger,
		appM:       appM,
		maxHosts:   maxHosts,
		timeout:    timeout,
	}
}

// Discover 执行一次扫描。候选超出上限时截断并记日志。
func (d *Discoverer) Discover(ctx context.Context, req DiscoverRequest) (*DiscoverResult, error) {
	if _, err := d.repo.GetCluster(ctx, req.ClusterID); err != nil {
		return nil, fmt.Errorf("cluster %d: %w", req.ClusterID, err)
	}
	hosts, err := expandHosts(req.CIDR, req.Hosts)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no hosts to probe")
	}
	if len(hosts) > d.maxHosts {
		d.logger.Warn("发现候选超出上限，截断",
			zap.Int("candidates", len(hosts)),
			zap.Int("max_hosts", d.maxHosts))
		hosts = hosts[:d.maxHosts]
	}

	result := &DiscoverResult{}
	for _, ip := range hosts {
		if err := d.limiter.Wait(ctx); err != nil {
			return result, err
		}
		result.Probed++
		if d.appM != nil {
			d.appM.DiscoveryProbes.Inc()
		}

		probeCtx, cancel := context.WithTimeout(ctx, d.timeout)
		res := d.client.Poll(probeCtx, dvp.Target{
			Scheme: req.Scheme, IP: ip, Port: req.Port, Path: req.Path,
		})
		cancel()
		if !res.Success {
			continue
		}
		result.Responders++
		if d.appM != nil {
			d.appM.DiscoveryResponses.Inc()
		}

		dd, err := d.adopt(ctx, req, ip, res.Doc)
		if err != nil {
			d.logger.Error("发现设备入库失败",
				zap.String("ip", ip),
				zap.Error(err))
			continue
		}
		result.Devices = append(result.Devices, *dd)
	}
	return result, nil
}

// adopt 把应答者登记为设备并落初始快照
func (d *Discoverer) adopt(ctx context.Context, req DiscoverRequest, ip string, doc *dvp.Document) (*DiscoveredDevice, error) {
	serial := doc.Device.Serial
	if serial == "" {
		// 设备未上报序列号时以地址兜底，保证唯一键可用
		serial = fmt.Sprintf("%s:%d", ip, req.Port)
	}
	existing, _ := d.repo.GetDeviceBySerial(ctx, serial)

	scheme := req.Scheme
	if scheme == "" {
		scheme = "http"
	}
	dev, err := d.repo.UpsertDeviceBySerial(ctx, &models.Device{
		ClusterID:    req.ClusterID,
		DeviceSerial: serial,
		Supplier:     doc.Device.Supplier,
		DeviceType:   doc.Device.DeviceType,
		LineNo:       doc.Device.LineNo,
		IP:           ip,
		Port:         req.Port,
		Protocol:     scheme,
		Path:         req.Path,
		AuthType:     dvp.AuthNone,
		Enabled:      true,
	})
	if err != nil {
		return nil, err
	}

	// 初始快照走标准轮询流水线，保证事件与状态一致
	outcome, err := d.reconciler.PollDevice(ctx, dev)
	if err != nil {
		return nil, err
	}
	return &DiscoveredDevice{
		DeviceID:    dev.ID,
		Serial:      serial,
		IP:          ip,
		MainVersion: outcome.MainVersion,
		Created:     existing == nil,
	}, nil
}

// expandHosts 展开 CIDR 与显式地址列表。IPv4 /30 以下网段剔除网络地址与广播地址。
func expandHosts(cidr string, hosts []string) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	add := func(ip string) {
		if _, ok := seen[ip]; !ok {
			seen[ip] = struct{}{}
			out = append(out, ip)
		}
	}

	for _, h := range hosts {
		if net.ParseIP(h) == nil {
			return nil, fmt.Errorf("invalid host %q", h)
		}
		add(h)
	}
	if cidr != "" {
		ip, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid cidr %q: %w", cidr, err)
		}
		ones, bits := ipnet.Mask.Size()
		network := ip.Mask(ipnet.Mask)
		// IPv4 常规网段的首尾地址不可用，广播地址按掩码算出
		var skipNetwork, skipBroadcast string
		if bits == 32 && ones < 31 {
			broadcast := cloneIP(network)
			for i := range broadcast {
				broadcast[i] |= ^ipnet.Mask[i]
			}
			skipNetwork, skipBroadcast = network.String(), broadcast.String()
		}
		// 展开硬上限，防止误填大网段耗尽内存
		const expandCap = 65536
		for c := cloneIP(network); ipnet.Contains(c) && len(out) < expandCap; incIP(c) {
			s := c.String()
			if s == skipNetwork || s == skipBroadcast {
				continue
			}
			add(s)
		}
	}
	return out, nil
}

func cloneIP(ip net.IP) net.IP {
	c := make(net.IP, len(ip))
	copy(c, ip)
	return c
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}
