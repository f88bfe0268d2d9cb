package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 自定义业务指标
type AppMetrics struct {
	PollTotal          *prometheus.CounterVec // labels: result=ok|unreachable|timeout|http_error|protocol_error
	PollDuration       prometheus.Histogram
	DeviceStateGauge   *prometheus.GaugeVec   // labels: state
	StateTransitions   *prometheus.CounterVec // labels: from,to
	FileChangesTotal   prometheus.Counter     // controlled_files_change 事件计数
	EventsTotal        *prometheus.CounterVec // labels: type
	WebhookPushTotal   *prometheus.CounterVec // labels: result=ok|error
	EventQueueDepth    prometheus.Gauge
	EventDLQDepth      prometheus.Gauge
	DiscoveryProbes    prometheus.Counter
	DiscoveryResponses prometheus.Counter
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		PollTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dvp_poll_total",
			Help: "Device polls by outcome.",
		}, []string{"result"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dvp_poll_duration_seconds",
			Help:    "Wall time of a single device poll.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3},
		}),
		DeviceStateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "device_state_count",
			Help: "Number of devices currently in each state.",
		}, []string{"state"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_state_transitions_total",
			Help: "Device state transitions.",
		}, []string{"from", "to"}),
		FileChangesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "controlled_file_changes_total",
			Help: "Controlled file change events recorded.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_total",
			Help: "Events appended by type.",
		}, []string{"type"}),
		WebhookPushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_push_total",
			Help: "Webhook notification attempts by outcome.",
		}, []string{"result"}),
		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notify_event_queue_depth",
			Help: "Pending notification events in the redis queue.",
		}),
		EventDLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notify_event_dlq_depth",
			Help: "Notification events parked in the dead letter queue.",
		}),
		DiscoveryProbes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_probe_total",
			Help: "Discovery probe attempts.",
		}),
		DiscoveryResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_response_total",
			Help: "Discovery probes answered by a DVP endpoint.",
		}),
	}
	reg.MustRegister(
		m.PollTotal, m.PollDuration, m.DeviceStateGauge, m.StateTransitions,
		m.FileChangesTotal, m.EventsTotal, m.WebhookPushTotal,
		m.EventQueueDepth, m.EventDLQDepth, m.DiscoveryProbes, m.DiscoveryResponses,
	)
	return m
}
