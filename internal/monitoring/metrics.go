package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 会话指标
	SessionsCreated prometheus.Counter

	// 监听指标
	WatchersActive    prometheus.Gauge
	SubscribersActive prometheus.Gauge

	// 推送指标
	NotificationsDelivered prometheus.Counter
	WebsocketClients       prometheus.Gauge

	// 上游指标
	UpstreamRequestsTotal   *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec
	UpstreamErrorsTotal     prometheus.Counter

	// 错误指标
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		// HTTP 请求指标
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_relay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tempmail_relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		// 会话指标
		SessionsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_relay_sessions_created_total",
				Help: "Total number of mailbox sessions created",
			},
		),

		// 监听指标
		WatchersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tempmail_relay_watchers_active",
				Help: "Number of running mailbox watchers",
			},
		),

		SubscribersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tempmail_relay_subscribers_active",
				Help: "Number of active mailbox subscriptions",
			},
		),

		// 推送指标
		NotificationsDelivered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_relay_notifications_delivered_total",
				Help: "Total number of mail notifications delivered to subscribers",
			},
		),

		WebsocketClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tempmail_relay_websocket_clients",
				Help: "Number of connected WebSocket clients",
			},
		),

		// 上游指标
		UpstreamRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_relay_upstream_requests_total",
				Help: "Total number of upstream API requests",
			},
			[]string{"operation", "status_code"},
		),

		UpstreamRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tempmail_relay_upstream_request_duration_seconds",
				Help:    "Upstream API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		UpstreamErrorsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_relay_upstream_errors_total",
				Help: "Total number of failed upstream API requests",
			},
		),

		// 错误指标
		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_relay_panics_total",
				Help: "Total number of recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSessionCreated 记录会话创建
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// SetWatchersActive 更新运行中的监听数
func (m *Metrics) SetWatchersActive(count int) {
	m.WatchersActive.Set(float64(count))
}

// SetSubscribersActive 更新活跃订阅数
func (m *Metrics) SetSubscribersActive(count int) {
	m.SubscribersActive.Set(float64(count))
}

// RecordNotifications 记录一封新邮件产生的投递次数
func (m *Metrics) RecordNotifications(count int) {
	m.NotificationsDelivered.Add(float64(count))
}

// SetWebsocketClients 更新在线 WebSocket 客户端数
func (m *Metrics) SetWebsocketClients(count int) {
	m.WebsocketClients.Set(float64(count))
}

// RecordUpstreamRequest 记录上游 API 调用
func (m *Metrics) RecordUpstreamRequest(operation, statusCode string, duration time.Duration) {
	m.UpstreamRequestsTotal.WithLabelValues(operation, statusCode).Inc()
	m.UpstreamRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordUpstreamError 记录上游调用失败
func (m *Metrics) RecordUpstreamError() {
	m.UpstreamErrorsTotal.Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
