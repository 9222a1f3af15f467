// ABOUTME: Prometheus metrics for the session gateway
// ABOUTME: Registered on a caller-supplied registry so tests stay isolated

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "dispatch"

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	UpgradesTotal    *prometheus.CounterVec
	FramesTotal      *prometheus.CounterVec
	QueueDrops       prometheus.Counter
	KeepaliveTimeout prometheus.Counter
	KeyRefreshes     *prometheus.CounterVec
	AuditFailures    prometheus.Counter
	AuditRecorded    *prometheus.CounterVec
	StaleSessions    prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		SessionsActive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_active",
				Help:      "Number of open websocket sessions",
			},
		),
		UpgradesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "upgrades_total",
				Help:      "Websocket upgrade attempts by result",
			},
			[]string{"result"}, // result=ok/unauthorized/forbidden/error
		),
		FramesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "frames_total",
				Help:      "Application frames routed, by direction and type",
			},
			[]string{"direction", "type"},
		),
		QueueDrops: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "send_queue_drops_total",
				Help:      "Outbound frames dropped because a session queue was full",
			},
		),
		KeepaliveTimeout: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "keepalive_timeouts_total",
				Help:      "Sessions closed because no pong arrived in time",
			},
		),
		KeyRefreshes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "key_refresh_total",
				Help:      "Signing key fetches by result",
			},
			[]string{"result"},
		),
		AuditFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "audit_failures_total",
				Help:      "Action log writes that failed",
			},
		),
		AuditRecorded: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "audit_records_total",
				Help:      "Action log entries written, by action type",
			},
			[]string{"action"},
		),
		StaleSessions: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stale_sessions_removed_total",
				Help:      "Session rows removed by the janitor",
			},
		),
	}
}

// observeKeyRefresh is installed as the key cache's OnRefresh hook.
func (m *Metrics) observeKeyRefresh(err error) {
	if err != nil {
		m.KeyRefreshes.WithLabelValues("error").Inc()
		return
	}
	m.KeyRefreshes.WithLabelValues("ok").Inc()
}
