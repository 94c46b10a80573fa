package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatewayMetrics provides observability for protocol front-ends and the
// registry.
//
// The interface is optional: components accept nil and fall back to a no-op
// implementation with zero overhead.
type GatewayMetrics interface {
	// RecordOperation records one completed file operation.
	//
	// Parameters:
	//   - protocol: front-end kind ("webdav", "ftp", "sftp", "http")
	//   - operation: operation class ("read", "write", "delete", "rename", "list", "stat", "mkdir")
	//   - duration: time taken end to end
	//   - err: nil on success
	RecordOperation(protocol, operation string, duration time.Duration, err error)

	// RecordBytesTransferred records payload bytes moved through a front-end.
	// direction is "download" or "upload".
	RecordBytesTransferred(protocol, direction string, bytes int64)

	// RecordAuthentication records a protocol login attempt.
	RecordAuthentication(protocol string, success bool)

	// ConnectionOpened and ConnectionClosed track the live connection gauge
	// per front-end.
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)

	// SetRunningServers updates the gauge of server definitions currently
	// running.
	SetRunningServers(count int)
}

type gatewayMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
	authTotal         *prometheus.CounterVec
	activeConnections *prometheus.GaugeVec
	runningServers    prometheus.Gauge
}

// NewGatewayMetrics creates a Prometheus-backed GatewayMetrics, or a no-op
// implementation when InitRegistry has not been called.
func NewGatewayMetrics() GatewayMetrics {
	if !IsEnabled() {
		return noopGatewayMetrics{}
	}

	reg := GetRegistry()

	return &gatewayMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "drivegate_operations_total",
				Help: "Total file operations by protocol, operation, and status",
			},
			[]string{"protocol", "operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "drivegate_operation_duration_seconds",
				Help: "Duration of file operations in seconds",
				Buckets: []float64{
					0.005, // 5ms
					0.025, // 25ms
					0.1,   // 100ms
					0.25,  // 250ms
					0.5,   // 500ms
					1.0,   // 1s
					2.5,   // 2.5s
					5.0,   // 5s
					15.0,  // 15s
					60.0,  // 1m, large transfers
				},
			},
			[]string{"protocol", "operation"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "drivegate_bytes_transferred_total",
				Help: "Total payload bytes moved through front-ends",
			},
			[]string{"protocol", "direction"},
		),
		authTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "drivegate_authentications_total",
				Help: "Protocol login attempts by outcome",
			},
			[]string{"protocol", "status"},
		),
		activeConnections: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "drivegate_active_connections",
				Help: "Current number of active protocol connections",
			},
			[]string{"protocol"},
		),
		runningServers: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "drivegate_running_servers",
				Help: "Server definitions currently in the running state",
			},
		),
	}
}

func (m *gatewayMetrics) RecordOperation(protocol, operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(protocol, operation, status).Inc()
	m.operationDuration.WithLabelValues(protocol, operation).Observe(duration.Seconds())
}

func (m *gatewayMetrics) RecordBytesTransferred(protocol, direction string, bytes int64) {
	m.bytesTransferred.WithLabelValues(protocol, direction).Add(float64(bytes))
}

func (m *gatewayMetrics) RecordAuthentication(protocol string, success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	m.authTotal.WithLabelValues(protocol, status).Inc()
}

func (m *gatewayMetrics) ConnectionOpened(protocol string) {
	m.activeConnections.WithLabelValues(protocol).Inc()
}

func (m *gatewayMetrics) ConnectionClosed(protocol string) {
	m.activeConnections.WithLabelValues(protocol).Dec()
}

func (m *gatewayMetrics) SetRunningServers(count int) {
	m.runningServers.Set(float64(count))
}

// noopGatewayMetrics is used when metrics are disabled.
type noopGatewayMetrics struct{}

func (noopGatewayMetrics) RecordOperation(protocol, operation string, duration time.Duration, err error) {
}
func (noopGatewayMetrics) RecordBytesTransferred(protocol, direction string, bytes int64) {}
func (noopGatewayMetrics) RecordAuthentication(protocol string, success bool)             {}
func (noopGatewayMetrics) ConnectionOpened(protocol string)                               {}
func (noopGatewayMetrics) ConnectionClosed(protocol string)                               {}
func (noopGatewayMetrics) SetRunningServers(count int)                                    {}
