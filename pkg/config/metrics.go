package config

import (
	"github.com/drivegate/drivegate/pkg/metrics"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Gateway is the metrics collector for protocol front-ends (never nil,
	// uses noop if disabled)
	Gateway metrics.GatewayMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for the front-ends
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
//
// Parameters:
//   - cfg: The complete DriveGate configuration
//
// Returns:
//   - MetricsResult containing all metrics components
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		// Metrics disabled - NewGatewayMetrics returns the no-op
		// implementation while the registry is uninitialized
		return &MetricsResult{
			Server:  nil,
			Gateway: metrics.NewGatewayMetrics(),
		}
	}

	// Initialize global Prometheus registry
	metrics.InitRegistry()

	// Create metrics HTTP server
	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Server.Metrics.Port,
	})

	// Create Prometheus-backed metrics for the protocol front-ends
	gateway := metrics.NewGatewayMetrics()

	return &MetricsResult{
		Server:  server,
		Gateway: gateway,
	}
}
