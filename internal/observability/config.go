// Package observability provides OpenTelemetry-based tracing and metrics,
// structured logging, and the diagnostics HTTP endpoints for the merge
// daemon.
package observability

import "log/slog"

const (
	// defaultServiceName is the default OTel resource service name.
	defaultServiceName = "ssmerge"

	// defaultShutdownTimeoutSec is the default telemetry flush timeout in
	// seconds.
	defaultShutdownTimeoutSec = 5
)

// Config holds all observability configuration.
type Config struct {
	// ServiceName is the OTel resource service name.
	ServiceName string

	// ServiceVersion is the semantic version of the running binary.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC collector address (e.g.
	// "localhost:4317"). Empty disables trace export; the tracer becomes
	// no-op. Metrics always flow to the Prometheus handler.
	OTLPEndpoint string

	// OTLPInsecure disables TLS for the OTLP gRPC connection.
	OTLPInsecure bool

	// LogLevel controls the minimum slog severity.
	LogLevel slog.Level

	// LogJSON enables JSON-formatted log output.
	LogJSON bool

	// LogFile enables a rotating file sink alongside stderr when set.
	LogFile string

	// LogFileMaxSizeMB bounds each rotated log file.
	LogFileMaxSizeMB int

	// LogFileMaxAgeDays bounds rotated file retention.
	LogFileMaxAgeDays int

	// ShutdownTimeoutSec is the maximum seconds to wait for telemetry
	// flush on shutdown.
	ShutdownTimeoutSec int
}

// DefaultConfig returns a Config with sensible defaults for zero-config
// startup.
func DefaultConfig() Config {
	return Config{
		ServiceName:        defaultServiceName,
		LogLevel:           slog.LevelInfo,
		ShutdownTimeoutSec: defaultShutdownTimeoutSec,
	}
}
