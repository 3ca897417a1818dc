// Package telemetry provides OpenTelemetry instrumentation for the federation server.
// Traces are pushed over OTLP HTTP. Metrics are pushed over OTLP HTTP, pulled
// from a Prometheus endpoint, or both.
package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/datasource-federation-server/internal/versions"
)

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "federation-api"

	// DefaultEndpoint is the OTLP collector used when none is configured
	DefaultEndpoint = "localhost:4318"

	// DefaultSampling is the trace sampling ratio used when none is configured
	DefaultSampling = 0.05

	// DefaultMetricsInterval is the default OTLP push interval
	DefaultMetricsInterval = 60 * time.Second
)

// Config is the telemetry section of the server configuration
type Config struct {
	// Enabled switches every telemetry provider on or off
	Enabled bool `yaml:"enabled"`

	// ServiceName defaults to "federation-api"
	ServiceName string `yaml:"serviceName,omitempty"`

	// ServiceVersion defaults to the build version
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// Endpoint is the OTLP HTTP collector as "host:port"
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure sends OTLP over plain HTTP
	Insecure bool `yaml:"insecure,omitempty"`

	Tracing *TracingConfig `yaml:"tracing,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig configures span export
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Sampling is the ratio of root traces kept, in (0, 1]. Zero selects DefaultSampling.
	Sampling float64 `yaml:"sampling,omitempty"`
}

// MetricsConfig configures metric export
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Prometheus exposes the metrics on /metrics. Without an explicit
	// telemetry endpoint, OTLP push is then skipped.
	Prometheus bool `yaml:"prometheus,omitempty"`

	// Interval is the OTLP push interval, e.g. "30s"
	Interval string `yaml:"interval,omitempty"`
}

// GetServiceName returns the configured or default service name
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns the configured version or the build version
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return versions.Get().Version
	}
	return c.ServiceVersion
}

// GetEndpoint returns the configured or default OTLP endpoint
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// tracingEnabled reports whether spans are exported
func (c *Config) tracingEnabled() bool {
	return c.Enabled && c.Tracing != nil && c.Tracing.Enabled
}

// metricsEnabled reports whether any metric reader is installed
func (c *Config) metricsEnabled() bool {
	return c.Enabled && c.Metrics != nil && c.Metrics.Enabled
}

// pushMetrics reports whether metrics are pushed to the OTLP endpoint
func (c *Config) pushMetrics() bool {
	return c.metricsEnabled() && (!c.Metrics.Prometheus || c.Endpoint != "")
}

// GetSampling returns the sampling ratio. Zero cannot be told apart from
// unset in YAML and selects DefaultSampling.
func (c *TracingConfig) GetSampling() float64 {
	if c.Sampling == 0 {
		return DefaultSampling
	}
	return c.Sampling
}

// GetInterval returns the push interval, using the default if unset or invalid
func (c *MetricsConfig) GetInterval() time.Duration {
	if c == nil || c.Interval == "" {
		return DefaultMetricsInterval
	}
	d, err := time.ParseDuration(c.Interval)
	if err != nil || d <= 0 {
		return DefaultMetricsInterval
	}
	return d
}

// Validate checks the telemetry configuration. A nil or disabled config is valid.
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	var errs []error
	if t := c.Tracing; t != nil && t.Enabled && (t.Sampling < 0 || t.Sampling > 1) {
		errs = append(errs, fmt.Errorf("tracing: sampling must be between 0.0 and 1.0, got %f", t.Sampling))
	}
	if m := c.Metrics; m != nil && m.Enabled && m.Interval != "" {
		d, err := time.ParseDuration(m.Interval)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("metrics: interval must be a valid duration: %w", err))
		case d <= 0:
			errs = append(errs, fmt.Errorf("metrics: interval must be positive, got %s", m.Interval))
		}
	}
	return errors.Join(errs...)
}
