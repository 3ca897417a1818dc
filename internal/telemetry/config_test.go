package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok/datasource-federation-server/internal/versions"
)

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  *Config
		wantErr string
	}{
		{name: "nil config", config: nil},
		{name: "disabled config skips validation", config: &Config{Tracing: &TracingConfig{Enabled: true, Sampling: 7}}},
		{
			name:   "valid config",
			config: &Config{Enabled: true, Tracing: &TracingConfig{Enabled: true, Sampling: 0.5}, Metrics: &MetricsConfig{Enabled: true, Prometheus: true, Interval: "15s"}},
		},
		{
			name:    "sampling out of range",
			config:  &Config{Enabled: true, Tracing: &TracingConfig{Enabled: true, Sampling: 1.5}},
			wantErr: "tracing: sampling must be between 0.0 and 1.0",
		},
		{
			name:    "invalid metrics interval",
			config:  &Config{Enabled: true, Metrics: &MetricsConfig{Enabled: true, Interval: "often"}},
			wantErr: "metrics: interval must be a valid duration",
		},
		{
			name:    "negative metrics interval",
			config:  &Config{Enabled: true, Metrics: &MetricsConfig{Enabled: true, Interval: "-1s"}},
			wantErr: "metrics: interval must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	assert.Equal(t, DefaultServiceName, cfg.GetServiceName())
	assert.Equal(t, versions.Get().Version, cfg.GetServiceVersion())
	assert.Equal(t, DefaultEndpoint, cfg.GetEndpoint())
	assert.Equal(t, DefaultSampling, (&TracingConfig{}).GetSampling())
	assert.Equal(t, DefaultMetricsInterval, (*MetricsConfig)(nil).GetInterval())
	assert.Equal(t, 15*time.Second, (&MetricsConfig{Interval: "15s"}).GetInterval())
}
