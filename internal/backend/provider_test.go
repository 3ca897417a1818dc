package backend_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/datasource-federation-server/internal/backend"
	"github.com/stacklok/datasource-federation-server/internal/backend/mocks"
	"github.com/stacklok/datasource-federation-server/internal/config"
)

func TestStaticProvider_BackendFor(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	def := mocks.NewMockBackend(ctrl)
	payments := mocks.NewMockBackend(ctrl)
	paymentsEU := mocks.NewMockBackend(ctrl)
	exact := mocks.NewMockBackend(ctrl)
	logs := mocks.NewMockBackend(ctrl)

	p, err := backend.NewStaticProvider(def, map[string]backend.Backend{
		"payments-*":    payments,
		"payments-eu-*": paymentsEU,
		"audit":         exact,
		"logs.*":        logs,
	})
	require.NoError(t, err)

	tests := []struct {
		index string
		want  backend.Backend
	}{
		{index: "audit", want: exact},
		{index: "payments-eu-2026", want: paymentsEU},
		{index: "payments-us-2026", want: payments},
		{index: "payments-*", want: payments},
		{index: "logs.app.2026", want: logs},
		{index: "network", want: def},
	}
	for _, tt := range tests {
		got, err := p.BackendFor(tt.index)
		require.NoError(t, err, tt.index)
		assert.Same(t, tt.want, got, tt.index)
	}
}

func TestStaticProvider_NoDefault(t *testing.T) {
	t.Parallel()

	p, err := backend.NewStaticProvider(nil, nil)
	require.NoError(t, err)
	_, err = p.BackendFor("network")
	assert.ErrorIs(t, err, backend.ErrNoBackend)
}

func TestStaticProvider_InvalidPattern(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	_, err := backend.NewStaticProvider(nil, map[string]backend.Backend{
		"payments-[": mocks.NewMockBackend(ctrl),
	})
	assert.ErrorContains(t, err, "invalid index pattern")
}

func TestNewProviderFromConfig(t *testing.T) {
	t.Parallel()

	p, err := backend.NewProviderFromConfig(&config.BackendsConfig{
		Default: &config.BackendEndpoint{URL: "http://search:9200"},
		Indexes: map[string]config.BackendEndpoint{
			"payments-*": {URL: "https://payments:9200", Username: "reader"},
		},
	})
	require.NoError(t, err)

	b, err := p.BackendFor("payments-2026")
	require.NoError(t, err)
	assert.IsType(t, &backend.Elasticsearch{}, b)

	_, err = backend.NewProviderFromConfig(&config.BackendsConfig{
		Default: &config.BackendEndpoint{URL: "ftp://search"},
	})
	assert.Error(t, err)

	empty, err := backend.NewProviderFromConfig(nil)
	require.NoError(t, err)
	_, err = empty.BackendFor("x")
	assert.ErrorIs(t, err, backend.ErrNoBackend)
}
