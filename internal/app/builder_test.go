package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/datasource-federation-server/internal/app/storage/mocks"
	backendmocks "github.com/stacklok/datasource-federation-server/internal/backend/mocks"
	"github.com/stacklok/datasource-federation-server/internal/config"
	"github.com/stacklok/datasource-federation-server/internal/history"
	storemocks "github.com/stacklok/datasource-federation-server/internal/store/mocks"
)

func createValidTestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Storage: &config.StorageConfig{
			Type: config.StorageTypeFile,
			File: &config.FileStorageConfig{BaseDir: t.TempDir()},
		},
	}
}

func TestBaseConfig_Defaults(t *testing.T) {
	t.Parallel()

	built, err := baseConfig(WithConfig(createValidTestConfig(t)))
	require.NoError(t, err)
	assert.Equal(t, defaultHTTPAddress, built.address)
	assert.Equal(t, defaultRequestTimeout, built.requestTimeout)
	assert.Equal(t, defaultWriteTimeout, built.writeTimeout)
}

func TestBaseConfig_NilConfig(t *testing.T) {
	t.Parallel()

	built, err := baseConfig(WithAddress(":9090"))
	require.Error(t, err)
	assert.Nil(t, built)
}

func TestBaseConfig_RequestTimeoutCoversSourceTimeout(t *testing.T) {
	t.Parallel()

	cfg := createValidTestConfig(t)
	cfg.Federation = &config.FederationConfig{SourceTimeout: "40s"}

	built, err := baseConfig(WithConfig(cfg), WithRequestTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, built.requestTimeout)
	assert.Equal(t, 50*time.Second, built.writeTimeout)
}

func TestWithAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		address string
		want    string
		wantErr bool
	}{
		{name: "valid address", address: ":9999", want: ":9999"},
		{name: "valid address with host", address: "127.0.0.1:9999", want: "127.0.0.1:9999"},
		{name: "valid address with host and port", address: "localhost:9999", want: "localhost:9999"},
		{name: "invalid empty address", address: "", wantErr: true},
		{name: "invalid empty port", address: ":", wantErr: true},
		{name: "invalid missing port", address: "localhost", wantErr: true},
		{name: "invalid address with host and port", address: "localhost:999999", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &federationAppConfig{}
			err := WithAddress(tt.address)(cfg)

			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.address)
		})
	}
}

func TestWithRequestTimeout(t *testing.T) {
	t.Parallel()

	cfg := &federationAppConfig{}
	require.Error(t, WithRequestTimeout(0)(cfg))
	require.NoError(t, WithRequestTimeout(time.Minute)(cfg))
	assert.Equal(t, time.Minute, cfg.requestTimeout)
}

func TestWithMiddlewares(t *testing.T) {
	t.Parallel()

	mw := func(next http.Handler) http.Handler { return next }
	cfg := &federationAppConfig{}
	require.NoError(t, WithMiddlewares(mw, mw)(cfg))
	assert.Len(t, cfg.middlewares, 2)
}

func TestNewFederationApp_StorageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(f *mocks.MockFactory, ctrl *gomock.Controller)
		wantErr string
	}{
		{
			name: "store creation fails",
			setup: func(f *mocks.MockFactory, _ *gomock.Controller) {
				f.EXPECT().CreateStore(gomock.Any()).Return(nil, errors.New("disk full"))
			},
			wantErr: "failed to create store: disk full",
		},
		{
			name: "recorder creation fails",
			setup: func(f *mocks.MockFactory, ctrl *gomock.Controller) {
				st := storemocks.NewMockStore(ctrl)
				st.EXPECT().Close().Return(nil)
				f.EXPECT().CreateStore(gomock.Any()).Return(st, nil)
				f.EXPECT().CreateRecorder(gomock.Any()).Return(nil, errors.New("no database"))
			},
			wantErr: "failed to create history recorder: no database",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			f := mocks.NewMockFactory(ctrl)
			tt.setup(f, ctrl)
			f.EXPECT().Cleanup()

			app, err := NewFederationApp(context.Background(),
				WithConfig(createValidTestConfig(t)),
				WithStorageFactory(f),
			)
			require.Error(t, err)
			assert.Nil(t, app)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewFederationApp_WiresComponents(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	st := storemocks.NewMockStore(ctrl)
	st.EXPECT().Watch(gomock.Any())

	f := mocks.NewMockFactory(ctrl)
	f.EXPECT().CreateStore(gomock.Any()).Return(st, nil)
	f.EXPECT().CreateRecorder(gomock.Any()).Return(history.NewMemoryRecorder(10), nil)

	app, err := NewFederationApp(context.Background(),
		WithConfig(createValidTestConfig(t)),
		WithStorageFactory(f),
		WithBackendProvider(backendmocks.NewMockProvider(ctrl)),
		WithAddress("127.0.0.1:0"),
	)
	require.NoError(t, err)

	c := app.GetComponents()
	assert.Same(t, st, c.Store)
	assert.NotNil(t, c.Registry)
	assert.NotNil(t, c.Engine)
	assert.NotNil(t, c.History)
	assert.Equal(t, "127.0.0.1:0", app.GetHTTPServer().Addr)
	assert.NotNil(t, app.GetConfig())
}
