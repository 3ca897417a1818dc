package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/datasource-federation-server/internal/backend"
	backendmocks "github.com/stacklok/datasource-federation-server/internal/backend/mocks"
	"github.com/stacklok/datasource-federation-server/internal/datasource"
	"github.com/stacklok/datasource-federation-server/internal/history"
)

type runningApp struct {
	app     *FederationApp
	baseURL string
	errCh   chan error
}

func startTestApp(t *testing.T, be backend.Backend) *runningApp {
	t.Helper()

	provider, err := backend.NewStaticProvider(be, nil)
	require.NoError(t, err)

	app, err := NewFederationApp(context.Background(),
		WithConfig(createValidTestConfig(t)),
		WithBackendProvider(provider),
		WithAddress("127.0.0.1:0"),
	)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := &runningApp{app: app, baseURL: "http://" + ln.Addr().String(), errCh: make(chan error, 1)}
	go func() {
		r.errCh <- app.Serve(ln)
	}()
	return r
}

func (r *runningApp) stop(t *testing.T) {
	t.Helper()
	require.NoError(t, r.app.Stop(5*time.Second))
	select {
	case err := <-r.errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after Stop()")
	}
}

func (r *runningApp) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, r.baseURL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestFederationApp_ServeAndStop(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	r := startTestApp(t, backendmocks.NewMockBackend(ctrl))

	for _, path := range []string{"/health", "/readiness", "/version"} {
		resp := r.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	r.stop(t)
}

func TestFederationApp_QueryRoundTrip(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	be := backendmocks.NewMockBackend(ctrl)
	r := startTestApp(t, be)

	resp := r.do(t, http.MethodPost, "/v1/sources",
		`{"name":"payments","index":"payments-*","fields":["amount","status"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	score := 3.5
	be.EXPECT().Search(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req *backend.SearchRequest) (*backend.SearchResponse, error) {
			assert.Equal(t, "payments-*", req.Index)
			return &backend.SearchResponse{Hits: []backend.Hit{
				{ID: "p1", Score: &score, Fields: map[string]any{"amount": 12.5, "status": "failed"}},
			}}, nil
		})

	resp = r.do(t, http.MethodPost, "/v1/query", `{"target":"payments","fields":["status"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result datasource.FederatedResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Rows, 1)
	assert.Equal(t, map[string]any{"status": "failed"}, result.Rows[0].Fields)

	// Stop drains the asynchronous history write
	r.stop(t)

	records, err := collectHistory(r.app)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, result.QueryID, records[0].ID)
}

func TestFederationApp_StartInvalidAddress(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	app, err := NewFederationApp(context.Background(),
		WithConfig(createValidTestConfig(t)),
		WithBackendProvider(backendmocks.NewMockProvider(ctrl)),
	)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// the port is taken by ln
	app.httpServer.Addr = ln.Addr().String()
	err = app.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("failed to listen on %s", ln.Addr()))

	require.NoError(t, app.Stop(time.Second))
}

func collectHistory(app *FederationApp) ([]*datasource.HistoryRecord, error) {
	return history.Collect(app.GetComponents().History.Query(context.Background(), history.Filter{}))
}
