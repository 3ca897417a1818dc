package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/stacklok/datasource-federation-server/internal/datasource"
	"github.com/stacklok/datasource-federation-server/internal/httpclient"
)

const searchResponse = `{
  "took": 3,
  "timed_out": false,
  "_shards": {"total": 2, "successful": 2, "failed": 0},
  "hits": {
    "total": {"value": 3, "relation": "eq"},
    "hits": [
      {"_id": "a1", "_score": 9.5, "_source": {"amount": 12, "status": "failed", "meta": {"region": "eu"}}},
      {"_id": "a2", "_score": null, "_source": {"amount": 7}}
    ]
  }
}`

func newSearchServer(t *testing.T, status int, response string, gotBody *[]byte, gotPath *string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotPath != nil {
			*gotPath = r.URL.Path
		}
		if gotBody != nil {
			*gotBody, _ = io.ReadAll(r.Body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	server.Config.SetKeepAlivesEnabled(false)
	t.Cleanup(server.Close)
	return server
}

func TestElasticsearch_Search(t *testing.T) {
	t.Parallel()

	var body []byte
	var path string
	server := newSearchServer(t, http.StatusOK, searchResponse, &body, &path)

	es, err := NewElasticsearch(server.URL, nil)
	require.NoError(t, err)

	resp, err := es.Search(context.Background(), &SearchRequest{
		Index: "payments-*",
		Criteria: datasource.Criteria{
			Text: "refund",
			Filters: []datasource.Filter{
				{Field: "status", Op: datasource.FilterOpEq, Value: "failed"},
				{Field: "amount", Op: datasource.FilterOpGte, Value: 5},
				{Field: "currency", Op: datasource.FilterOpNe, Value: "USD"},
				{Field: "trace", Op: datasource.FilterOpExists},
			},
		},
		Fields:  []string{"amount", "status", "meta.region"},
		Limit:   2,
		Timeout: 1500 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, "/payments-*/_search", path)

	req := gjson.ParseBytes(body)
	assert.Equal(t, int64(2), req.Get("size").Int())
	assert.Equal(t, "1500ms", req.Get("timeout").String())
	assert.Equal(t, "refund", req.Get("query.bool.must.0.simple_query_string.query").String())
	assert.Equal(t, "failed", req.Get("query.bool.filter.0.term.status").String())
	assert.Equal(t, int64(5), req.Get("query.bool.filter.1.range.amount.gte").Int())
	assert.Equal(t, "trace", req.Get("query.bool.filter.2.exists.field").String())
	assert.Equal(t, "USD", req.Get("query.bool.must_not.0.term.currency").String())
	assert.Equal(t, `["amount","status","meta.region"]`, req.Get("_source").Raw)

	require.Len(t, resp.Hits, 2)
	assert.Equal(t, "a1", resp.Hits[0].ID)
	require.NotNil(t, resp.Hits[0].Score)
	assert.InDelta(t, 9.5, *resp.Hits[0].Score, 0.0001)
	assert.Equal(t, map[string]any{"amount": float64(12), "status": "failed", "meta.region": "eu"}, resp.Hits[0].Fields)
	assert.Nil(t, resp.Hits[1].Score)
	assert.Equal(t, map[string]any{"amount": float64(7)}, resp.Hits[1].Fields)

	assert.Equal(t, int64(3), resp.Total)
	assert.True(t, resp.Capped)
	assert.False(t, resp.Partial)
}

func TestElasticsearch_SearchMatchAllWithoutText(t *testing.T) {
	t.Parallel()

	var body []byte
	server := newSearchServer(t, http.StatusOK, `{"hits":{"total":0,"hits":[]}}`, &body, nil)

	es, err := NewElasticsearch(server.URL+"/search/", nil)
	require.NoError(t, err)

	resp, err := es.Search(context.Background(), &SearchRequest{Index: "logs", Fields: []string{"msg"}, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)
	assert.False(t, resp.Capped)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.True(t, gjson.GetBytes(body, "query.bool.must.0.match_all").Exists())
	assert.False(t, gjson.GetBytes(body, "timeout").Exists())
}

func TestElasticsearch_PartialResults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		response   string
		wantReason string
	}{
		{
			name:       "timed out",
			response:   `{"timed_out": true, "_shards": {"total": 1, "failed": 0}, "hits": {"total": {"value": 1}, "hits": [{"_id": "x", "_score": 1, "_source": {"a": 1}}]}}`,
			wantReason: "timed out",
		},
		{
			name:       "shard failures",
			response:   `{"timed_out": false, "_shards": {"total": 5, "failed": 2, "failures": [{"reason": {"reason": "node left"}}]}, "hits": {"total": {"value": 0}, "hits": []}}`,
			wantReason: "2 of 5 shards failed: node left",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := newSearchServer(t, http.StatusOK, tt.response, nil, nil)
			es, err := NewElasticsearch(server.URL, nil)
			require.NoError(t, err)

			resp, err := es.Search(context.Background(), &SearchRequest{Index: "i", Fields: []string{"a"}, Limit: 5})
			require.NoError(t, err)
			assert.True(t, resp.Partial)
			assert.Contains(t, resp.PartialReason, tt.wantReason)
		})
	}
}

func TestElasticsearch_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		response    string
		wantTimeout bool
		wantStatus  int
	}{
		{name: "index missing", status: http.StatusNotFound, response: `{"error":{"type":"index_not_found_exception"}}`, wantStatus: http.StatusNotFound},
		{name: "gateway timeout", status: http.StatusGatewayTimeout, wantTimeout: true, wantStatus: http.StatusGatewayTimeout},
		{name: "invalid json", status: http.StatusOK, response: `not json`},
		{name: "no hits", status: http.StatusOK, response: `{"acknowledged": true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := newSearchServer(t, tt.status, tt.response, nil, nil)
			es, err := NewElasticsearch(server.URL, nil)
			require.NoError(t, err)

			_, err = es.Search(context.Background(), &SearchRequest{Index: "payments", Fields: []string{"a"}, Limit: 1})
			require.Error(t, err)

			var be *BackendError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, "payments", be.Index)
			assert.Equal(t, tt.wantTimeout, be.Timeout)
			assert.Equal(t, tt.wantStatus, be.StatusCode)
			assert.Equal(t, tt.wantTimeout, IsTimeout(err))
		})
	}
}

func TestElasticsearch_ContextDeadline(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)

	es, err := NewElasticsearch(server.URL, httpclient.NewDefaultClient(time.Minute))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = es.Search(ctx, &SearchRequest{Index: "slow", Fields: []string{"a"}, Limit: 1})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "timed out")
}

func TestNewElasticsearch_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := NewElasticsearch("ftp://search", nil)
	assert.Error(t, err)
	_, err = NewElasticsearch("://bad", nil)
	assert.Error(t, err)
}
