package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stacklok/datasource-federation-server/internal/datasource"
	"github.com/stacklok/datasource-federation-server/internal/httpclient"
)

// Elasticsearch queries an Elasticsearch or OpenSearch compatible _search API
type Elasticsearch struct {
	baseURL *url.URL
	client  httpclient.Client
}

var _ Backend = (*Elasticsearch)(nil)

// NewElasticsearch creates a backend for the search API at baseURL
func NewElasticsearch(baseURL string, client httpclient.Client) (*Elasticsearch, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend url %q: scheme must be http or https", baseURL)
	}
	if client == nil {
		client = httpclient.NewDefaultClient(0)
	}
	return &Elasticsearch{baseURL: u, client: client}, nil
}

// Search implements Backend
func (e *Elasticsearch) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	body, err := json.Marshal(buildSearchBody(req))
	if err != nil {
		return nil, &BackendError{Index: req.Index, Err: fmt.Errorf("failed to encode query: %w", err)}
	}

	raw, err := e.client.PostJSON(ctx, e.searchURL(req.Index), body)
	if err != nil {
		return nil, classifyError(ctx, req.Index, err)
	}

	return parseSearchResponse(req, raw)
}

func (e *Elasticsearch) searchURL(index string) string {
	u := *e.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + index + "/_search"
	u.RawPath = ""
	return u.String()
}

func classifyError(ctx context.Context, index string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &BackendError{Index: index, Timeout: true, Err: err}
	}
	status := httpclient.StatusCode(err)
	if status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout {
		return &BackendError{Index: index, Timeout: true, StatusCode: status, Err: err}
	}
	return &BackendError{Index: index, StatusCode: status, Err: err}
}

// buildSearchBody translates a request into the _search query DSL
func buildSearchBody(req *SearchRequest) map[string]any {
	var must, filter, mustNot []any

	if req.Criteria.Text != "" {
		must = append(must, map[string]any{
			"simple_query_string": map[string]any{
				"query":            req.Criteria.Text,
				"default_operator": "and",
			},
		})
	}

	for _, f := range req.Criteria.Filters {
		switch f.Op {
		case datasource.FilterOpEq:
			filter = append(filter, map[string]any{"term": map[string]any{f.Field: f.Value}})
		case datasource.FilterOpNe:
			mustNot = append(mustNot, map[string]any{"term": map[string]any{f.Field: f.Value}})
		case datasource.FilterOpGt, datasource.FilterOpGte, datasource.FilterOpLt, datasource.FilterOpLte:
			filter = append(filter, map[string]any{
				"range": map[string]any{f.Field: map[string]any{string(f.Op): f.Value}},
			})
		case datasource.FilterOpExists:
			filter = append(filter, map[string]any{"exists": map[string]any{"field": f.Field}})
		}
	}

	boolQuery := map[string]any{}
	if len(must) > 0 {
		boolQuery["must"] = must
	} else {
		boolQuery["must"] = []any{map[string]any{"match_all": map[string]any{}}}
	}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}
	if len(mustNot) > 0 {
		boolQuery["must_not"] = mustNot
	}

	body := map[string]any{
		"query":            map[string]any{"bool": boolQuery},
		"_source":          req.Fields,
		"size":             req.Limit,
		"track_total_hits": true,
	}
	if req.Timeout > 0 {
		body["timeout"] = fmt.Sprintf("%dms", req.Timeout.Milliseconds())
	}
	return body
}

func parseSearchResponse(req *SearchRequest, raw []byte) (*SearchResponse, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &BackendError{Index: req.Index, Err: errors.New("response is not valid JSON")}
	}
	res := gjson.ParseBytes(raw)
	if !res.Get("hits").Exists() {
		return nil, &BackendError{Index: req.Index, Err: errors.New("response has no hits")}
	}

	hits := res.Get("hits.hits").Array()
	resp := &SearchResponse{Hits: make([]Hit, 0, len(hits))}
	for _, h := range hits {
		hit := Hit{
			ID:     h.Get("_id").String(),
			Fields: make(map[string]any, len(req.Fields)),
		}
		if s := h.Get("_score"); s.Type == gjson.Number {
			score := s.Float()
			hit.Score = &score
		}
		source := h.Get("_source")
		for _, field := range req.Fields {
			if v := source.Get(fieldPath(field)); v.Exists() {
				hit.Fields[field] = v.Value()
			}
		}
		resp.Hits = append(resp.Hits, hit)
	}

	// hits.total is an object since ES 7, a number before
	total := res.Get("hits.total.value")
	if !total.Exists() {
		total = res.Get("hits.total")
	}
	resp.Total = total.Int()
	resp.Capped = resp.Total > int64(len(resp.Hits))

	if res.Get("timed_out").Bool() {
		resp.Partial = true
		resp.PartialReason = "backend timed out before all shards answered"
	}
	if failed := res.Get("_shards.failed").Int(); failed > 0 {
		resp.Partial = true
		reason := res.Get("_shards.failures.0.reason.reason").String()
		resp.PartialReason = fmt.Sprintf("%d of %d shards failed", failed, res.Get("_shards.total").Int())
		if reason != "" {
			resp.PartialReason += ": " + reason
		}
	}

	return resp, nil
}

// fieldPath turns a dotted field name into a gjson path, escaping gjson syntax in each part
func fieldPath(field string) string {
	parts := strings.Split(field, ".")
	for i, p := range parts {
		parts[i] = gjson.Escape(p)
	}
	return strings.Join(parts, ".")
}
