package common

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAndValidateURLParam(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		paramValue string
		wantValue  string
		wantErrMsg string
	}{
		{name: "plain name", paramValue: "payments", wantValue: "payments"},
		{name: "dots dashes and underscores", paramValue: "pay.eu-west_1", wantValue: "pay.eu-west_1"},
		{name: "space in middle", paramValue: "payments%20eu", wantValue: "payments eu"},
		{name: "encoded at symbol", paramValue: "team%40payments", wantValue: "team@payments"},
		{name: "encoded plus", paramValue: "a%2Bb", wantValue: "a+b"},
		{name: "blank", paramValue: "%20%20", wantErrMsg: "name cannot be empty"},
		{name: "tab only", paramValue: "%09", wantErrMsg: "name cannot be empty"},
		{name: "leading space", paramValue: "%20payments", wantErrMsg: "cannot start or end with whitespace"},
		{name: "trailing newline", paramValue: "payments%0A", wantErrMsg: "cannot start or end with whitespace"},
		{name: "tab in middle", paramValue: "pay%09ments", wantErrMsg: "cannot contain control characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var (
				got    string
				gotErr error
			)
			r := chi.NewRouter()
			r.Get("/v1/sources/{name}", func(_ http.ResponseWriter, req *http.Request) {
				got, gotErr = GetAndValidateURLParam(req, "name")
			})
			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/sources/"+tt.paramValue, nil))

			if tt.wantErrMsg != "" {
				require.Error(t, gotErr)
				assert.Contains(t, gotErr.Error(), tt.wantErrMsg)
				return
			}
			require.NoError(t, gotErr)
			assert.Equal(t, tt.wantValue, got)
		})
	}
}

func TestDecodeJSONBody(t *testing.T) {
	t.Parallel()

	type body struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "valid", payload: `{"name":"payments"}`},
		{name: "unknown field", payload: `{"name":"payments","extra":1}`, wantErr: true},
		{name: "trailing value", payload: `{"name":"a"} {"name":"b"}`, wantErr: true},
		{name: "too large", payload: `{"name":"` + strings.Repeat("x", 100) + `"}`, wantErr: true},
		{name: "malformed", payload: `{"name":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.payload))
			var b body
			err := DecodeJSONBody(httptest.NewRecorder(), req, 64, &b)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "payments", b.Name)
		})
	}
}

func TestWriteErrorResponse(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	WriteErrorResponse(rr, ErrorResponse{Error: "bad", Kind: "InvalidFieldSelection", Fields: []string{"x"}}, http.StatusBadRequest)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"bad","kind":"InvalidFieldSelection","fields":["x"]}`, rr.Body.String())
}
