package common

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is the body of every error response
type ErrorResponse struct {
	Error string `json:"error"`

	// Kind names the error category, e.g. NotFound or InvalidFieldSelection
	Kind string `json:"kind"`

	// Fields lists the offending field names of an InvalidFieldSelection
	Fields []string `json:"fields,omitempty"`
}

// WriteJSONResponse writes a JSON response with the given data
func WriteJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// WriteErrorResponse writes a standardized error response
func WriteErrorResponse(w http.ResponseWriter, resp ErrorResponse, statusCode int) {
	WriteJSONResponse(w, resp, statusCode)
}

// DecodeJSONBody decodes a JSON request body of at most maxBytes into v,
// rejecting unknown fields and trailing data
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errTrailingData
	}
	return nil
}
