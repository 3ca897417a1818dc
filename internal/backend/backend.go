// Package backend defines the search backend contract used by the federation
// engine and provides an Elasticsearch-compatible HTTP implementation.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/datasource-federation-server/internal/datasource"
)

//go:generate mockgen -destination=mocks/mock_backend.go -package=mocks -source=backend.go Backend,Provider

// ErrNoBackend is returned by a Provider when no backend serves an index
var ErrNoBackend = errors.New("no backend configured")

// SearchRequest is a query against a single index
type SearchRequest struct {
	Index    string
	Criteria datasource.Criteria

	// Fields is the projection; the backend returns only these fields
	Fields []string

	// Limit is the maximum number of hits to return
	Limit int

	// Timeout bounds the search on the backend side; zero means none
	Timeout time.Duration
}

// Hit is a single backend document
type Hit struct {
	ID     string
	Score  *float64
	Fields map[string]any
}

// SearchResponse is the answer of a single backend
type SearchResponse struct {
	Hits []Hit

	// Total is the number of matching documents reported by the backend
	Total int64

	// Capped is set when the backend matched more documents than it returned
	Capped bool

	// Partial is set when the backend answered but reported incomplete results
	Partial       bool
	PartialReason string
}

// Backend executes searches against one search endpoint
type Backend interface {
	Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error)
}

// Provider returns the backend that serves an index
type Provider interface {
	BackendFor(index string) (Backend, error)
}

// BackendError is returned when a backend fails or times out
type BackendError struct {
	Index string

	// Timeout is set when the request ran out of time
	Timeout bool

	// StatusCode is the HTTP status, 0 for transport errors
	StatusCode int

	Err error
}

// Error implements error
func (e *BackendError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("search on %s timed out", e.Index)
	case e.StatusCode != 0:
		return fmt.Sprintf("search on %s failed with status %d: %v", e.Index, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("search on %s failed: %v", e.Index, e.Err)
	}
}

// Unwrap returns the underlying error
func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a backend timeout
func IsTimeout(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Timeout
}
