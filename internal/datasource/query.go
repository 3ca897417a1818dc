package datasource

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// FilterOp is a structured filter operator
type FilterOp string

// Supported filter operators
const (
	FilterOpEq     FilterOp = "eq"
	FilterOpNe     FilterOp = "ne"
	FilterOpGt     FilterOp = "gt"
	FilterOpGte    FilterOp = "gte"
	FilterOpLt     FilterOp = "lt"
	FilterOpLte    FilterOp = "lte"
	FilterOpExists FilterOp = "exists"
)

// Filter is a structured condition on a single field
type Filter struct {
	Field string   `json:"field"`
	Op    FilterOp `json:"op"`
	Value any      `json:"value,omitempty"`
}

// Criteria is the query expression forwarded to every backend
type Criteria struct {
	// Text is a free-text query
	Text string `json:"text,omitempty"`

	Filters []Filter `json:"filters,omitempty"`
}

// Validate checks the filter operators
func (c Criteria) Validate() error {
	for i, f := range c.Filters {
		if f.Field == "" {
			return fmt.Errorf("filter[%d]: field is required", i)
		}
		switch f.Op {
		case FilterOpEq, FilterOpNe, FilterOpGt, FilterOpGte, FilterOpLt, FilterOpLte:
			if f.Value == nil {
				return fmt.Errorf("filter[%d] (%s): value is required for %s", i, f.Field, f.Op)
			}
		case FilterOpExists:
		default:
			return fmt.Errorf("filter[%d] (%s): unknown operator %q", i, f.Field, f.Op)
		}
	}
	return nil
}

// FederatedQuery is a query against a single source or a composition
type FederatedQuery struct {
	Criteria Criteria `json:"criteria"`

	// Target names either a single source or a composition
	Target string `json:"target"`

	// Fields optionally restricts the projection
	Fields []string `json:"fields,omitempty"`

	// IdentityField enables cross-source deduplication on the given field.
	// The value "_id" selects the backend document id.
	IdentityField string `json:"identityField,omitempty"`

	// Limit caps the merged result; zero means the server maximum
	Limit int `json:"limit,omitempty"`
}

// IdentityFieldDocumentID selects the backend document id as identity key
const IdentityFieldDocumentID = "_id"

// Row is a single merged result row
type Row struct {
	// Source is the provenance of the row
	Source string `json:"source"`

	// ID is the backend document id, if any
	ID string `json:"id,omitempty"`

	// Score is the backend relevance score, nil when the backend provides none
	Score *float64 `json:"score"`

	Fields map[string]any `json:"fields"`
}

// Status is the outcome of a per-source query
type Status string

const (
	// StatusSuccess means the source answered completely
	StatusSuccess Status = "success"

	// StatusPartial means the source answered but reported incomplete results
	StatusPartial Status = "partial"

	// StatusFailed means the source errored or timed out
	StatusFailed Status = "failed"
)

// SourceStatus reports the outcome of one source in a federation
type SourceStatus struct {
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	RowCount int           `json:"rowCount"`
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration"`
}

// FederatedResult is the merged result of a federated query
type FederatedResult struct {
	QueryID      string                  `json:"queryId"`
	ExecutedAt   time.Time               `json:"executedAt"`
	Duration     time.Duration           `json:"duration"`
	Rows         []Row                   `json:"rows"`
	SourceStatus map[string]SourceStatus `json:"perSourceStatus"`
	Truncated    bool                    `json:"truncated"`
}

// ResultSummary is the bounded outcome stored in history instead of the payload
type ResultSummary struct {
	RowCount     int                     `json:"rowCount"`
	Truncated    bool                    `json:"truncated"`
	SourceStatus map[string]SourceStatus `json:"perSourceStatus"`
}

// Summarize returns the history summary of the result
func (r *FederatedResult) Summarize() ResultSummary {
	return ResultSummary{
		RowCount:     len(r.Rows),
		Truncated:    r.Truncated,
		SourceStatus: maps.Clone(r.SourceStatus),
	}
}

// HistoryRecord is an immutable entry of the query history
type HistoryRecord struct {
	ID string `json:"id"`

	// Seq is the append order assigned by the recorder
	Seq int64 `json:"seq"`

	Query      FederatedQuery `json:"query"`
	ExecutedAt time.Time      `json:"executedAt"`
	Summary    ResultSummary  `json:"resultSummary"`
}

// Sources returns the names of the sources that took part in the query
func (h *HistoryRecord) Sources() []string {
	names := make([]string, 0, len(h.Summary.SourceStatus))
	for name := range h.Summary.SourceStatus {
		names = append(names, name)
	}
	return names
}

// InvolvesSource reports whether the record touched the given source or target
func (h *HistoryRecord) InvolvesSource(name string) bool {
	if h.Query.Target == name {
		return true
	}
	_, ok := h.Summary.SourceStatus[name]
	return ok
}

// Clone returns a copy of the record that shares no slices or maps with h
func (h *HistoryRecord) Clone() *HistoryRecord {
	if h == nil {
		return nil
	}
	c := *h
	c.Query.Fields = slices.Clone(h.Query.Fields)
	c.Query.Criteria.Filters = slices.Clone(h.Query.Criteria.Filters)
	c.Summary.SourceStatus = maps.Clone(h.Summary.SourceStatus)
	return &c
}
