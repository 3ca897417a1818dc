// Package v1 provides the REST API for managing data sources, running
// federated queries and reading the query history.
package v1

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/datasource-federation-server/internal/api/common"
	"github.com/stacklok/datasource-federation-server/internal/datasource"
	"github.com/stacklok/datasource-federation-server/internal/history"
	"github.com/stacklok/datasource-federation-server/internal/store"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Catalog is the read side of the registry
type Catalog interface {
	ListSources(ctx context.Context) ([]*datasource.SingleSourceConfig, error)
	ListCompositions(ctx context.Context) ([]*datasource.MultiSourceConfig, error)
}

// Executor runs federated queries
type Executor interface {
	Execute(ctx context.Context, q datasource.FederatedQuery) (*datasource.FederatedResult, error)
}

// Services are the collaborators of the v1 routes
type Services struct {
	Store    store.Store
	Catalog  Catalog
	Executor Executor
	History  history.Recorder
}

// SourceListResponse is the body of GET /v1/sources
type SourceListResponse struct {
	Sources []*datasource.SingleSourceConfig `json:"sources"`
}

// CompositionListResponse is the body of GET /v1/compositions
type CompositionListResponse struct {
	Compositions []*datasource.MultiSourceConfig `json:"compositions"`
}

// NameListResponse is the body of GET /v1/compositions?names=true
type NameListResponse struct {
	Names []string `json:"names"`
}

// HistoryResponse is the body of GET /v1/history
type HistoryResponse struct {
	Records []*datasource.HistoryRecord `json:"records"`
}

// Routes handles the v1 endpoints
type Routes struct {
	svc Services
}

// NewRoutes creates a new Routes instance with the given services
func NewRoutes(svc Services) *Routes {
	return &Routes{svc: svc}
}

// Router creates the v1 router
func Router(svc Services) http.Handler {
	routes := NewRoutes(svc)

	r := chi.NewRouter()

	r.Route("/sources", func(r chi.Router) {
		r.Get("/", routes.listSources)
		r.Post("/", routes.putSource)
		r.Get("/{name}", routes.getSource)
		r.Delete("/{name}", routes.deleteSource)
	})
	r.Route("/compositions", func(r chi.Router) {
		r.Get("/", routes.listCompositions)
		r.Post("/", routes.putComposition)
		r.Get("/{name}", routes.getComposition)
		r.Delete("/{name}", routes.deleteComposition)
	})
	r.Post("/query", routes.query)
	r.Get("/history", routes.listHistory)

	return r
}

func (rt *Routes) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := rt.svc.Catalog.ListSources(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, SourceListResponse{Sources: sources}, http.StatusOK)
}

func (rt *Routes) putSource(w http.ResponseWriter, r *http.Request) {
	var src datasource.SingleSourceConfig
	if err := common.DecodeJSONBody(w, r, maxBodyBytes, &src); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid source: %v", err))
		return
	}
	stored, err := rt.svc.Store.PutSource(r.Context(), &src)
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, stored, writeStatus(stored.Version))
}

func (rt *Routes) getSource(w http.ResponseWriter, r *http.Request) {
	name, err := common.GetAndValidateURLParam(r, "name")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	src, err := rt.svc.Store.GetSource(r.Context(), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, src, http.StatusOK)
}

func (rt *Routes) deleteSource(w http.ResponseWriter, r *http.Request) {
	rt.deleteKind(w, r, datasource.KindSource)
}

func (rt *Routes) listCompositions(w http.ResponseWriter, r *http.Request) {
	comps, err := rt.svc.Catalog.ListCompositions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	if namesOnly, _ := strconv.ParseBool(r.URL.Query().Get("names")); namesOnly {
		names := make([]string, len(comps))
		for i, c := range comps {
			names[i] = c.Name
		}
		common.WriteJSONResponse(w, NameListResponse{Names: names}, http.StatusOK)
		return
	}
	common.WriteJSONResponse(w, CompositionListResponse{Compositions: comps}, http.StatusOK)
}

func (rt *Routes) putComposition(w http.ResponseWriter, r *http.Request) {
	var comp datasource.MultiSourceConfig
	if err := common.DecodeJSONBody(w, r, maxBodyBytes, &comp); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid composition: %v", err))
		return
	}
	stored, err := rt.svc.Store.PutComposition(r.Context(), &comp)
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, stored, writeStatus(stored.Version))
}

func (rt *Routes) getComposition(w http.ResponseWriter, r *http.Request) {
	name, err := common.GetAndValidateURLParam(r, "name")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	comp, err := rt.svc.Store.GetComposition(r.Context(), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, comp, http.StatusOK)
}

func (rt *Routes) deleteComposition(w http.ResponseWriter, r *http.Request) {
	rt.deleteKind(w, r, datasource.KindComposition)
}

// deleteKind deletes the named record if it is of the route's kind
func (rt *Routes) deleteKind(w http.ResponseWriter, r *http.Request, kind datasource.Kind) {
	name, err := common.GetAndValidateURLParam(r, "name")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := rt.svc.Store.Delete(r.Context(), name, kind); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Routes) query(w http.ResponseWriter, r *http.Request) {
	var q datasource.FederatedQuery
	if err := common.DecodeJSONBody(w, r, maxBodyBytes, &q); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid query: %v", err))
		return
	}
	result, err := rt.svc.Executor.Execute(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, result, http.StatusOK)
}

func (rt *Routes) listHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	records, err := history.Collect(rt.svc.History.Query(r.Context(), filter))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*datasource.HistoryRecord{}
	}
	common.WriteJSONResponse(w, HistoryResponse{Records: records}, http.StatusOK)
}

func parseHistoryFilter(r *http.Request) (history.Filter, error) {
	query := r.URL.Query()
	filter := history.Filter{Source: query.Get("source"), Limit: defaultHistoryLimit}

	for param, dst := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		v := query.Get(param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid %s parameter: must be an RFC3339 timestamp", param)
		}
		*dst = t
	}
	if !filter.Since.IsZero() && !filter.Until.IsZero() && !filter.Since.Before(filter.Until) {
		return filter, errors.New("since must be before until")
	}

	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxHistoryLimit {
			return filter, fmt.Errorf("invalid limit parameter: must be an integer between 1 and %d", maxHistoryLimit)
		}
		filter.Limit = limit
	}
	return filter, nil
}

// writeStatus is 201 for the first version of a record and 200 afterwards
func writeStatus(version int64) int {
	if version == 1 {
		return http.StatusCreated
	}
	return http.StatusOK
}
