package v1

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stacklok/datasource-federation-server/internal/api/common"
	"github.com/stacklok/datasource-federation-server/internal/datasource"
	"github.com/stacklok/datasource-federation-server/internal/federation"
	"github.com/stacklok/datasource-federation-server/internal/registry"
	"github.com/stacklok/datasource-federation-server/internal/store"
)

// Error kinds reported in the kind field of error responses
const (
	KindNotFound              = "NotFound"
	KindInUse                 = "InUse"
	KindKindMismatch          = "KindMismatch"
	KindUnresolved            = "Unresolved"
	KindInvalidComposition    = "InvalidComposition"
	KindStaleComposition      = "StaleComposition"
	KindInvalidConfig         = "InvalidConfig"
	KindInvalidFieldSelection = "InvalidFieldSelection"
	KindInvalidQuery          = "InvalidQuery"
	KindBadRequest            = "BadRequest"
	KindTimeout               = "Timeout"
	KindInternal              = "Internal"
)

// classify maps an error to its response kind and HTTP status. Registry
// errors are checked first since they may wrap the store error they stem from.
func classify(err error) (kind string, status int) {
	var fieldErr *federation.InvalidFieldSelectionError
	switch {
	case errors.As(err, &fieldErr):
		return KindInvalidFieldSelection, http.StatusBadRequest
	case errors.Is(err, federation.ErrInvalidQuery):
		return KindInvalidQuery, http.StatusBadRequest
	case errors.Is(err, registry.ErrStaleComposition):
		return KindStaleComposition, http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrInvalidComposition):
		return KindInvalidComposition, http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrUnresolved):
		return KindUnresolved, http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound, http.StatusNotFound
	case errors.Is(err, store.ErrInUse):
		return KindInUse, http.StatusConflict
	case errors.Is(err, store.ErrKindMismatch):
		return KindKindMismatch, http.StatusConflict
	case errors.Is(err, datasource.ErrInvalidConfig):
		return KindInvalidConfig, http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout, http.StatusGatewayTimeout
	default:
		return KindInternal, http.StatusInternalServerError
	}
}

// writeError writes err with its kind. Internal errors are logged and their
// message is not exposed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, status := classify(err)
	resp := common.ErrorResponse{Error: err.Error(), Kind: kind}

	var fieldErr *federation.InvalidFieldSelectionError
	if errors.As(err, &fieldErr) {
		resp.Fields = fieldErr.Fields
	}
	if kind == KindInternal {
		slog.ErrorContext(r.Context(), "Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Error = "internal server error"
	}
	common.WriteErrorResponse(w, resp, status)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	common.WriteErrorResponse(w, common.ErrorResponse{Error: message, Kind: KindBadRequest}, http.StatusBadRequest)
}
