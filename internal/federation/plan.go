package federation

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/stacklok/datasource-federation-server/internal/datasource"
	"github.com/stacklok/datasource-federation-server/internal/registry"
)

// ErrInvalidQuery is returned for malformed queries
var ErrInvalidQuery = errors.New("invalid query")

// InvalidFieldSelectionError is returned when requested fields are not part
// of any source of the target
type InvalidFieldSelectionError struct {
	Target string
	Fields []string
}

// Error implements error
func (e *InvalidFieldSelectionError) Error() string {
	return fmt.Sprintf("fields not available in %q: %s", e.Target, strings.Join(e.Fields, ", "))
}

// sourcePlan is the work for one member of the target
type sourcePlan struct {
	source *registry.ResolvedSource

	// fields is the projection returned to the caller; empty means the
	// source is skipped
	fields []string

	// fetch is the projection sent to the backend. It adds the identity
	// field when the source has it and the caller did not request it.
	fetch []string
}

// planSources checks the requested fields against the target and computes
// the projection of every member, in member order
func planSources(target *registry.Target, requested []string, identity string) ([]sourcePlan, error) {
	requested = dedupe(requested)

	var missing []string
	for _, f := range requested {
		if !slices.ContainsFunc(target.Sources, func(s *registry.ResolvedSource) bool {
			return s.Config.HasField(f)
		}) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, &InvalidFieldSelectionError{Target: target.Name, Fields: missing}
	}

	plans := make([]sourcePlan, len(target.Sources))
	for i, src := range target.Sources {
		var fields []string
		if len(requested) == 0 {
			fields = slices.Clone(src.Config.Fields)
		} else {
			for _, f := range requested {
				if src.Config.HasField(f) {
					fields = append(fields, f)
				}
			}
		}

		fetch := fields
		if identity != "" && identity != datasource.IdentityFieldDocumentID &&
			len(fields) > 0 && src.Config.HasField(identity) && !slices.Contains(fields, identity) {
			fetch = append(slices.Clone(fields), identity)
		}
		plans[i] = sourcePlan{source: src, fields: fields, fetch: fetch}
	}
	return plans, nil
}

func dedupe(fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}
