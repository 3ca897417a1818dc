package federation

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/stacklok/datasource-federation-server/internal/datasource"
)

// candidate is a row together with the projection of the source it came from
type candidate struct {
	row    datasource.Row
	fields []string
}

// merge orders the rows of all sources, removes duplicates on the identity
// field and caps the result. outcomes must be in member order and every
// outcome's rows in backend order; the stable sort then breaks score ties by
// member order and in-source order.
func merge(outcomes []sourceOutcome, identity string, limit int) (rows []datasource.Row, truncated bool) {
	var total int
	for _, o := range outcomes {
		total += len(o.rows)
	}
	all := make([]candidate, 0, total)
	for _, o := range outcomes {
		for _, r := range o.rows {
			all = append(all, candidate{row: r, fields: o.fields})
		}
	}

	slices.SortStableFunc(all, func(a, b candidate) int {
		return compareScores(a.row.Score, b.row.Score)
	})

	if identity != "" {
		all = dedupeRows(all, identity)
	}

	if limit > 0 && len(all) > limit {
		all = all[:limit]
		truncated = true
	}

	rows = make([]datasource.Row, len(all))
	for i, c := range all {
		rows[i] = c.row
		if identity != "" && identity != datasource.IdentityFieldDocumentID && !slices.Contains(c.fields, identity) {
			delete(rows[i].Fields, identity)
		}
	}
	return rows, truncated
}

// compareScores sorts higher scores first and rows without a score last
func compareScores(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return cmp.Compare(*b, *a)
	}
}

// dedupeRows keeps the first row of every identity key. Rows without a key
// are always kept.
func dedupeRows(all []candidate, identity string) []candidate {
	seen := make(map[string]struct{}, len(all))
	out := all[:0]
	for _, c := range all {
		key, ok := identityKey(c.row, identity)
		if ok {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		out = append(out, c)
	}
	return out
}

func identityKey(row datasource.Row, identity string) (string, bool) {
	if identity == datasource.IdentityFieldDocumentID {
		return row.ID, row.ID != ""
	}
	v, ok := row.Fields[identity]
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprintf("%T:%v", v, v), true
}
