package db

import (
	"strconv"
	"strings"
)

// Dialect identifies the SQL flavour of a connection
type Dialect string

const (
	// DialectSQLite is an embedded SQLite database
	DialectSQLite Dialect = "sqlite"

	// DialectPostgres is a PostgreSQL server
	DialectPostgres Dialect = "postgres"
)

// Rebind rewrites ? placeholders into the dialect's bind syntax.
// Queries are written with ? and never contain a literal question mark.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
