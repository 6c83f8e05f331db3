package db

import (
	"strconv"
	"strings"
)

// Dialect names the SQL flavour a store talks to
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Rebind rewrites '?' placeholders to '$n' for PostgreSQL.
// Queries are written once with '?' and rebound at construction time.
// Question marks inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inLiteral := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inLiteral = !inLiteral
			b.WriteByte(c)
		case c == '?' && !inLiteral:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ParseDialect maps a config driver name to a Dialect
func ParseDialect(driver string) (Dialect, bool) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return SQLite, true
	case "postgres", "postgresql", "pgx":
		return Postgres, true
	}
	return "", false
}
