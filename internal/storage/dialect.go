package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect holds the few SQL fragments that differ between SQLite and
// Postgres. Queries are written with ? placeholders and rebound.
type dialect struct {
	name      string
	numbered  bool   // $1, $2 placeholders
	now       string // current timestamp expression
	tsFormat  string // wraps a timestamp column into ISO 8601 text
	forUpdate string
}

var sqliteDialect = dialect{
	name:     "sqlite",
	now:      "strftime('%Y-%m-%dT%H:%M:%fZ', 'now')",
	tsFormat: "%s",
}

var postgresDialect = dialect{
	name:      "postgres",
	numbered:  true,
	now:       "NOW()",
	tsFormat:  `to_char(%s AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.MS"Z"')`,
	forUpdate: " FOR UPDATE",
}

// q expands {now} and rebinds placeholders
func (d dialect) q(query string) string {
	query = strings.ReplaceAll(query, "{now}", d.now)
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ts selects a timestamp column as text, keeping nulls
func (d dialect) ts(col string) string {
	return fmt.Sprintf(d.tsFormat, col)
}
