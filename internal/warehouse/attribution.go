package warehouse

import (
	"sort"
	"strings"
)

// Attribution lists the objects a statement reads, derived lexically from
// FROM/JOIN clauses. It exists for history and cache provenance, not for
// SQL correctness; subqueries and quoted identifiers with embedded dots
// are handled best-effort.
type Attribution struct {
	// Tables are fully or partially qualified identifiers as written,
	// upper-cased, deduplicated, sorted.
	Tables []string `json:"tables"`

	// SourceDatabases are the leading qualifiers of three-part names.
	SourceDatabases []string `json:"source_databases"`
}

// Attribute extracts referenced tables and databases from a statement.
func Attribute(statement string) Attribution {
	tokens := tokenize(statement)

	tableSet := map[string]struct{}{}
	for i := 0; i < len(tokens)-1; i++ {
		upper := strings.ToUpper(tokens[i])
		if upper != "FROM" && upper != "JOIN" {
			continue
		}
		next := tokens[i+1]
		if next == "(" || next == "" {
			continue // subquery or dangling keyword
		}
		if strings.HasPrefix(next, "@") {
			continue // stage reference
		}
		tableSet[strings.ToUpper(strings.Trim(next, `"`))] = struct{}{}
	}

	dbSet := map[string]struct{}{}
	tables := make([]string, 0, len(tableSet))
	for tbl := range tableSet {
		tables = append(tables, tbl)
		if parts := strings.Split(tbl, "."); len(parts) == 3 {
			dbSet[parts[0]] = struct{}{}
		}
	}
	sort.Strings(tables)

	dbs := make([]string, 0, len(dbSet))
	for db := range dbSet {
		dbs = append(dbs, db)
	}
	sort.Strings(dbs)

	return Attribution{Tables: tables, SourceDatabases: dbs}
}

// tokenize splits on whitespace and commas, keeping qualified names and
// quoted identifiers intact, and stripping comments.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			flush()
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			flush()
			i += 2
			for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			i++ // skip the '/'
		case c == '\'':
			flush()
			i++
			for i < len(s) && s[i] != '\'' {
				i++
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == ',' || c == ';':
			flush()
		case c == '(' || c == ')':
			flush()
			tokens = append(tokens, string(c))
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return tokens
}
