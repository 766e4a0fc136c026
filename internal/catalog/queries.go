package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"igloomcp/internal/warehouse"
)

// rowset wraps a warehouse result with by-name column access.
type rowset struct {
	cols map[string]int
	rows [][]string
}

func newRowset(res *warehouse.Result) *rowset {
	cols := make(map[string]int, len(res.Columns))
	for i, c := range res.Columns {
		cols[strings.ToUpper(c)] = i
	}
	return &rowset{cols: cols, rows: res.Rows}
}

func (r *rowset) get(row []string, col string) string {
	i, ok := r.cols[strings.ToUpper(col)]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func (r *rowset) getInt(row []string, col string) int64 {
	n, _ := strconv.ParseInt(r.get(row, col), 10, 64)
	return n
}

// timestampLayouts covers the formats information_schema emits depending
// on session TIMESTAMP_OUTPUT_FORMAT.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999 -0700",
	"2006-01-02 15:04:05.999",
	"2006-01-02 15:04:05",
}

func (r *rowset) getTime(row []string, col string) time.Time {
	raw := strings.TrimSpace(r.get(row, col))
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// quoteIdent doubles embedded quotes so identifiers survive interpolation.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func listDatabasesSQL() string {
	return "SHOW DATABASES"
}

func listSchemasSQL(db string) string {
	return fmt.Sprintf(
		"SELECT schema_name FROM %s.information_schema.schemata WHERE schema_name <> 'INFORMATION_SCHEMA' ORDER BY schema_name",
		quoteIdent(db))
}

func listTablesSQL(db, schema string) string {
	return fmt.Sprintf(
		"SELECT table_name, table_type, row_count, comment, last_altered FROM %s.information_schema.tables WHERE table_schema = '%s' ORDER BY table_name",
		quoteIdent(db), escapeLiteral(schema))
}

func listColumnsSQL(db, schema string) string {
	return fmt.Sprintf(
		"SELECT table_name, column_name, data_type, is_nullable, column_default, comment, ordinal_position FROM %s.information_schema.columns WHERE table_schema = '%s' ORDER BY table_name, ordinal_position",
		quoteIdent(db), escapeLiteral(schema))
}

// listFunctionsSQL returns user-defined functions only; built-ins are not
// exposed through a database's information_schema.
func listFunctionsSQL(db, schema string) string {
	return fmt.Sprintf(
		"SELECT function_name, argument_signature, data_type, comment, last_altered FROM %s.information_schema.functions WHERE function_schema = '%s' ORDER BY function_name",
		quoteIdent(db), escapeLiteral(schema))
}

func listProceduresSQL(db, schema string) string {
	return fmt.Sprintf(
		"SELECT procedure_name, argument_signature, data_type, comment, last_altered FROM %s.information_schema.procedures WHERE procedure_schema = '%s' ORDER BY procedure_name",
		quoteIdent(db), escapeLiteral(schema))
}

func getDDLSQL(kind, fqn string) string {
	objectType := map[string]string{
		"table":     "TABLE",
		"view":      "VIEW",
		"function":  "FUNCTION",
		"procedure": "PROCEDURE",
	}[kind]
	return fmt.Sprintf("SELECT GET_DDL('%s', '%s')", objectType, escapeLiteral(fqn))
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// query runs a metadata statement and wraps the result.
func (s *Service) query(ctx context.Context, statement string) (*rowset, error) {
	res, err := s.querier.Query(ctx, statement)
	if err != nil {
		return nil, err
	}
	return newRowset(res), nil
}
