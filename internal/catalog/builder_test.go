package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"igloomcp/internal/config"
	"igloomcp/internal/warehouse"
)

// fakeQuerier answers metadata statements from canned results, dispatching
// on statement content.
type fakeQuerier struct {
	mu       sync.Mutex
	ddlCalls int
	failFns  bool
}

func res(cols []string, rows ...[]string) *warehouse.Result {
	return &warehouse.Result{QueryID: "01aa", Columns: cols, Rows: rows}
}

func (f *fakeQuerier) Query(_ context.Context, stmt string) (*warehouse.Result, error) {
	switch {
	case strings.Contains(stmt, "information_schema.schemata"):
		return res([]string{"SCHEMA_NAME"}, []string{"PUBLIC"}), nil

	case strings.Contains(stmt, "information_schema.columns"):
		return res(
			[]string{"TABLE_NAME", "COLUMN_NAME", "DATA_TYPE", "IS_NULLABLE", "COLUMN_DEFAULT", "COMMENT", "ORDINAL_POSITION"},
			[]string{"EVENTS", "ID", "NUMBER", "NO", "", "primary key", "1"},
			[]string{"EVENTS", "TS", "TIMESTAMP_NTZ", "YES", "", "", "2"},
			[]string{"DAILY_EVENTS", "DAY", "DATE", "YES", "", "", "1"},
		), nil

	case strings.Contains(stmt, "information_schema.tables"):
		return res(
			[]string{"TABLE_NAME", "TABLE_TYPE", "ROW_COUNT", "COMMENT", "LAST_ALTERED"},
			[]string{"EVENTS", "BASE TABLE", "1200", "raw events", "2026-08-01 10:00:00"},
			[]string{"DAILY_EVENTS", "VIEW", "0", "", "2026-08-02 09:30:00"},
		), nil

	case strings.Contains(stmt, "information_schema.functions"):
		if f.failFns {
			return nil, fmt.Errorf("insufficient privileges")
		}
		return res(
			[]string{"FUNCTION_NAME", "ARGUMENT_SIGNATURE", "DATA_TYPE", "COMMENT", "LAST_ALTERED"},
			[]string{"EVENT_BUCKET", "(TS TIMESTAMP_NTZ)", "DATE", "", "2026-08-01 10:00:00"},
		), nil

	case strings.Contains(stmt, "information_schema.procedures"):
		return res([]string{"PROCEDURE_NAME", "ARGUMENT_SIGNATURE", "DATA_TYPE", "COMMENT", "LAST_ALTERED"}), nil

	case strings.Contains(stmt, "GET_DDL"):
		f.mu.Lock()
		f.ddlCalls++
		f.mu.Unlock()
		ddl := "CREATE TABLE EVENTS (ID NUMBER, TS TIMESTAMP_NTZ);"
		if strings.Contains(stmt, "DAILY_EVENTS") {
			ddl = "CREATE VIEW DAILY_EVENTS AS SELECT DATE_TRUNC('day', TS) AS DAY FROM EVENTS GROUP BY 1;"
		}
		return res([]string{"DDL"}, []string{ddl}), nil

	case strings.Contains(stmt, "SHOW DATABASES"):
		return res([]string{"name"}, []string{"ANALYTICS"}, []string{"SNOWFLAKE"}), nil

	case strings.Contains(stmt, "CURRENT_DATABASE"):
		return res([]string{"CURRENT_DATABASE()"}, []string{"ANALYTICS"}), nil
	}
	return nil, fmt.Errorf("unexpected statement: %s", stmt)
}

func (f *fakeQuerier) ddlCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ddlCalls
}

func newTestService(t *testing.T, q Querier) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Catalog.Concurrency = 4
	cfg.Catalog.MaxDDLConcurrency = 2
	return NewService(cfg, q, root, zap.NewNop()), root
}

func TestBuildDatabaseScope(t *testing.T) {
	fq := &fakeQuerier{}
	svc, root := newTestService(t, fq)

	out, err := svc.Build(context.Background(), BuildRequest{
		Scope:    ScopeDatabase,
		Database: "ANALYTICS",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ANALYTICS"}, out.Databases)
	assert.Equal(t, 3, out.Objects)
	assert.Empty(t, out.Warnings)

	snap, err := LoadSnapshot(root, "ANALYTICS")
	require.NoError(t, err)
	assert.Equal(t, Totals{Schemas: 1, Tables: 1, Views: 1, Functions: 1, Columns: 3}, snap.Totals)

	byName := map[string]Object{}
	for _, o := range snap.Objects {
		byName[o.Name] = o
	}
	require.Contains(t, byName, "EVENTS")
	assert.Equal(t, "table", byName["EVENTS"].Kind)
	assert.Equal(t, int64(1200), byName["EVENTS"].RowCount)
	assert.Len(t, byName["EVENTS"].Columns, 2)
	assert.Contains(t, byName["EVENTS"].DDL, "CREATE TABLE")
	assert.Equal(t, "view", byName["DAILY_EVENTS"].Kind)
	assert.Equal(t, "(TS TIMESTAMP_NTZ) RETURNS DATE", byName["EVENT_BUCKET"].Signature)

	for _, name := range []string{fileCatalogJSON, fileSummary, fileMetadata} {
		_, err := os.Stat(filepath.Join(root, "ANALYTICS", name))
		assert.NoError(t, err, name)
	}
	entries, err := os.ReadDir(filepath.Join(root, "ANALYTICS"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

func TestBuildAccountScopeSkipsSystemDatabases(t *testing.T) {
	fq := &fakeQuerier{}
	svc, _ := newTestService(t, fq)

	out, err := svc.Build(context.Background(), BuildRequest{Scope: ScopeAccount})
	require.NoError(t, err)
	assert.Equal(t, []string{"ANALYTICS"}, out.Databases)
}

func TestBuildObjectFailureBecomesWarning(t *testing.T) {
	fq := &fakeQuerier{failFns: true}
	svc, root := newTestService(t, fq)

	out, err := svc.Build(context.Background(), BuildRequest{
		Scope:    ScopeDatabase,
		Database: "ANALYTICS",
	})
	require.NoError(t, err)
	require.Len(t, out.Warnings, 1)
	assert.Equal(t, "functions_failed", out.Warnings[0].Code)
	assert.Equal(t, "ANALYTICS.PUBLIC", out.Warnings[0].Context)

	// Tables and views still landed.
	snap, err := LoadSnapshot(root, "ANALYTICS")
	require.NoError(t, err)
	assert.Equal(t, 2, len(snap.Objects))
}

func TestBuildIncrementalReusesDDL(t *testing.T) {
	fq := &fakeQuerier{}
	svc, _ := newTestService(t, fq)
	req := BuildRequest{Scope: ScopeDatabase, Database: "ANALYTICS"}

	_, err := svc.Build(context.Background(), req)
	require.NoError(t, err)
	firstDDL := fq.ddlCount()
	require.Equal(t, 3, firstDDL)

	req.Incremental = true
	out, err := svc.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Reused)
	assert.Equal(t, firstDDL, fq.ddlCount(), "unchanged objects must not refetch DDL")
}

func TestBuildJSONLRoundTrip(t *testing.T) {
	fq := &fakeQuerier{}
	svc, root := newTestService(t, fq)

	_, err := svc.Build(context.Background(), BuildRequest{
		Scope:    ScopeDatabase,
		Database: "ANALYTICS",
		Format:   FormatJSONL,
	})
	require.NoError(t, err)

	snap, err := LoadSnapshot(root, "ANALYTICS")
	require.NoError(t, err)
	assert.Equal(t, "ANALYTICS", snap.Database)
	assert.Len(t, snap.Objects, 3)
	assert.Equal(t, 1, snap.Totals.Tables)
}

func TestBuildRejectsInvalidFormat(t *testing.T) {
	svc, _ := newTestService(t, &fakeQuerier{})
	_, err := svc.Build(context.Background(), BuildRequest{
		Scope: ScopeDatabase, Database: "X", Format: "csv",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid catalog format")
}

func TestArgTypes(t *testing.T) {
	assert.Equal(t, "()", argTypes("()"))
	assert.Equal(t, "(FLOAT)", argTypes("(X FLOAT)"))
	assert.Equal(t, "(FLOAT, NUMBER)", argTypes("(X FLOAT, Y NUMBER)"))
}

func TestBuildJSONLStreamsHeaderFirst(t *testing.T) {
	fq := &fakeQuerier{}
	svc, root := newTestService(t, fq)

	_, err := svc.Build(context.Background(), BuildRequest{
		Scope:    ScopeDatabase,
		Database: "ANALYTICS",
		Format:   FormatJSONL,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "ANALYTICS", fileCatalogJSONL))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 4, "one header line plus one line per object")

	var header Snapshot
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &header))
	assert.Equal(t, "ANALYTICS", header.Database)
	assert.Empty(t, header.Objects, "objects belong on their own lines")
	assert.Equal(t, Totals{Schemas: 1, Tables: 1, Views: 1, Functions: 1, Columns: 3}, header.Totals)

	for _, line := range lines[1:] {
		var o Object
		require.NoError(t, json.Unmarshal([]byte(line), &o))
		assert.NotEmpty(t, o.Name)
	}

	// The streaming body file must not survive the build.
	entries, err := os.ReadDir(filepath.Join(root, "ANALYTICS"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}
