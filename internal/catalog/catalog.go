// Package catalog extracts database metadata through the warehouse's
// information schema with a bounded worker pool, and persists per-database
// catalog, summary and incremental-metadata files.
package catalog

import (
	"context"
	"fmt"
	"time"

	"igloomcp/internal/warehouse"
)

// Formats for catalog output.
const (
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
)

// Scopes for a build.
const (
	ScopeAccount  = "account"
	ScopeDatabase = "database"
	ScopeCurrent  = "current"
)

// Column describes one table column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Default  string `json:"default,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// Object is one catalog entry: a table, view, function or procedure.
type Object struct {
	Database    string    `json:"database"`
	Schema      string    `json:"schema"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"` // table, view, function, procedure
	Comment     string    `json:"comment,omitempty"`
	RowCount    int64     `json:"row_count,omitempty"`
	LastAltered time.Time `json:"last_altered,omitempty"`
	DDL         string    `json:"ddl,omitempty"`
	Columns     []Column  `json:"columns,omitempty"`
	Signature   string    `json:"signature,omitempty"` // functions and procedures
}

// FQN returns the fully qualified object name.
func (o Object) FQN() string {
	return fmt.Sprintf("%s.%s.%s", o.Database, o.Schema, o.Name)
}

// Totals summarize a snapshot.
type Totals struct {
	Schemas    int `json:"schemas"`
	Tables     int `json:"tables"`
	Views      int `json:"views"`
	Functions  int `json:"functions"`
	Procedures int `json:"procedures"`
	Columns    int `json:"columns"`
}

// Snapshot is the per-database catalog document (the JSON format; the
// JSONL format streams Objects line by line instead).
type Snapshot struct {
	Database        string    `json:"database"`
	Schemas         []string  `json:"schemas"`
	Objects         []Object  `json:"objects"`
	LastBuild       time.Time `json:"last_build"`
	LastFullRefresh time.Time `json:"last_full_refresh"`
	Totals          Totals    `json:"totals"`
}

// Metadata is the per-database incremental state (_catalog_metadata.json).
type Metadata struct {
	Database        string               `json:"database"`
	LastBuild       time.Time            `json:"last_build"`
	LastFullRefresh time.Time            `json:"last_full_refresh"`
	ObjectAltered   map[string]time.Time `json:"object_altered"` // FQN -> last_altered
}

// Warning is a non-fatal per-object failure; partial catalogs are still
// written.
type Warning struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // warning, error
	Context  string `json:"context,omitempty"`
}

// BuildRequest configures one catalog build.
type BuildRequest struct {
	Scope       string // account, database, current
	Database    string // required for ScopeDatabase
	OutputDir   string // overrides the configured catalog root
	Format      string // json (default) or jsonl
	Incremental bool
	RequestID   string
}

// BuildResult reports a finished build.
type BuildResult struct {
	Databases   []string         `json:"databases"`
	OutputDir   string           `json:"output_dir"`
	Format      string           `json:"format"`
	Objects     int              `json:"objects"`
	Reused      int              `json:"reused_objects"` // incremental DDL reuse
	Warnings    []Warning        `json:"warnings,omitempty"`
	Timing      map[string]int64 `json:"timing_ms"`
	Incremental bool             `json:"incremental"`
}

// Querier runs metadata statements. The production implementation wraps a
// warehouse.Client; tests provide canned results.
type Querier interface {
	Query(ctx context.Context, statement string) (*warehouse.Result, error)
}

// ClientQuerier adapts a warehouse.Client to Querier.
type ClientQuerier struct {
	Client warehouse.Client
}

// Query submits the statement and waits for completion.
func (q ClientQuerier) Query(ctx context.Context, statement string) (*warehouse.Result, error) {
	handle, err := q.Client.Submit(ctx, statement, warehouse.SessionContext{}, "")
	if err != nil {
		return nil, err
	}
	return handle.Wait(ctx)
}
