// Package warehouse defines the narrow client interface the core uses to
// talk to Snowflake, plus source-attribution helpers. The concrete
// gosnowflake adapter lives in snowflake.go; everything above this package
// depends only on the Client interface so tests can substitute fakes.
package warehouse

import (
	"context"
	"strings"
)

// SessionContext is the session-level execution context for a query.
// All fields are optional; empty values inherit the connection defaults.
type SessionContext struct {
	Warehouse string `json:"warehouse,omitempty"`
	Database  string `json:"database,omitempty"`
	Schema    string `json:"schema,omitempty"`
	Role      string `json:"role,omitempty"`
}

// Merge overlays non-empty override fields onto the receiver.
func (s SessionContext) Merge(o SessionContext) SessionContext {
	if o.Warehouse != "" {
		s.Warehouse = o.Warehouse
	}
	if o.Database != "" {
		s.Database = o.Database
	}
	if o.Schema != "" {
		s.Schema = o.Schema
	}
	if o.Role != "" {
		s.Role = o.Role
	}
	return s
}

// Key returns a stable string for cache keying.
func (s SessionContext) Key() string {
	return strings.Join([]string{s.Warehouse, s.Database, s.Schema, s.Role}, "\x1f")
}

// Result is the outcome of a completed query.
type Result struct {
	QueryID string     `json:"query_id"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Handle identifies a submitted statement that may still be running.
type Handle interface {
	// QueryID returns the warehouse-side query id, or "" if the
	// submission never reached the server.
	QueryID() string

	// Wait blocks until the query completes or ctx is done.
	Wait(ctx context.Context) (*Result, error)
}

// Client is the narrow surface the core needs from the Snowflake driver.
type Client interface {
	// Submit starts a statement asynchronously under the given session
	// context and query tag, returning a handle for collection.
	Submit(ctx context.Context, statement string, session SessionContext, queryTag string) (Handle, error)

	// Cancel issues a best-effort server-side cancellation.
	Cancel(ctx context.Context, queryID string) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}
