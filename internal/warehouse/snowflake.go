package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	sf "github.com/snowflakedb/gosnowflake"
)

// DB abstracts the database/sql operations the adapter needs, so tests can
// substitute a fake without a live account.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PingContext(ctx context.Context) error
	Close() error
}

// ConnConfig carries the connection settings for the Snowflake adapter.
type ConnConfig struct {
	Account   string
	User      string
	Password  string
	Warehouse string
	Database  string
	Schema    string
	Role      string
}

// DSN renders the gosnowflake connection string.
func (c ConnConfig) DSN() (string, error) {
	cfg := &sf.Config{
		Account:   c.Account,
		User:      c.User,
		Password:  c.Password,
		Warehouse: c.Warehouse,
		Database:  c.Database,
		Schema:    c.Schema,
		Role:      c.Role,
	}
	dsn, err := sf.DSN(cfg)
	if err != nil {
		return "", fmt.Errorf("snowflake dsn: %w", err)
	}
	return dsn, nil
}

// SnowflakeClient implements Client over gosnowflake via database/sql.
type SnowflakeClient struct {
	db  DB
	log *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Open dials Snowflake and verifies connectivity.
func Open(ctx context.Context, cfg ConnConfig, log *zap.Logger) (*SnowflakeClient, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("snowflake open: %w", err)
	}
	client := &SnowflakeClient{db: db, log: log}
	if err := client.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return client, nil
}

// NewWithDB wraps an existing DB (used by tests).
func NewWithDB(db DB, log *zap.Logger) *SnowflakeClient {
	return &SnowflakeClient{db: db, log: log}
}

type sfHandle struct {
	client    *SnowflakeClient
	statement string
	session   SessionContext
	queryTag  string

	mu      sync.Mutex
	queryID string
	done    chan struct{}
	result  *Result
	err     error
}

func (h *sfHandle) QueryID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queryID
}

func (h *sfHandle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.result, h.err
	}
}

// Submit applies the session context, tags the query, and runs it on a
// background goroutine so the caller can bound its own wait.
func (c *SnowflakeClient) Submit(ctx context.Context, statement string, session SessionContext, queryTag string) (Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("snowflake client is closed")
	}
	c.mu.Unlock()

	h := &sfHandle{
		client:    c,
		statement: statement,
		session:   session,
		queryTag:  queryTag,
		done:      make(chan struct{}),
	}
	go h.run(ctx)
	return h, nil
}

func (h *sfHandle) run(ctx context.Context) {
	defer close(h.done)

	if err := h.client.applySession(ctx, h.session, h.queryTag); err != nil {
		h.err = err
		return
	}

	// WithQueryIDChan delivers the server-side query id as soon as the
	// statement is registered, before completion, so cancellation and
	// async polling can reference it.
	idCh := make(chan string, 1)
	qctx := sf.WithQueryIDChan(ctx, idCh)

	go func() {
		if id := <-idCh; id != "" {
			h.mu.Lock()
			h.queryID = id
			h.mu.Unlock()
		}
	}()

	rows, err := h.client.db.QueryContext(qctx, h.statement)
	if err != nil {
		h.err = fmt.Errorf("snowflake execute: %w", err)
		return
	}
	defer rows.Close()

	result, err := collectRows(rows)
	if err != nil {
		h.err = err
		return
	}
	h.mu.Lock()
	result.QueryID = h.queryID
	h.mu.Unlock()
	h.result = result
}

// applySession issues USE/ALTER SESSION statements for overrides.
func (c *SnowflakeClient) applySession(ctx context.Context, s SessionContext, queryTag string) error {
	stmts := make([]string, 0, 5)
	if s.Role != "" {
		stmts = append(stmts, "USE ROLE "+quoteIdent(s.Role))
	}
	if s.Warehouse != "" {
		stmts = append(stmts, "USE WAREHOUSE "+quoteIdent(s.Warehouse))
	}
	if s.Database != "" {
		stmts = append(stmts, "USE DATABASE "+quoteIdent(s.Database))
	}
	if s.Schema != "" {
		stmts = append(stmts, "USE SCHEMA "+quoteIdent(s.Schema))
	}
	if queryTag != "" {
		stmts = append(stmts, fmt.Sprintf("ALTER SESSION SET QUERY_TAG = '%s'", escapeString(queryTag)))
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("session setup %q: %w", stmt, err)
		}
	}
	return nil
}

// Cancel asks the server to stop a running query.
func (c *SnowflakeClient) Cancel(ctx context.Context, queryID string) error {
	if queryID == "" {
		return nil
	}
	_, err := c.db.ExecContext(ctx,
		fmt.Sprintf("SELECT SYSTEM$CANCEL_QUERY('%s')", escapeString(queryID)))
	if err != nil {
		return fmt.Errorf("snowflake cancel %s: %w", queryID, err)
	}
	return nil
}

// Ping verifies the connection is alive.
func (c *SnowflakeClient) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("snowflake ping: %w", err)
	}
	return nil
}

// Close releases the connection.
func (c *SnowflakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

// collectRows scans every column as a string; Snowflake renders values
// textually for the agent anyway, and this keeps the cache payload format
// uniform.
func collectRows(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("snowflake columns: %w", err)
	}

	result := &Result{Columns: cols}
	raw := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("snowflake scan: %w", err)
		}
		row := make([]string, len(cols))
		for i, v := range raw {
			if v.Valid {
				row[i] = v.String
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snowflake rows: %w", err)
	}
	return result, nil
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func escapeString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
