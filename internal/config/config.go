// Package config holds all igloo-mcp configuration.
//
// Configuration is assembled once at process start (defaults -> optional
// YAML file -> IGLOO_MCP_* environment overrides) and the resulting value
// is passed into every component constructor. Nothing in this package is
// mutable after Load returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// CacheMode selects the result-cache behaviour for a query.
type CacheMode string

const (
	CacheEnabled  CacheMode = "enabled"   // lookup on read, write on miss
	CacheRefresh  CacheMode = "refresh"   // bypass lookup, write fresh
	CacheReadOnly CacheMode = "read_only" // lookup only, never write
	CacheDisabled CacheMode = "disabled"  // no lookup, no write
)

// ParseCacheMode validates a cache mode string, defaulting empty to enabled.
func ParseCacheMode(s string) (CacheMode, error) {
	switch CacheMode(s) {
	case "", CacheEnabled:
		return CacheEnabled, nil
	case CacheRefresh, CacheReadOnly, CacheDisabled:
		return CacheMode(s), nil
	default:
		return "", fmt.Errorf("invalid cache mode %q (valid: enabled, refresh, read_only, disabled)", s)
	}
}

// Config holds all igloo-mcp settings.
type Config struct {
	// Profile names the active connection profile. It participates in
	// cache keying so results from different accounts never collide.
	Profile string `yaml:"profile"`

	Paths   PathsConfig   `yaml:"paths"`
	Query   QueryConfig   `yaml:"query"`
	Cache   CacheConfig   `yaml:"cache"`
	Catalog CatalogConfig `yaml:"catalog"`
	Reports ReportsConfig `yaml:"reports"`

	Logging LoggingConfig `yaml:"logging"`

	Snowflake SnowflakeConfig `yaml:"snowflake"`
}

// PathsConfig controls where igloo-mcp writes its on-disk state.
type PathsConfig struct {
	// Scope selects the default root: "global" (~/.igloo_mcp) or "repo"
	// (the current repository root).
	Scope string `yaml:"scope"`

	// HistoryPath is the query history JSONL file. Empty or "disabled"
	// turns history off.
	HistoryPath string `yaml:"history_path"`

	// ArtifactRoot holds the by-sha SQL tree and, by default, the cache.
	ArtifactRoot string `yaml:"artifact_root"`

	// CacheRoot overrides the cache location (default <artifact_root>/cache).
	CacheRoot string `yaml:"cache_root"`

	// ReportsRoot holds reports/index.jsonl and reports/by_id/.
	ReportsRoot string `yaml:"reports_root"`

	// CatalogRoot holds per-database catalog output.
	CatalogRoot string `yaml:"catalog_root"`
}

// QueryConfig bounds query execution.
type QueryConfig struct {
	MinTimeoutSeconds int `yaml:"min_timeout_seconds"`
	MaxTimeoutSeconds int `yaml:"max_timeout_seconds"`

	// DefaultTimeoutSeconds applies when a request carries no
	// timeout_seconds at all; the min/max clamp is for out-of-range
	// values, not absence.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`

	// MaxStatementLength rejects statements longer than this many bytes.
	MaxStatementLength int `yaml:"max_statement_length"`

	MinReasonLength int `yaml:"min_reason_length"`
	MaxReasonLength int `yaml:"max_reason_length"`

	// InlineBudgetSeconds is the RPC budget for the inline wait before a
	// query transitions to async polling.
	InlineBudgetSeconds int `yaml:"inline_budget_seconds"`

	// SafetyMarginSeconds is subtracted from the RPC budget so the
	// response still fits inside the transport deadline.
	SafetyMarginSeconds int `yaml:"safety_margin_seconds"`

	// Result truncation policy.
	ResultSizeLimitMB         int `yaml:"result_size_limit_mb"`
	ResultKeepFirstRows       int `yaml:"result_keep_first_rows"`
	ResultKeepLastRows        int `yaml:"result_keep_last_rows"`
	ResultTruncationThreshold int `yaml:"result_truncation_threshold"`
}

// CacheConfig controls the filesystem result cache.
type CacheConfig struct {
	Mode    CacheMode `yaml:"mode"`
	MaxRows int       `yaml:"max_rows"`
}

// CatalogConfig controls catalog extraction.
type CatalogConfig struct {
	// Concurrency is the worker pool width for schema crawling.
	Concurrency int `yaml:"concurrency"`

	// MaxDDLConcurrency throttles overlapping GET_DDL calls warehouse-side.
	MaxDDLConcurrency int `yaml:"max_ddl_concurrency"`
}

// ReportsConfig controls the Living Reports store.
type ReportsConfig struct {
	// LockTimeoutSeconds bounds advisory lock acquisition.
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds"`

	// AuditRotateMB rotates audit.jsonl past this size.
	AuditRotateMB int `yaml:"audit_rotate_mb"`

	// MaxBackups caps rotating outline backups per report (0 = unlimited).
	MaxBackups int `yaml:"max_backups"`

	// ChartMaxMB is the hard per-chart size limit.
	ChartMaxMB int `yaml:"chart_max_mb"`

	// PreviewMaxChars truncates render previews, clamped to [100, 10000].
	PreviewMaxChars int `yaml:"preview_max_chars"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// SnowflakeConfig carries connection settings for the warehouse adapter.
// Credentials come from the profile resolver, not this file.
type SnowflakeConfig struct {
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Warehouse string `yaml:"warehouse"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Role      string `yaml:"role"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Profile: "default",
		Paths: PathsConfig{
			Scope: ScopeGlobal,
		},
		Query: QueryConfig{
			MinTimeoutSeconds:         1,
			MaxTimeoutSeconds:         3600,
			DefaultTimeoutSeconds:     120,
			MaxStatementLength:        1_000_000,
			MinReasonLength:           5,
			MaxReasonLength:           200,
			InlineBudgetSeconds:       45,
			SafetyMarginSeconds:       5,
			ResultSizeLimitMB:         1,
			ResultKeepFirstRows:       500,
			ResultKeepLastRows:        50,
			ResultTruncationThreshold: 1000,
		},
		Cache: CacheConfig{
			Mode:    CacheEnabled,
			MaxRows: 5000,
		},
		Catalog: CatalogConfig{
			Concurrency:       16,
			MaxDDLConcurrency: 8,
		},
		Reports: ReportsConfig{
			LockTimeoutSeconds: 10,
			AuditRotateMB:      50,
			MaxBackups:         20,
			ChartMaxMB:         50,
			PreviewMaxChars:    2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from an optional YAML file and applies
// IGLOO_MCP_* environment overrides. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies IGLOO_MCP_* environment variables.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("IGLOO_MCP_LOG_SCOPE"); v != "" {
		c.Paths.Scope = v
	}
	if v, ok := os.LookupEnv("IGLOO_MCP_QUERY_HISTORY"); ok {
		c.Paths.HistoryPath = v
	}
	if v := os.Getenv("IGLOO_MCP_ARTIFACT_ROOT"); v != "" {
		c.Paths.ArtifactRoot = v
	}
	if v := os.Getenv("IGLOO_MCP_CACHE_ROOT"); v != "" {
		c.Paths.CacheRoot = v
	}
	if v := os.Getenv("IGLOO_MCP_REPORTS_ROOT"); v != "" {
		c.Paths.ReportsRoot = v
	}
	if v := os.Getenv("IGLOO_MCP_CATALOG_ROOT"); v != "" {
		c.Paths.CatalogRoot = v
	}
	if v := os.Getenv("IGLOO_MCP_CACHE_MODE"); v != "" {
		mode, err := ParseCacheMode(v)
		if err != nil {
			return fmt.Errorf("IGLOO_MCP_CACHE_MODE: %w", err)
		}
		c.Cache.Mode = mode
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"IGLOO_MCP_CACHE_MAX_ROWS", &c.Cache.MaxRows},
		{"IGLOO_MCP_CATALOG_CONCURRENCY", &c.Catalog.Concurrency},
		{"IGLOO_MCP_MAX_DDL_CONCURRENCY", &c.Catalog.MaxDDLConcurrency},
		{"IGLOO_MCP_MIN_QUERY_TIMEOUT_SECONDS", &c.Query.MinTimeoutSeconds},
		{"IGLOO_MCP_MAX_QUERY_TIMEOUT_SECONDS", &c.Query.MaxTimeoutSeconds},
		{"IGLOO_MCP_DEFAULT_QUERY_TIMEOUT_SECONDS", &c.Query.DefaultTimeoutSeconds},
		{"IGLOO_MCP_MAX_SQL_STATEMENT_LENGTH", &c.Query.MaxStatementLength},
		{"IGLOO_MCP_MIN_REASON_LENGTH", &c.Query.MinReasonLength},
		{"IGLOO_MCP_MAX_REASON_LENGTH", &c.Query.MaxReasonLength},
		{"IGLOO_MCP_RESULT_SIZE_LIMIT_MB", &c.Query.ResultSizeLimitMB},
		{"IGLOO_MCP_RESULT_KEEP_FIRST_ROWS", &c.Query.ResultKeepFirstRows},
		{"IGLOO_MCP_RESULT_KEEP_LAST_ROWS", &c.Query.ResultKeepLastRows},
		{"IGLOO_MCP_RESULT_TRUNCATION_THRESHOLD", &c.Query.ResultTruncationThreshold},
	}
	for _, v := range intVars {
		raw := os.Getenv(v.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", v.name, raw)
		}
		*v.dst = n
	}

	if v := os.Getenv("IGLOO_MCP_PROFILE"); v != "" {
		c.Profile = v
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Paths.Scope != ScopeGlobal && c.Paths.Scope != ScopeRepo {
		return fmt.Errorf("invalid scope %q (valid: %s, %s)", c.Paths.Scope, ScopeGlobal, ScopeRepo)
	}
	if c.Query.MinTimeoutSeconds < 1 {
		return fmt.Errorf("min query timeout must be >= 1, got %d", c.Query.MinTimeoutSeconds)
	}
	if c.Query.MaxTimeoutSeconds < c.Query.MinTimeoutSeconds {
		return fmt.Errorf("max query timeout %d below min %d",
			c.Query.MaxTimeoutSeconds, c.Query.MinTimeoutSeconds)
	}
	if c.Cache.MaxRows < 1 {
		return fmt.Errorf("cache max_rows must be >= 1, got %d", c.Cache.MaxRows)
	}
	if c.Catalog.Concurrency < 1 {
		return fmt.Errorf("catalog concurrency must be >= 1, got %d", c.Catalog.Concurrency)
	}
	if c.Catalog.MaxDDLConcurrency < 1 {
		return fmt.Errorf("max DDL concurrency must be >= 1, got %d", c.Catalog.MaxDDLConcurrency)
	}
	if c.Reports.LockTimeoutSeconds < 1 {
		return fmt.Errorf("lock timeout must be >= 1, got %d", c.Reports.LockTimeoutSeconds)
	}
	return nil
}

// HistoryDisabled reports whether query history logging is turned off.
func (c *Config) HistoryDisabled() bool {
	v := strings.TrimSpace(strings.ToLower(c.Paths.HistoryPath))
	return v == "disabled"
}

// ClampTimeout clamps a requested timeout into the configured bounds.
func (c *Config) ClampTimeout(seconds int) int {
	if seconds < c.Query.MinTimeoutSeconds {
		return c.Query.MinTimeoutSeconds
	}
	if seconds > c.Query.MaxTimeoutSeconds {
		return c.Query.MaxTimeoutSeconds
	}
	return seconds
}

// ClampPreviewChars clamps a preview budget into [100, 10000], with the
// configured default for zero.
func (c *Config) ClampPreviewChars(n int) int {
	if n == 0 {
		n = c.Reports.PreviewMaxChars
	}
	if n < 100 {
		return 100
	}
	if n > 10000 {
		return 10000
	}
	return n
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".igloo_mcp", "config.yaml")
	}
	return filepath.Join(home, ".igloo_mcp", "config.yaml")
}
