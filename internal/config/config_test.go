package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ScopeGlobal, cfg.Paths.Scope)
	assert.Equal(t, CacheEnabled, cfg.Cache.Mode)
	assert.Equal(t, 5000, cfg.Cache.MaxRows)
	assert.Equal(t, 16, cfg.Catalog.Concurrency)
	assert.Equal(t, 8, cfg.Catalog.MaxDDLConcurrency)
	assert.Equal(t, 1, cfg.Query.MinTimeoutSeconds)
	assert.Equal(t, 3600, cfg.Query.MaxTimeoutSeconds)
	assert.Equal(t, 5, cfg.Query.MinReasonLength)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Cache.MaxRows, cfg.Cache.MaxRows)
}

func TestLoadYAMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  max_rows: 100\ncatalog:\n  concurrency: 4\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Cache.MaxRows)
	assert.Equal(t, 4, cfg.Catalog.Concurrency)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IGLOO_MCP_CACHE_MODE", "read_only")
	t.Setenv("IGLOO_MCP_CACHE_MAX_ROWS", "250")
	t.Setenv("IGLOO_MCP_CATALOG_CONCURRENCY", "3")
	t.Setenv("IGLOO_MCP_REPORTS_ROOT", "/tmp/reports-elsewhere")
	t.Setenv("IGLOO_MCP_DEFAULT_QUERY_TIMEOUT_SECONDS", "45")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, CacheReadOnly, cfg.Cache.Mode)
	assert.Equal(t, 250, cfg.Cache.MaxRows)
	assert.Equal(t, 3, cfg.Catalog.Concurrency)
	assert.Equal(t, "/tmp/reports-elsewhere", cfg.Paths.ReportsRoot)
	assert.Equal(t, 45, cfg.Query.DefaultTimeoutSeconds)
}

func TestEnvOverrideInvalidInt(t *testing.T) {
	t.Setenv("IGLOO_MCP_CACHE_MAX_ROWS", "lots")
	_, err := Load("")
	assert.Error(t, err)
}

func TestEnvOverrideInvalidCacheMode(t *testing.T) {
	t.Setenv("IGLOO_MCP_CACHE_MODE", "sometimes")
	_, err := Load("")
	assert.Error(t, err)
}

func TestHistoryDisabled(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.HistoryDisabled())
	cfg.Paths.HistoryPath = "disabled"
	assert.True(t, cfg.HistoryDisabled())
	cfg.Paths.HistoryPath = " Disabled "
	assert.True(t, cfg.HistoryDisabled())
}

func TestClampTimeout(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 1, cfg.ClampTimeout(0))
	assert.Equal(t, 30, cfg.ClampTimeout(30))
	assert.Equal(t, 3600, cfg.ClampTimeout(7200))
}

func TestClampPreviewChars(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 2000, cfg.ClampPreviewChars(0))
	assert.Equal(t, 100, cfg.ClampPreviewChars(10))
	assert.Equal(t, 10000, cfg.ClampPreviewChars(99999))
	assert.Equal(t, 400, cfg.ClampPreviewChars(400))
}

func TestParseCacheMode(t *testing.T) {
	mode, err := ParseCacheMode("")
	require.NoError(t, err)
	assert.Equal(t, CacheEnabled, mode)

	_, err = ParseCacheMode("bogus")
	assert.Error(t, err)
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cfg := Default()
	cfg.Query.MaxTimeoutSeconds = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Paths.Scope = "everywhere"
	assert.Error(t, cfg.Validate())
}
