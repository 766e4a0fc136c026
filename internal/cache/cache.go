// Package cache is a filesystem result cache keyed by (profile, session
// context, sql sha). Each entry is a directory holding manifest.json and
// payload.json; the payload lands first and the manifest last, so a
// manifest's presence implies a complete entry.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"igloomcp/internal/config"
	"igloomcp/internal/warehouse"
)

// Manifest describes a cached payload.
type Manifest struct {
	Key             string                   `json:"key"`
	Profile         string                   `json:"profile"`
	SessionContext  warehouse.SessionContext `json:"session_context"`
	SQLSHA256       string                   `json:"sql_sha256"`
	QueryID         string                   `json:"query_id,omitempty"`
	ExecutionID     string                   `json:"execution_id,omitempty"`
	CachedAt        time.Time                `json:"cached_at"`
	RowCount        int                      `json:"row_count"`
	StoredRows      int                      `json:"stored_rows"`
	Truncated       bool                     `json:"truncated"`
	Columns         []string                 `json:"columns"`
	SourceDatabases []string                 `json:"source_databases"`
	Tables          []string                 `json:"tables"`
}

// Entry is a cache hit: manifest plus the stored row prefix.
type Entry struct {
	Manifest Manifest
	Rows     [][]string
}

// Cache is the filesystem result cache. It knows nothing about SQL
// semantics; callers hand it already-attributed results.
type Cache struct {
	root    string
	maxRows int
	log     *zap.Logger
}

// New creates a cache rooted at root, storing at most maxRows rows per
// entry.
func New(root string, maxRows int, log *zap.Logger) *Cache {
	return &Cache{root: root, maxRows: maxRows, log: log}
}

// Key derives the cache key from profile, session context and sql sha.
func Key(profile string, session warehouse.SessionContext, sqlSHA string) string {
	h := sha256.New()
	h.Write([]byte(profile))
	h.Write([]byte{0x1f})
	h.Write([]byte(session.Key()))
	h.Write([]byte{0x1f})
	h.Write([]byte(sqlSHA))
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the cached entry for key, or nil on miss. Modes refresh
// and disabled never look up.
func (c *Cache) Lookup(mode config.CacheMode, key string) *Entry {
	if mode == config.CacheRefresh || mode == config.CacheDisabled {
		return nil
	}

	dir := filepath.Join(c.root, key)
	manifestData, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil
	}
	var m Manifest
	if err := json.Unmarshal(manifestData, &m); err != nil {
		c.warn("corrupt cache manifest", key, err)
		return nil
	}

	payloadData, err := os.ReadFile(filepath.Join(dir, "payload.json"))
	if err != nil {
		c.warn("cache payload missing", key, err)
		return nil
	}
	var rows [][]string
	if err := json.Unmarshal(payloadData, &rows); err != nil {
		c.warn("corrupt cache payload", key, err)
		return nil
	}
	return &Entry{Manifest: m, Rows: rows}
}

// Store writes an entry unless the mode forbids it. The stored payload is
// the first maxRows rows; the manifest records truncation. Store is
// best-effort and returns the manifest actually written, or nil.
func (c *Cache) Store(mode config.CacheMode, key string, m Manifest, rows [][]string) *Manifest {
	if mode == config.CacheReadOnly || mode == config.CacheDisabled {
		return nil
	}

	m.Key = key
	m.CachedAt = time.Now().UTC()
	m.RowCount = len(rows)
	if len(rows) > c.maxRows {
		rows = rows[:c.maxRows]
		m.Truncated = true
	}
	m.StoredRows = len(rows)

	dir := filepath.Join(c.root, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.warn("create cache dir", key, err)
		return nil
	}

	if err := writeFileAtomic(filepath.Join(dir, "payload.json"), rows); err != nil {
		c.warn("write cache payload", key, err)
		return nil
	}
	if err := writeFileAtomic(filepath.Join(dir, "manifest.json"), m); err != nil {
		c.warn("write cache manifest", key, err)
		return nil
	}
	return &m
}

// Invalidate removes an entry.
func (c *Cache) Invalidate(key string) error {
	return os.RemoveAll(filepath.Join(c.root, key))
}

func (c *Cache) warn(msg, key string, err error) {
	if c.log != nil {
		c.log.Warn(msg, zap.String("key", key), zap.Error(err))
	}
}

// writeFileAtomic marshals v and commits it via tmp-then-rename.
func writeFileAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
