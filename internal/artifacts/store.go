// Package artifacts stores full SQL statement text content-addressed by
// SHA-256 under <root>/queries/by_sha/<sha>.sql. Writes are idempotent,
// so concurrent writers need no lock: the rename either lands the same
// bytes or loses to an identical file.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Store is a content-addressed SQL artifact store.
type Store struct {
	root string
}

// NewStore creates a store rooted at the artifact root (the queries/by_sha
// tree is created lazily on first write).
func NewStore(root string) *Store {
	return &Store{root: root}
}

// SHA256 returns the lowercase hex digest used to key a statement.
func SHA256(statement string) string {
	sum := sha256.Sum256([]byte(statement))
	return hex.EncodeToString(sum[:])
}

// Put stores the statement and returns its sha. Re-putting identical
// content is a no-op.
func (s *Store) Put(statement string) (string, error) {
	sha := SHA256(statement)
	path := s.Path(sha)

	if _, err := os.Stat(path); err == nil {
		return sha, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sql-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(statement); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to commit artifact: %w", err)
	}
	return sha, nil
}

// Get reads the statement stored under sha byte-for-byte.
func (s *Store) Get(sha string) (string, error) {
	data, err := os.ReadFile(s.Path(sha))
	if err != nil {
		return "", fmt.Errorf("artifact %s: %w", sha, err)
	}
	return string(data), nil
}

// Has reports whether an artifact exists for sha.
func (s *Store) Has(sha string) bool {
	_, err := os.Stat(s.Path(sha))
	return err == nil
}

// Path returns the filesystem location for a sha.
func (s *Store) Path(sha string) string {
	return filepath.Join(s.root, "queries", "by_sha", sha+".sql")
}
