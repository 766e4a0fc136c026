package artifacts

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	stmt := "SELECT *\nFROM a.b.c -- trailing comment\nLIMIT 10"
	sha, err := store.Put(stmt)
	require.NoError(t, err)
	assert.Len(t, sha, 64)

	got, err := store.Get(sha)
	require.NoError(t, err)
	assert.Equal(t, stmt, got)
}

func TestPutIsIdempotent(t *testing.T) {
	store := NewStore(t.TempDir())

	sha1, err := store.Put("SELECT 1")
	require.NoError(t, err)

	info1, err := os.Stat(store.Path(sha1))
	require.NoError(t, err)

	sha2, err := store.Put("SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, sha1, sha2)

	info2, err := os.Stat(store.Path(sha2))
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime(), "second put must not rewrite the file")
}

func TestDistinctStatementsDistinctShas(t *testing.T) {
	store := NewStore(t.TempDir())

	a, err := store.Put("SELECT 1")
	require.NoError(t, err)
	b, err := store.Put("SELECT 2")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.True(t, store.Has(a))
	assert.True(t, store.Has(b))
}

func TestGetMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Get(SHA256("never stored"))
	assert.Error(t, err)
	assert.False(t, store.Has(SHA256("never stored")))
}

func TestSHA256Stable(t *testing.T) {
	assert.Equal(t, SHA256("SELECT 1"), SHA256("SELECT 1"))
	assert.NotEqual(t, SHA256("SELECT 1"), SHA256("select 1"))
}
