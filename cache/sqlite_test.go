package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *SQLiteCache {
	t.Helper()
	c, err := NewSQLiteCache("memory")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGetRoundTrip(t *testing.T) {
	c := newTestCache(t)
	storedAt := time.Unix(1700000000, 42)
	ce := CacheEntry{Key: "https://example.com/a.css", Class: ClassStatic, StoredAt: storedAt, Bytes: []byte("payload")}

	require.NoError(t, c.Put("site-static-v1", ce))

	got, ok, err := c.Get("site-static-v1", ce.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ce.Bytes, got.Bytes)
	assert.Equal(t, ClassStatic, got.Class)
	assert.True(t, storedAt.Equal(got.StoredAt), "stored at %v, got %v", storedAt, got.StoredAt)
}

func TestGetMissing(t *testing.T) {
	c := newTestCache(t)
	_, ok, err := c.Get("site-static-v1", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutReplacesSameKey(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()
	require.NoError(t, c.Put("p", CacheEntry{Key: "k", Class: ClassDynamic, StoredAt: now, Bytes: []byte("one")}))
	require.NoError(t, c.Put("p", CacheEntry{Key: "k", Class: ClassDynamic, StoredAt: now.Add(time.Second), Bytes: []byte("two")}))

	count, err := c.Count("p")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, _, err := c.Get("p", "k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got.Bytes))
}

func TestPartitionsAreIndependent(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()
	require.NoError(t, c.Put("a", CacheEntry{Key: "k", StoredAt: now, Bytes: []byte("a")}))
	require.NoError(t, c.Open("b"))

	_, ok, err := c.Get("b", "k")
	require.NoError(t, err)
	assert.False(t, ok)

	partitions, err := c.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, partitions)

	count, err := c.Count("b")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestOldestOrdersByStoredAt(t *testing.T) {
	c := newTestCache(t)
	base := time.Now()
	// written out of order on purpose
	require.NoError(t, c.Put("p", CacheEntry{Key: "second", StoredAt: base.Add(2 * time.Second)}))
	require.NoError(t, c.Put("p", CacheEntry{Key: "first", StoredAt: base.Add(time.Second)}))
	require.NoError(t, c.Put("p", CacheEntry{Key: "third", StoredAt: base.Add(3 * time.Second)}))

	oldest, err := c.Oldest("p", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, oldest)

	keys, err := c.Keys("p")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, keys)

	none, err := c.Oldest("p", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteIsIdempotent(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("p", CacheEntry{Key: "k", StoredAt: time.Now()}))
	require.NoError(t, c.Delete("p", "k"))
	require.NoError(t, c.Delete("p", "k"))

	count, err := c.Count("p")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDeletePartition(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()
	require.NoError(t, c.Put("old", CacheEntry{Key: "k1", StoredAt: now}))
	require.NoError(t, c.Put("old", CacheEntry{Key: "k2", StoredAt: now}))
	require.NoError(t, c.Put("new", CacheEntry{Key: "k1", StoredAt: now}))

	require.NoError(t, c.DeletePartition("old"))

	partitions, err := c.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, partitions)
	count, err := c.Count("old")
	require.NoError(t, err)
	assert.Zero(t, count)
	count, err = c.Count("new")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFileDatabasePersists(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "cache.db")
	c, err := NewSQLiteCache(filename)
	require.NoError(t, err)
	require.NoError(t, c.Put("p", CacheEntry{Key: "k", StoredAt: time.Now(), Bytes: []byte("kept")}))
	require.NoError(t, c.Close())

	reopened, err := NewSQLiteCache(filename)
	require.NoError(t, err)
	defer reopened.Close()
	got, ok, err := reopened.Get("p", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "kept", string(got.Bytes))
}
