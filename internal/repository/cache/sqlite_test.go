package cache

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tileid"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/logger"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteCache(t *testing.T, path string, maxTiles int) *SQLiteCache {
	t.Helper()
	c, err := NewSQLiteCache(context.Background(), path, maxTiles, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSQLiteCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestSQLiteCache(t, filepath.Join(t.TempDir(), "cache.db"), 100)
	require.False(t, c.WasReset())

	expires := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())
	item := testItem("mapbox.satellite", 10, 511, 340, "blob")
	item.ExpiresAt = expires
	item.LastModified = "Wed, 21 Oct 2015 07:28:00 GMT"
	require.NoError(t, c.Add(ctx, item, true))

	got, ok, err := c.Get(ctx, item.Key())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("blob"), got.Data)
	require.Equal(t, "etag-blob", got.ETag)
	require.Equal(t, item.LastModified, got.LastModified)
	require.True(t, expires.Equal(got.ExpiresAt))
	require.Empty(t, got.FilePath)

	exists, err := c.Exists(ctx, item.Key())
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, c.Remove(ctx, item.Key()))
	_, ok, err = c.Get(ctx, item.Key())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteCacheAbsentMetadata(t *testing.T) {
	ctx := context.Background()
	c := newTestSQLiteCache(t, filepath.Join(t.TempDir(), "cache.db"), 100)

	item := &Item{TilesetID: "t", TileID: tileid.CanonicalTileID{Z: 2, X: 1, Y: 1}, Data: []byte("x")}
	require.NoError(t, c.Add(ctx, item, true))

	got, ok, err := c.Get(ctx, item.Key())
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, got.ETag)
	require.True(t, got.ExpiresAt.IsZero())
}

func TestSQLiteCacheFileBackedRowsSkipPayload(t *testing.T) {
	ctx := context.Background()
	c := newTestSQLiteCache(t, filepath.Join(t.TempDir(), "cache.db"), 100)

	item := testItem("t", 4, 3, 2, "bytes-on-disk")
	item.FilePath = "/cache/t/4/3/2.png"
	require.NoError(t, c.Add(ctx, item, true))

	got, ok, err := c.Get(ctx, item.Key())
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, got.Data)
	require.Equal(t, item.FilePath, got.FilePath)

	paths, err := c.FilePaths(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{item.FilePath}, paths)

	require.NoError(t, c.RemoveByPath(ctx, item.FilePath))
	n, err := c.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSQLiteCacheForceInsert(t *testing.T) {
	ctx := context.Background()
	c := newTestSQLiteCache(t, filepath.Join(t.TempDir(), "cache.db"), 100)

	require.NoError(t, c.Add(ctx, testItem("t", 1, 0, 0, "old"), false))
	require.NoError(t, c.Add(ctx, testItem("t", 1, 0, 0, "new"), false))

	key := Key{TilesetID: "t", TileID: tileid.CanonicalTileID{Z: 1}}
	got, _, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("old"), got.Data)

	require.NoError(t, c.Add(ctx, testItem("t", 1, 0, 0, "new"), true))
	got, _, err = c.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got.Data)
	require.Equal(t, "etag-new", got.ETag)
}

func TestSQLiteCachePruneOldest(t *testing.T) {
	ctx := context.Background()
	c := newTestSQLiteCache(t, filepath.Join(t.TempDir(), "cache.db"), 2)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		item := testItem("t", 3, i, 0, "x")
		item.AddedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			item.FilePath = filepath.Join("/cache", "t", "3", string(rune('0'+i)), "0.png")
		}
		require.NoError(t, c.Add(ctx, item, true))
	}

	removed, err := c.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join("/cache", "t", "3", "0", "0.png")}, removed)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ok, err := c.Exists(ctx, Key{TilesetID: "t", TileID: tileid.CanonicalTileID{Z: 3, X: 3}})
	require.NoError(t, err)
	require.True(t, ok)

	removed, err = c.Prune(ctx)
	require.NoError(t, err)
	require.Empty(t, removed)
}

func TestSQLiteCacheWipesStaleSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	c, err := NewSQLiteCache(ctx, path, 100, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Add(ctx, testItem("t", 0, 0, 0, "x"), true))
	require.NoError(t, c.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO goose_db_version (version_id, is_applied) VALUES (99, 1)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened := newTestSQLiteCache(t, path, 100)
	require.True(t, reopened.WasReset())
	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	again := newTestSQLiteCache(t, path, 100)
	require.False(t, again.WasReset())
}

func TestSQLiteCacheDisabled(t *testing.T) {
	ctx := context.Background()

	_, err := NewSQLiteCache(ctx, filepath.Join(t.TempDir(), "x.db"), -5, logger.NewNop())
	require.ErrorIs(t, err, ErrInvalidSize)

	c, err := NewSQLiteCache(ctx, filepath.Join(t.TempDir(), "x.db"), 0, logger.NewNop())
	require.NoError(t, err)
	require.False(t, c.Enabled())
	require.NoError(t, c.Add(ctx, testItem("t", 0, 0, 0, "x"), true))
	_, ok, err := c.Get(ctx, Key{TilesetID: "t"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTileCodeIsUniqueAcrossZooms(t *testing.T) {
	seen := make(map[int64]tileid.CanonicalTileID)
	for z := 0; z <= 4; z++ {
		n := 1 << z
		for x := 0; x < n; x++ {
			for y := 0; y < n; y++ {
				id := tileid.CanonicalTileID{Z: z, X: x, Y: y}
				code := tileCode(id)
				prev, dup := seen[code]
				require.False(t, dup, "%v and %v share code %d", prev, id, code)
				seen[code] = id
			}
		}
	}
	require.Equal(t, int64(0), tileCode(tileid.CanonicalTileID{}))
}
