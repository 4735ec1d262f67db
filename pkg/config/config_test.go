package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	t.Setenv("MAPBOX_ACCESS_TOKEN", "pk.test")

	cfg, err := New()
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.HTTP.Server.Port)
	require.Equal(t, 10*time.Second, cfg.Mapbox.RequestTimeout)
	require.Equal(t, "05", cfg.Mapbox.SKUID)
	require.True(t, cfg.Mapbox.AutoRefresh)
	require.Equal(t, 500, cfg.Cache.MemorySize)
	require.NotEmpty(t, cfg.Cache.FileDir)
	require.Empty(t, cfg.Map.Bounds)
}

func TestNewRequiresAccessToken(t *testing.T) {
	t.Setenv("MAPBOX_ACCESS_TOKEN", "")

	_, err := New()
	require.Error(t, err)
}

func TestNegativeCacheSizeIsRejected(t *testing.T) {
	t.Setenv("MAPBOX_ACCESS_TOKEN", "pk.test")
	t.Setenv("CACHE_MEMORY_SIZE", "-1")

	_, err := New()
	require.Error(t, err)
}

func TestZeroCacheSizeIsAccepted(t *testing.T) {
	t.Setenv("MAPBOX_ACCESS_TOKEN", "pk.test")
	t.Setenv("CACHE_FILE_SIZE_LIMIT", "0")
	t.Setenv("CACHE_SQLITE_MAX_TILES", "0")

	cfg, err := New()
	require.NoError(t, err)
	require.Zero(t, cfg.Cache.FileSizeLimit)
	require.Zero(t, cfg.Cache.SQLiteMaxTiles)
}

func TestMapBounds(t *testing.T) {
	t.Setenv("MAPBOX_ACCESS_TOKEN", "pk.test")
	t.Setenv("MAP_BOUNDS", "13.3,52.4,13.5,52.6")

	cfg, err := New()
	require.NoError(t, err)
	require.Equal(t, []float64{13.3, 52.4, 13.5, 52.6}, cfg.Map.Bounds)

	t.Setenv("MAP_BOUNDS", "13.3,52.4")
	_, err = New()
	require.Error(t, err)
}
