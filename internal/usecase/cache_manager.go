package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png"

	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/mainloop"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/repository/cache"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/logger"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/metrics"
)

const maxSweepPasses = 8

// CacheTiers are the stores a CacheManager coordinates. Memory is required;
// a nil or disabled tier is skipped.
type CacheTiers struct {
	Memory *cache.MemoryCache
	File   *cache.FilesystemCache
	SQLite *cache.SQLiteCache
	Redis  *cache.RedisCache
}

// CacheManager coordinates the cache tiers. Texture files are indexed in
// SQLite only after they are on disk, and an entry counts as cached only when
// both its file and its row exist.
type CacheManager struct {
	memory *cache.MemoryCache
	file   *cache.FilesystemCache
	sqlite *cache.SQLiteCache
	redis  *cache.RedisCache

	queue   *mainloop.Queue
	metrics *metrics.Metrics
	logger  logger.Logger
}

type CacheStats struct {
	MemoryItems   int  `json:"memory_items"`
	MemorySize    int  `json:"memory_size"`
	FileEnabled   bool `json:"file_enabled"`
	Files         int  `json:"files"`
	SQLiteEnabled bool `json:"sqlite_enabled"`
	SQLiteRows    int  `json:"sqlite_rows"`
	RedisEnabled  bool `json:"redis_enabled"`
}

// NewCacheManager wires the tiers together. A SQLite index that was reset
// for a schema change takes the file tier with it. Files and rows without a
// counterpart are deleted before the manager is returned.
func NewCacheManager(ctx context.Context, tiers CacheTiers, q *mainloop.Queue, m *metrics.Metrics, l logger.Logger) (*CacheManager, error) {
	if tiers.Memory == nil {
		return nil, ErrMemoryCacheRequired
	}

	cm := &CacheManager{
		memory:  tiers.Memory,
		queue:   q,
		metrics: m,
		logger:  l.With("component", "cache_manager"),
	}
	if tiers.File != nil && tiers.File.Enabled() {
		cm.file = tiers.File
	}
	if tiers.SQLite != nil && tiers.SQLite.Enabled() {
		cm.sqlite = tiers.SQLite
	}
	cm.redis = tiers.Redis

	if cm.sqlite != nil && cm.sqlite.WasReset() && cm.file != nil {
		cm.logger.Warn("sqlite index was reset, clearing file cache")
		if err := cm.file.Clear(ctx); err != nil {
			return nil, fmt.Errorf("failed to clear file cache: %w", err)
		}
	}

	if err := cm.sweep(ctx); err != nil {
		return nil, err
	}

	if cm.file != nil && cm.sqlite != nil {
		cm.file.OnSaved(cm.indexSavedFile)
		cm.file.OnEvict(cm.unindexFile)
	}

	return cm, nil
}

// DataTiers lists the tiers raw tile bytes are cached in, fastest first.
func (cm *CacheManager) DataTiers() []cache.Tier {
	tiers := []cache.Tier{cm.memory}
	if cm.redis != nil {
		tiers = append(tiers, cm.redis)
	}
	if cm.sqlite != nil {
		tiers = append(tiers, cm.sqlite)
	}
	return tiers
}

// GetDataItem returns the raw bytes cached for key. A hit in a slower tier is
// copied into memory.
func (cm *CacheManager) GetDataItem(ctx context.Context, key cache.Key) (*cache.Item, bool) {
	for _, t := range cm.DataTiers() {
		item, ok, err := t.Get(ctx, key)
		if err != nil {
			cm.logger.Warn("data lookup failed", "tier", t.Name(), "key", key.String(), "error", err)
			continue
		}
		if !ok || len(item.Data) == 0 {
			continue
		}
		cm.metrics.CacheHits.WithLabelValues(t.Name()).Inc()
		if t != cache.Tier(cm.memory) {
			_ = cm.memory.Add(ctx, item, false)
		}
		return item, true
	}
	cm.metrics.CacheMisses.Inc()
	return nil, false
}

// GetTextureItemFromMemory returns a decoded texture without touching disk.
func (cm *CacheManager) GetTextureItemFromMemory(ctx context.Context, key cache.Key) (*cache.Item, bool) {
	item, ok, _ := cm.memory.Get(ctx, key)
	if !ok || item.Texture == nil {
		return nil, false
	}
	cm.metrics.CacheHits.WithLabelValues(cm.memory.Name()).Inc()
	return item, true
}

// GetTextureItemFromFile reads the file for key, then its SQLite row, off the
// main loop and delivers the result through it. A file without a row is
// deleted and reported as a miss.
func (cm *CacheManager) GetTextureItemFromFile(ctx context.Context, key cache.Key, cb func(*cache.Item, bool)) {
	if cm.file == nil || cm.sqlite == nil {
		cm.queue.Post(func() { cb(nil, false) })
		return
	}

	go func() {
		item, ok := cm.readTexture(ctx, key)
		cm.queue.Post(func() { cb(item, ok) })
	}()
}

func (cm *CacheManager) readTexture(ctx context.Context, key cache.Key) (*cache.Item, bool) {
	item, ok, err := cm.file.Get(ctx, key)
	if err != nil {
		cm.logger.Warn("texture file read failed", "key", key.String(), "error", err)
		return nil, false
	}
	if !ok {
		cm.metrics.CacheMisses.Inc()
		return nil, false
	}

	row, ok, err := cm.sqlite.Get(ctx, key)
	if err != nil {
		cm.logger.Warn("texture metadata read failed", "key", key.String(), "error", err)
		return nil, false
	}
	if !ok || row.FilePath != item.FilePath {
		cm.logger.Warn("texture file has no index row, deleting", "path", item.FilePath)
		cm.removeOrphanFile(item.FilePath)
		cm.metrics.CacheMisses.Inc()
		return nil, false
	}

	img, _, err := image.Decode(bytes.NewReader(item.Data))
	if err != nil {
		cm.logger.Warn("texture file is corrupt, deleting", "path", item.FilePath, "error", err)
		cm.removeOrphanFile(item.FilePath)
		if err := cm.sqlite.Remove(ctx, key); err != nil {
			cm.logger.Warn("failed to remove index row", "key", key.String(), "error", err)
		}
		cm.metrics.CacheMisses.Inc()
		return nil, false
	}

	item.Texture = img
	item.ETag = row.ETag
	item.LastModified = row.LastModified
	item.ExpiresAt = row.ExpiresAt
	item.AddedAt = row.AddedAt

	_ = cm.memory.Add(ctx, item, false)
	cm.metrics.CacheHits.WithLabelValues(cm.file.Name()).Inc()
	return item, true
}

// AddDataItem stores raw bytes in memory and the data tiers.
func (cm *CacheManager) AddDataItem(ctx context.Context, item *cache.Item, forceInsert bool) error {
	var errs []error
	for _, t := range cm.DataTiers() {
		if err := t.Add(ctx, item, forceInsert); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		cm.metrics.CacheStores.WithLabelValues(t.Name()).Inc()
	}
	if cm.sqlite != nil {
		cm.prune(ctx)
	}
	return errors.Join(errs...)
}

// AddTextureItem stores item in memory right away and queues the file write.
// The SQLite row follows once the file has landed.
func (cm *CacheManager) AddTextureItem(ctx context.Context, item *cache.Item, forceInsert bool) error {
	if err := cm.memory.Add(ctx, item, forceInsert); err != nil {
		return err
	}
	cm.metrics.CacheStores.WithLabelValues(cm.memory.Name()).Inc()

	if cm.file == nil {
		return nil
	}
	if err := cm.file.Add(ctx, item, forceInsert); err != nil {
		return fmt.Errorf("file: %w", err)
	}
	cm.metrics.CacheStores.WithLabelValues(cm.file.Name()).Inc()
	return nil
}

// Flush waits for queued file writes and the rows they produce.
func (cm *CacheManager) Flush() {
	if cm.file != nil {
		cm.file.Flush()
	}
}

func (cm *CacheManager) Clear(ctx context.Context) error {
	var errs []error
	errs = append(errs, cm.memory.Clear(ctx))
	if cm.file != nil {
		errs = append(errs, cm.file.Clear(ctx))
	}
	if cm.sqlite != nil {
		errs = append(errs, cm.sqlite.Clear(ctx))
	}
	if cm.redis != nil {
		errs = append(errs, cm.redis.Clear(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	cm.logger.Info("caches cleared")
	return nil
}

func (cm *CacheManager) Stats(ctx context.Context) (CacheStats, error) {
	stats := CacheStats{
		MemoryItems:  cm.memory.Len(),
		MemorySize:   cm.memory.Size(),
		RedisEnabled: cm.redis != nil,
	}
	if cm.file != nil {
		stats.FileEnabled = true
		stats.Files = cm.file.Len()
	}
	if cm.sqlite != nil {
		stats.SQLiteEnabled = true
		n, err := cm.sqlite.Count(ctx)
		if err != nil {
			return CacheStats{}, err
		}
		stats.SQLiteRows = n
	}
	return stats, nil
}

// Close flushes pending file writes before closing the index they feed.
func (cm *CacheManager) Close() error {
	var errs []error
	if cm.file != nil {
		errs = append(errs, cm.file.Close())
	}
	if cm.sqlite != nil {
		errs = append(errs, cm.sqlite.Close())
	}
	if cm.redis != nil {
		errs = append(errs, cm.redis.Close())
	}
	return errors.Join(errs...)
}

// indexSavedFile runs on the file writer once bytes are on disk.
func (cm *CacheManager) indexSavedFile(item *cache.Item, path string) {
	ctx := context.Background()

	row := *item
	row.Data = nil
	row.Texture = nil
	row.FilePath = path
	if err := cm.sqlite.Add(ctx, &row, true); err != nil {
		cm.logger.Error("failed to index texture file", "path", path, "error", err)
		return
	}
	cm.metrics.CacheStores.WithLabelValues(cm.sqlite.Name()).Inc()

	cm.prune(ctx)
}

// prune enforces the SQLite row limit and deletes the files of dropped rows.
func (cm *CacheManager) prune(ctx context.Context) {
	pruned, err := cm.sqlite.Prune(ctx)
	if err != nil {
		cm.logger.Warn("sqlite prune failed", "error", err)
		return
	}
	if cm.file == nil {
		return
	}
	for _, p := range pruned {
		if err := cm.file.RemovePath(p); err != nil {
			cm.logger.Warn("failed to remove pruned file", "path", p, "error", err)
		}
	}
}

func (cm *CacheManager) unindexFile(path string) {
	if err := cm.sqlite.RemoveByPath(context.Background(), path); err != nil {
		cm.logger.Warn("failed to drop index row for evicted file", "path", path, "error", err)
	}
}

func (cm *CacheManager) removeOrphanFile(path string) {
	if err := cm.file.RemovePath(path); err != nil {
		cm.logger.Warn("failed to remove orphan file", "path", path, "error", err)
		return
	}
	cm.metrics.OrphansRemoved.Inc()
}

// sweep deletes files SQLite does not know about and rows whose file is
// gone, repeating until a pass finds nothing.
func (cm *CacheManager) sweep(ctx context.Context) error {
	if cm.file == nil || cm.sqlite == nil {
		return nil
	}

	for pass := 0; pass < maxSweepPasses; pass++ {
		indexed, err := cm.sqlite.FilePaths(ctx)
		if err != nil {
			return fmt.Errorf("failed to list indexed files: %w", err)
		}
		onDisk, err := cm.file.Paths()
		if err != nil {
			return err
		}

		known := make(map[string]struct{}, len(indexed))
		for _, p := range indexed {
			known[p] = struct{}{}
		}
		present := make(map[string]struct{}, len(onDisk))
		for _, p := range onDisk {
			present[p] = struct{}{}
		}

		removed := 0
		for _, p := range onDisk {
			if _, ok := known[p]; ok {
				continue
			}
			if err := cm.file.RemovePath(p); err != nil {
				cm.logger.Warn("failed to remove orphan file", "path", p, "error", err)
				continue
			}
			removed++
		}
		for _, p := range indexed {
			if _, ok := present[p]; ok {
				continue
			}
			if err := cm.sqlite.RemoveByPath(ctx, p); err != nil {
				cm.logger.Warn("failed to remove dangling row", "path", p, "error", err)
				continue
			}
			removed++
		}

		if removed == 0 {
			return nil
		}
		cm.metrics.OrphansRemoved.Add(float64(removed))
		cm.logger.Info("integrity sweep removed orphans", "pass", pass, "removed", removed)
	}

	cm.logger.Warn("integrity sweep did not converge", "passes", maxSweepPasses)
	return nil
}
