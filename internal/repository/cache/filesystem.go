package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/logger"
)

const tileFileExt = ".png"

var ErrClosed = errors.New("cache: file cache is closed")

type writeJob struct {
	item *Item
	path string
}

// FilesystemCache stores one file per tile under
// {root}/{tileset}/{z}/{x}/{y}.png. Writes go through a queue drained by a
// single worker; callbacks registered with OnSaved fire once a file is on
// disk. At most sizeLimit files are kept, least recently used go first.
type FilesystemCache struct {
	root      string
	sizeLimit int
	logger    logger.Logger

	index *lru.Cache[string, struct{}]

	mu     sync.RWMutex
	closed bool
	queue  chan writeJob
	done   chan struct{}

	// pending counts writes handed to the queue and not yet processed.
	pendingMu sync.Mutex
	pending   int
	drained   *sync.Cond

	hooksMu sync.RWMutex
	onSaved []func(item *Item, path string)
	onEvict []func(path string)
}

var _ Tier = (*FilesystemCache)(nil)

// NewFilesystemCache indexes the files already under root. A sizeLimit of
// zero disables the tier.
func NewFilesystemCache(root string, sizeLimit, queueSize int, l logger.Logger) (*FilesystemCache, error) {
	if sizeLimit < 0 {
		return nil, fmt.Errorf("%w: file size limit %d", ErrInvalidSize, sizeLimit)
	}
	if queueSize < 1 {
		queueSize = 1
	}

	c := &FilesystemCache{
		root:      root,
		sizeLimit: sizeLimit,
		logger:    l.With("tier", "file"),
		queue:     make(chan writeJob, queueSize),
		done:      make(chan struct{}),
	}
	c.drained = sync.NewCond(&c.pendingMu)
	if sizeLimit == 0 {
		close(c.done)
		c.closed = true
		return c, nil
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	index, err := lru.NewWithEvict(sizeLimit, c.evicted)
	if err != nil {
		return nil, fmt.Errorf("failed to create file index: %w", err)
	}
	c.index = index

	paths, err := c.walk()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		c.index.Add(p, struct{}{})
	}

	go c.worker()

	c.logger.Info("file cache initialized", "root", root, "files", len(paths))
	return c, nil
}

func (c *FilesystemCache) Name() string {
	return "file"
}

func (c *FilesystemCache) Enabled() bool {
	return c.index != nil
}

// OnSaved registers fn to run on the writer goroutine after each file lands.
func (c *FilesystemCache) OnSaved(fn func(item *Item, path string)) {
	c.hooksMu.Lock()
	c.onSaved = append(c.onSaved, fn)
	c.hooksMu.Unlock()
}

// OnEvict registers fn to run after a file leaves the index, either because
// the size limit was exceeded or because it was removed.
func (c *FilesystemCache) OnEvict(fn func(path string)) {
	c.hooksMu.Lock()
	c.onEvict = append(c.onEvict, fn)
	c.hooksMu.Unlock()
}

// PathFor returns where key is stored. The file may not exist.
func (c *FilesystemCache) PathFor(key Key) string {
	return filepath.Join(
		c.root,
		sanitizeTileset(key.TilesetID),
		strconv.Itoa(key.TileID.Z),
		strconv.Itoa(key.TileID.X),
		strconv.Itoa(key.TileID.Y)+tileFileExt,
	)
}

// Get reads the file for key. Only Data, FilePath and AddedAt are known to
// this tier; HTTP metadata lives in the SQLite index.
func (c *FilesystemCache) Get(_ context.Context, key Key) (*Item, bool, error) {
	if !c.Enabled() {
		return nil, false, nil
	}

	path := c.PathFor(key)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	c.index.Get(path)

	return &Item{
		TilesetID: key.TilesetID,
		TileID:    key.TileID,
		Data:      data,
		FilePath:  path,
		AddedAt:   info.ModTime(),
	}, true, nil
}

// Add queues item for writing. Without forceInsert an existing file is kept.
// Add blocks while the queue is full.
func (c *FilesystemCache) Add(ctx context.Context, item *Item, forceInsert bool) error {
	if !c.Enabled() {
		return nil
	}

	path := c.PathFor(item.Key())
	if !forceInsert {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	c.track(1)
	select {
	case c.queue <- writeJob{item: item, path: path}:
		return nil
	case <-ctx.Done():
		c.track(-1)
		return ctx.Err()
	}
}

func (c *FilesystemCache) Exists(_ context.Context, key Key) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	_, err := os.Stat(c.PathFor(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (c *FilesystemCache) Remove(_ context.Context, key Key) error {
	if !c.Enabled() {
		return nil
	}
	return c.RemovePath(c.PathFor(key))
}

// RemovePath deletes a cached file by path. A missing file is not an error.
func (c *FilesystemCache) RemovePath(path string) error {
	if !c.Enabled() {
		return nil
	}
	c.index.Remove(path)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Clear waits for queued writes and deletes every cached file.
func (c *FilesystemCache) Clear(context.Context) error {
	if !c.Enabled() {
		return nil
	}
	c.Flush()

	c.index.Purge()
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to list cache directory: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.root, e.Name())); err != nil {
			return fmt.Errorf("failed to clear cache directory: %w", err)
		}
	}
	c.logger.Info("file cache cleared")
	return nil
}

// Paths lists the tile files currently on disk.
func (c *FilesystemCache) Paths() ([]string, error) {
	if !c.Enabled() {
		return nil, nil
	}
	return c.walk()
}

func (c *FilesystemCache) Len() int {
	if !c.Enabled() {
		return 0
	}
	return c.index.Len()
}

// Flush blocks until every write queued so far, including writes queued
// concurrently with Flush, has been processed. It is safe to call from any
// number of goroutines.
func (c *FilesystemCache) Flush() {
	c.pendingMu.Lock()
	for c.pending > 0 {
		c.drained.Wait()
	}
	c.pendingMu.Unlock()
}

func (c *FilesystemCache) track(delta int) {
	c.pendingMu.Lock()
	c.pending += delta
	if c.pending == 0 {
		c.drained.Broadcast()
	}
	c.pendingMu.Unlock()
}

// Close drains the write queue and stops the worker.
func (c *FilesystemCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()

	<-c.done
	return nil
}

func (c *FilesystemCache) worker() {
	defer close(c.done)
	for job := range c.queue {
		c.write(job)
		c.track(-1)
	}
}

func (c *FilesystemCache) write(job writeJob) {
	data := job.item.Data
	if len(data) == 0 && job.item.Texture != nil {
		var buf bytes.Buffer
		if err := png.Encode(&buf, job.item.Texture); err != nil {
			c.logger.Error("failed to encode texture", "key", job.item.Key().String(), "error", err)
			return
		}
		data = buf.Bytes()
	}

	if err := writeFileAtomic(job.path, data); err != nil {
		c.logger.Error("failed to write tile file", "path", job.path, "error", err)
		return
	}

	c.index.Add(job.path, struct{}{})

	saved := *job.item
	saved.FilePath = job.path
	if saved.AddedAt.IsZero() {
		saved.AddedAt = time.Now()
	}

	c.hooksMu.RLock()
	hooks := c.onSaved
	c.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(&saved, job.path)
	}
}

// evicted must not touch the index.
func (c *FilesystemCache) evicted(path string, _ struct{}) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("failed to remove evicted tile file", "path", path, "error", err)
	}

	c.hooksMu.RLock()
	hooks := c.onEvict
	c.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(path)
	}
}

func (c *FilesystemCache) walk() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != tileFileExt {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk cache directory: %w", err)
	}
	return paths, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tile-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// sanitizeTileset maps a tileset id to a single directory name. Letters,
// digits, '-' and '.' are kept; every other byte becomes _XX in hex, so
// distinct ids never share a directory. Names made only of dots are escaped
// too so they cannot climb out of the cache root.
func sanitizeTileset(id string) string {
	if id == "" {
		return "_"
	}
	dots := strings.Trim(id, ".") == ""

	var b strings.Builder
	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-':
			b.WriteByte(ch)
		case ch == '.' && !dots:
			b.WriteByte(ch)
		default:
			fmt.Fprintf(&b, "_%02X", ch)
		}
	}
	return b.String()
}
