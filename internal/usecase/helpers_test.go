package usecase

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/fetch"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/mainloop"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/repository/cache"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/config"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/logger"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/metrics"
	"github.com/stretchr/testify/require"
)

func pngOf(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.SetGray(0, 0, color.Gray{Y: shade})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// upstream stands in for the tile API.
type upstream struct {
	*httptest.Server
	gets  atomic.Int32
	heads atomic.Int32

	mu     sync.Mutex
	etag   string
	body   []byte
	status int
	hold   chan struct{}
}

func newUpstream(t *testing.T, body []byte, etag string) *upstream {
	t.Helper()
	u := &upstream{body: body, etag: etag}
	u.Server = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		u.heads.Add(1)
	} else {
		u.gets.Add(1)
	}

	u.mu.Lock()
	etag, body, status, hold := u.etag, u.body, u.status, u.hold
	u.mu.Unlock()

	if hold != nil && r.Method == http.MethodGet {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	w.Header().Set("Cache-Control", "max-age=60")
	if r.Method == http.MethodGet {
		w.Write(body)
	}
}

// holdGets makes GETs wait until the returned channel is closed.
func (u *upstream) holdGets() chan struct{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hold = make(chan struct{})
	return u.hold
}

func (u *upstream) fail(status int) {
	u.mu.Lock()
	u.status = status
	u.mu.Unlock()
}

func (u *upstream) tileURL(tileset string, z, x, y int) string {
	return fmt.Sprintf("%s/v4/%s/%d/%d/%d.png", u.URL, tileset, z, x, y)
}

type sourceFixture struct {
	source  *WebFileSource
	queue   *mainloop.Queue
	memory  *cache.MemoryCache
	sqlite  *cache.SQLiteCache
	metrics *metrics.Metrics
}

func newSourceFixture(t *testing.T, up *upstream, opts WebFileSourceOptions) *sourceFixture {
	t.Helper()
	m := metrics.NewNop()

	client, err := fetch.NewClient(config.Mapbox{
		AccessToken:           "pk.test",
		BaseURL:               up.URL,
		SKUID:                 "05",
		RequestTimeout:        5 * time.Second,
		MaxConcurrentRequests: 4,
	}, m, logger.NewNop())
	require.NoError(t, err)

	memory, err := cache.NewMemoryCache(16)
	require.NoError(t, err)
	sqlite, err := cache.NewSQLiteCache(context.Background(), filepath.Join(t.TempDir(), "cache.db"), 100, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	q := mainloop.NewQueue()
	src := NewWebFileSource(client, []cache.Tier{memory, sqlite}, q, opts, m, logger.NewNop())
	return &sourceFixture{source: src, queue: q, memory: memory, sqlite: sqlite, metrics: m}
}

// settle waits for background work and runs what it posted.
func (f *sourceFixture) settle() {
	f.source.Wait()
	f.queue.Drain()
}
