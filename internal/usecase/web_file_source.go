package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/fetch"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/mainloop"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/repository/cache"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/logger"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/metrics"
)

// Fetcher performs signed requests against the tile API. *fetch.Client
// implements it.
type Fetcher interface {
	Get(ctx context.Context, uri string) *fetch.Response
	Head(ctx context.Context, uri string) *fetch.Response
}

type WebFileSourceOptions struct {
	AutoRefresh bool
	// MaxStaleness treats older cached items as misses. Zero disables the check.
	MaxStaleness time.Duration
}

// WebFileSource answers tile requests from the cache tiers, falling back to
// the network. Hits are returned synchronously and optionally revalidated in
// the background; misses are fetched once per key no matter how many
// callers are waiting.
type WebFileSource struct {
	fetcher Fetcher
	tiers   []cache.Tier
	queue   *mainloop.Queue
	opts    WebFileSourceOptions
	metrics *metrics.Metrics
	logger  logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	flights map[cache.Key]*flight

	bg sync.WaitGroup
}

// NewWebFileSource probes tiers in the given order.
func NewWebFileSource(f Fetcher, tiers []cache.Tier, q *mainloop.Queue, opts WebFileSourceOptions, m *metrics.Metrics, l logger.Logger) *WebFileSource {
	return &WebFileSource{
		fetcher: f,
		tiers:   tiers,
		queue:   q,
		opts:    opts,
		metrics: m,
		logger:  l.With("component", "web_file_source"),
		now:     time.Now,
		flights: make(map[cache.Key]*flight),
	}
}

// Request resolves req and hands the response to cb. On a cache hit cb runs
// before Request returns; otherwise it runs on the main loop once the fetch
// settles. A later call with IsUpdate set carries bytes refreshed by
// revalidation. Cancelling the returned handle stops both.
func (s *WebFileSource) Request(ctx context.Context, req fetch.TileRequest, cb func(*fetch.Response)) (*fetch.AsyncRequest, error) {
	if req.TilesetID == "" {
		return nil, ErrMissingTilesetID
	}

	handle := fetch.NewAsyncRequest(ctx)
	key := cache.Key{TilesetID: req.TilesetID, TileID: req.TileID}

	item, tier, ok := s.lookup(ctx, key)
	if !ok {
		s.metrics.CacheMisses.Inc()
		s.join(ctx, key, req, handle, cb)
		return handle, nil
	}

	s.metrics.CacheHits.WithLabelValues(tier).Inc()
	s.logger.Debug("cache hit", "tier", tier, "key", key.String())

	if handle.Complete() {
		cb(responseFromItem(item))
	}
	if s.opts.AutoRefresh {
		s.revalidate(ctx, handle, req, item, cb)
	}
	return handle, nil
}

// Wait blocks until background revalidations and fetches have finished.
func (s *WebFileSource) Wait() {
	s.bg.Wait()
}

func (s *WebFileSource) lookup(ctx context.Context, key cache.Key) (*cache.Item, string, bool) {
	for _, t := range s.tiers {
		item, ok, err := t.Get(ctx, key)
		if err != nil {
			s.logger.Warn("cache tier lookup failed", "tier", t.Name(), "key", key.String(), "error", err)
			continue
		}
		if !ok || len(item.Data) == 0 {
			continue
		}
		// A zero AddedAt means the tier does not know the age.
		if s.opts.MaxStaleness > 0 && !item.AddedAt.IsZero() && s.now().Sub(item.AddedAt) > s.opts.MaxStaleness {
			s.logger.Debug("cached item too old", "tier", t.Name(), "key", key.String(), "added_at", item.AddedAt)
			continue
		}
		return item, t.Name(), true
	}
	return nil, "", false
}

// revalidate compares the cached ETag with the server's. Unchanged items are
// re-added without force so every tier holds them; changed ones are fetched
// and force-inserted.
func (s *WebFileSource) revalidate(ctx context.Context, handle *fetch.AsyncRequest, req fetch.TileRequest, cached *cache.Item, cb func(*fetch.Response)) {
	ctx = context.WithoutCancel(ctx)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()

		head := s.fetcher.Head(ctx, req.URI)
		if head.HasError() {
			s.metrics.Revalidations.WithLabelValues("error").Inc()
			s.logger.Warn("revalidation failed", "key", cached.Key().String(), "error", head.Err())
			return
		}

		if head.ETag == "" || head.ETag == cached.ETag {
			s.metrics.Revalidations.WithLabelValues("unchanged").Inc()
			s.store(ctx, cached, false)
			return
		}

		res := s.fetcher.Get(ctx, req.URI)
		if res.HasError() {
			s.metrics.Revalidations.WithLabelValues("error").Inc()
			s.logger.Warn("refetch after etag change failed", "key", cached.Key().String(), "error", res.Err())
			return
		}
		s.metrics.Revalidations.WithLabelValues("changed").Inc()
		s.logger.Debug("cached tile changed upstream", "key", cached.Key().String(), "old_etag", cached.ETag, "new_etag", res.ETag)
		s.store(ctx, s.itemFromResponse(req, res), true)

		res.IsUpdate = true
		s.queue.Post(func() {
			if handle.Live() {
				cb(res)
			}
		})
	}()
}

func (s *WebFileSource) store(ctx context.Context, item *cache.Item, force bool) {
	for _, t := range s.tiers {
		if err := t.Add(ctx, item, force); err != nil {
			s.logger.Warn("cache tier store failed", "tier", t.Name(), "key", item.Key().String(), "error", err)
			continue
		}
		s.metrics.CacheStores.WithLabelValues(t.Name()).Inc()
	}
}

func (s *WebFileSource) itemFromResponse(req fetch.TileRequest, res *fetch.Response) *cache.Item {
	return &cache.Item{
		TilesetID:    req.TilesetID,
		TileID:       req.TileID,
		Data:         res.Data,
		ETag:         res.ETag,
		LastModified: res.LastModified,
		ExpiresAt:    res.ExpiresAt,
		AddedAt:      s.now(),
	}
}

func responseFromItem(item *cache.Item) *fetch.Response {
	return &fetch.Response{
		StatusCode:      200,
		Data:            item.Data,
		ETag:            item.ETag,
		LastModified:    item.LastModified,
		ExpiresAt:       item.ExpiresAt,
		LoadedFromCache: true,
	}
}
