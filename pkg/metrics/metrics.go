package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for one process. Construct it once with the
// registerer that backs the /metrics endpoint; tests pass a fresh registry.
type Metrics struct {
	CacheHits   *prometheus.CounterVec
	CacheMisses prometheus.Counter
	CacheStores *prometheus.CounterVec

	UpstreamRequests *prometheus.CounterVec
	UpstreamLatency  prometheus.Histogram
	RateLimitHits    prometheus.Counter
	Revalidations    *prometheus.CounterVec
	CoalescedFetches prometheus.Counter

	OrphansRemoved prometheus.Counter
	TilesDisposed  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tile_cache_hits_total",
			Help: "Total number of cache hits by tier",
		}, []string{"tier"}),

		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "tile_cache_misses_total",
			Help: "Total number of requests that missed every cache tier",
		}),

		CacheStores: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tile_cache_stores_total",
			Help: "Total number of cache store operations by tier",
		}, []string{"tier"}),

		UpstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tile_upstream_requests_total",
			Help: "Total number of upstream tile requests by method and outcome",
		}, []string{"method", "outcome"}),

		UpstreamLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tile_upstream_latency_seconds",
			Help:    "Latency of upstream tile fetches in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		RateLimitHits: f.NewCounter(prometheus.CounterOpts{
			Name: "tile_upstream_rate_limit_hits_total",
			Help: "Total number of HTTP 429 responses from upstream",
		}),

		Revalidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tile_cache_revalidations_total",
			Help: "Total number of ETag revalidations by result",
		}, []string{"result"}),

		CoalescedFetches: f.NewCounter(prometheus.CounterOpts{
			Name: "tile_coalesced_fetches_total",
			Help: "Total number of requests that joined an in-flight fetch",
		}),

		OrphansRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "tile_cache_orphans_removed_total",
			Help: "Total number of cache files or rows removed by the integrity sweep",
		}),

		TilesDisposed: f.NewCounter(prometheus.CounterOpts{
			Name: "tile_quadtree_disposed_total",
			Help: "Total number of tiles disposed by quadtree reconciliation",
		}),
	}
}

// NewNop returns metrics registered against a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
