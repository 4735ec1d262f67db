package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/fetch"
	v1 "github.com/mapbox/mapbox-unity-sdk-sub003/internal/infrastructure/http/v1"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/infrastructure/http/v1/handler"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/mainloop"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/quadtree"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/repository/cache"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tile"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tilemap"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/usecase"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/config"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/http_server"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/logger"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/metrics"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/telemetry"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
)

func Run(cfg *config.Config) {
	l := logger.NewZapLogger(cfg.Logger)
	defer l.Sync()

	l.Info("app config",
		"port", cfg.HTTP.Server.Port,
		"base_url", cfg.Mapbox.BaseURL,
		"memory_size", cfg.Cache.MemorySize,
		"file_dir", cfg.Cache.FileDir,
		"sqlite_path", cfg.Cache.SQLitePath,
		"redis", cfg.Redis.Enabled,
		"telemetry", cfg.Telemetry.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = logger.WithLogger(ctx, l)

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTracer(ctx, telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Environment:    cfg.Telemetry.Environment,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		}, l)
		if err != nil {
			l.Fatal("failed to initialize telemetry", "error", err)
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				l.Error("failed to shutdown telemetry", "error", err)
			}
		}()
		l.Info("telemetry initialized", "service", cfg.Telemetry.ServiceName)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	client, err := fetch.NewClient(cfg.Mapbox, m, l)
	if err != nil {
		l.Fatal("failed to initialize mapbox client", "error", err)
	}

	tiers, err := openCaches(ctx, cfg, l)
	if err != nil {
		l.Fatal("failed to initialize caches", "error", err)
	}

	queue := mainloop.NewQueue()
	queueCtx, stopQueue := context.WithCancel(context.Background())
	queueDone := make(chan struct{})
	go func() {
		queue.Run(queueCtx)
		close(queueDone)
	}()

	cacheManager, err := usecase.NewCacheManager(ctx, tiers, queue, m, l)
	if err != nil {
		l.Fatal("failed to initialize cache manager", "error", err)
	}

	source := usecase.NewWebFileSource(client, cacheManager.DataTiers(), queue, usecase.WebFileSourceOptions{
		AutoRefresh:  cfg.Mapbox.AutoRefresh,
		MaxStaleness: cfg.Mapbox.MaxStaleness,
	}, m, l)

	kind, err := tile.ParseKind(cfg.Map.Kind)
	if err != nil {
		l.Fatal("invalid map kind", "error", err)
	}
	template := tile.Params{
		TilesetID: cfg.Map.Tileset,
		Kind:      kind,
		BaseURL:   cfg.Mapbox.BaseURL,
		Timeout:   cfg.Mapbox.RequestTimeout,
	}

	quadMap := quadtree.NewMap(source, queue, template, m, l)
	generator := quadtree.NewGenerator(0, cfg.Map.SplitDistance)

	warmup := startWarmup(ctx, cfg, queue, source, cacheManager, template, l)

	tileUseCase := usecase.NewTileUseCase(source, queue, cfg.Mapbox.BaseURL, cfg.Mapbox.RequestTimeout, l)
	tileUseCase.UseTextureCache(cacheManager)
	mapUseCase := usecase.NewMapUseCase(generator, quadMap, cacheManager, queue, l)

	if !cfg.Logger.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	validate := validator.New()
	h := handler.NewHandler(validate, tileUseCase, mapUseCase)
	router := v1.NewRouter(h, l, prometheus.DefaultGatherer, cfg.Telemetry.Enabled, cfg.HTTP.Timeout)

	httpServer := http_server.NewServer(ctx, cfg.HTTP.Server, router)

	go func() {
		l.Info("starting http server...", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal("http server failed", "error", err)
		}
		l.Info("http server stopped", "address", httpServer.Addr)
	}()

	<-ctx.Done()
	l.Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	l.Info("shutting down http server...", "address", httpServer.Addr)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		l.Error("http server shutdown failed", "error", err)
	} else {
		l.Info("http server shutdown completed")
	}

	err = queue.Call(shutdownCtx, func() {
		if warmup != nil {
			warmup.Close()
		}
		quadMap.Clear()
	})
	if err != nil {
		l.Warn("timeout releasing tiles", "error", err)
	}

	source.Wait()
	stopQueue()
	<-queueDone

	if err := cacheManager.Close(); err != nil {
		l.Error("failed to close caches", "error", err)
	}

	l.Info("application shutdown completed")
}

// openCaches builds the cache tiers from cfg. Tiers sized zero come back
// disabled; redis is only dialed when enabled.
func openCaches(ctx context.Context, cfg *config.Config, l logger.Logger) (usecase.CacheTiers, error) {
	var tiers usecase.CacheTiers

	memory, err := cache.NewMemoryCache(cfg.Cache.MemorySize)
	if err != nil {
		return tiers, err
	}
	tiers.Memory = memory

	file, err := cache.NewFilesystemCache(cfg.Cache.FileDir, cfg.Cache.FileSizeLimit, cfg.Cache.WriteQueueSize, l)
	if err != nil {
		return tiers, err
	}
	tiers.File = file

	sqlite, err := cache.NewSQLiteCache(ctx, cfg.Cache.SQLitePath, cfg.Cache.SQLiteMaxTiles, l)
	if err != nil {
		return tiers, err
	}
	tiers.SQLite = sqlite

	if cfg.Redis.Enabled {
		redis, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return tiers, err
		}
		tiers.Redis = redis
		l.Info("redis cache enabled", "addr", cfg.Redis.Addr)
	}

	return tiers, nil
}

// startWarmup loads the configured map extent once at startup so its tiles
// are cached before the first client asks. Loaded raster tiles also go to
// the texture tiers.
func startWarmup(ctx context.Context, cfg *config.Config, q *mainloop.Queue, source tile.Source, cm *usecase.CacheManager, template tile.Params, l logger.Logger) *tilemap.Map {
	if cfg.Map.Tileset == "" || len(cfg.Map.Bounds) != 4 {
		return nil
	}

	b := cfg.Map.Bounds
	bounds := orb.Bound{Min: orb.Point{b[0], b[1]}, Max: orb.Point{b[2], b[3]}}
	tm := tilemap.New(source, q, template, l)

	var updateErr error
	err := q.Call(ctx, func() {
		tm.SetExtent(bounds, cfg.Map.Zoom)
		tm.Subscribe(func(t *tile.Tile) {
			if t.HasError() {
				return
			}
			img := t.Payload().Image
			if img == nil {
				return
			}
			item := &cache.Item{
				TilesetID: t.TilesetID(),
				TileID:    t.ID(),
				Data:      t.Payload().Data,
				ETag:      t.ETag(),
				ExpiresAt: t.ExpiresAt(),
				AddedAt:   time.Now(),
				Texture:   img,
			}
			force := !t.FromCache()
			go func() {
				if err := cm.AddTextureItem(ctx, item, force); err != nil {
					l.Warn("failed to cache warm-up texture", "key", item.Key().String(), "error", err)
				}
			}()
		})
		updateErr = tm.Update(ctx)
	})
	if err != nil {
		l.Warn("warm-up was not started", "error", err)
		return nil
	}
	if updateErr != nil {
		l.Warn("some warm-up tiles could not be requested", "error", updateErr)
	}

	l.Info("warm-up started", "tileset", cfg.Map.Tileset, "zoom", cfg.Map.Zoom)
	return tm
}
