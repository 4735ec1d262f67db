package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/infrastructure/http/v1/handler"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/logger"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts the API under /api/v1. A positive timeout bounds every
// request's context.
func NewRouter(handler *handler.Handler, l logger.Logger, gatherer prometheus.Gatherer, telemetryEnabled bool, timeout time.Duration) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())

	if telemetryEnabled {
		r.Use(telemetry.GinMiddleware())
	}

	r.Use(ginZapLogger(l))

	if timeout > 0 {
		r.Use(requestTimeout(timeout))
	}

	api := r.Group("/api")
	v1 := api.Group("/v1")

	v1.GET("/healthz", handler.Healthz)
	v1.GET("/tile/:z/:x/:y", handler.Tile)
	v1.GET("/cover", handler.Cover)
	v1.POST("/view", handler.View)
	v1.GET("/cache/stats", handler.CacheStats)
	v1.DELETE("/cache", handler.ClearCache)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	r.NoRoute(func(c *gin.Context) {
		handler.RespondWithJSON(c, http.StatusNotFound, "route not found", nil)
	})

	return r
}

func ginZapLogger(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("logger", l)

		start := time.Now()

		c.Next()

		latency := time.Since(start)

		l.Info("request",
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"ip", c.ClientIP(),
			"latency", latency,
			"size", c.Writer.Size(),
		)
	}
}

func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
