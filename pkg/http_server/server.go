package http_server

import (
	"context"
	"net"
	"net/http"

	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/config"
	"github.com/mapbox/mapbox-unity-sdk-sub003/pkg/logger"
)

// NewServer builds the HTTP server; every request context carries the logger
// stored in ctx so handlers can use logger.FromContext.
func NewServer(ctx context.Context, cfg config.Server, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return logger.WithLogger(context.Background(), logger.FromContext(ctx))
		},
	}
}
