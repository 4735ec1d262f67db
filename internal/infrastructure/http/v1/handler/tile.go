package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/fetch"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/infrastructure/http/v1/dto"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tile"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tileid"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/usecase"
)

func (h *Handler) Tile(c *gin.Context) {
	l := requestLogger(c)

	strZ := c.Param("z")
	strX := c.Param("x")
	strY := c.Param("y")

	z, err := strconv.Atoi(strZ)
	if err != nil {
		l.Warn("invalid z parameter", "z", strZ, "error", err)
		h.RespondWithJSON(c, http.StatusBadRequest, "z should be integer", nil)
		return
	}

	x, err := strconv.Atoi(strX)
	if err != nil {
		l.Warn("invalid x parameter", "x", strX, "error", err)
		h.RespondWithJSON(c, http.StatusBadRequest, "x should be integer", nil)
		return
	}

	y, err := strconv.Atoi(strY)
	if err != nil {
		l.Warn("invalid y parameter", "y", strY, "error", err)
		h.RespondWithJSON(c, http.StatusBadRequest, "y should be integer", nil)
		return
	}

	var q dto.TileQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.RespondWithJSON(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := h.validate.Struct(q); err != nil {
		h.RespondWithJSON(c, http.StatusBadRequest, err.Error(), nil)
		return
	}

	kind := tile.KindRaster
	if q.Kind != "" {
		kind, err = tile.ParseKind(q.Kind)
		if err != nil {
			h.RespondWithJSON(c, http.StatusBadRequest, err.Error(), nil)
			return
		}
	}

	id := tileid.CanonicalTileID{Z: z, X: x, Y: y}
	l.Info("tile request", "tileset", q.Tileset, "kind", kind.String(), "z", z, "x", x, "y", y)

	res, err := h.tileUseCase.GetTile(c.Request.Context(), q.Tileset, kind, id)
	if err != nil {
		code := tileErrorStatus(err)
		l.Warn("failed to get tile", "tile", id.String(), "status", code, "error", err)
		if code == http.StatusInternalServerError {
			h.RespondWithInternalServerError(c)
			return
		}
		h.RespondWithJSON(c, code, http.StatusText(code), nil)
		return
	}

	source := "network"
	if res.FromCache {
		source = "cache"
	}
	c.Header("X-Tile-Source", source)
	if res.ETag != "" {
		c.Header("ETag", res.ETag)
	}
	if maxAge := int(time.Until(res.ExpiresAt).Seconds()); maxAge > 0 {
		c.Header("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	}

	c.Data(http.StatusOK, res.ContentType, res.Data)
}

func tileErrorStatus(err error) int {
	var statusErr *fetch.StatusError
	var decodeErr *tile.DecodeError
	switch {
	case errors.Is(err, usecase.ErrMissingTilesetID), errors.Is(err, tileid.ErrInvalidTileID):
		return http.StatusBadRequest
	case errors.Is(err, fetch.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound:
		return http.StatusNotFound
	case errors.As(err, &decodeErr), errors.As(err, &statusErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
