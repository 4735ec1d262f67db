package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/infrastructure/http/v1/dto"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/quadtree"
	"github.com/mapbox/mapbox-unity-sdk-sub003/internal/tileid"
	"github.com/paulmach/orb"
)

func (h *Handler) Cover(c *gin.Context) {
	var q dto.CoverQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.RespondWithJSON(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := h.validate.Struct(q); err != nil {
		h.RespondWithJSON(c, http.StatusBadRequest, err.Error(), nil)
		return
	}

	bounds, err := parseBBox(q.BBox)
	if err != nil {
		h.RespondWithJSON(c, http.StatusBadRequest, err.Error(), nil)
		return
	}

	ids, err := h.mapUseCase.Cover(bounds, q.Zoom)
	if err != nil {
		h.RespondWithJSON(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	resp := dto.CoverResponse{Zoom: q.Zoom, Tiles: make([]dto.TileID, 0, len(ids))}
	for _, id := range ids {
		resp.Tiles = append(resp.Tiles, dto.TileID{Z: id.Z, X: id.X, Y: id.Y})
	}

	h.RespondWithJSON(c, http.StatusOK, "tile cover", resp)
}

func (h *Handler) View(c *gin.Context) {
	l := requestLogger(c)

	var req dto.ViewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn("failed to decode view request", "error", err)
		h.RespondWithJSON(c, http.StatusBadRequest, ErrFailedToDecodeRequestBody.Error(), nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.RespondWithJSON(c, http.StatusBadRequest, err.Error(), nil)
		return
	}

	cam := quadtree.Camera{
		Center: orb.Point{req.Center[0], req.Center[1]},
		Zoom:   req.Zoom,
		Extent: orb.Bound{
			Min: orb.Point{req.Extent[0], req.Extent[1]},
			Max: orb.Point{req.Extent[2], req.Extent[3]},
		},
	}

	res, err := h.mapUseCase.View(c.Request.Context(), cam)
	if errors.Is(err, tileid.ErrCoverTooLarge) {
		h.RespondWithJSON(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err != nil {
		l.Error("view reconciliation failed", "error", err)
		h.RespondWithInternalServerError(c)
		return
	}

	resp := dto.ViewResponse{Requested: res.Requested, Tiles: make([]dto.ViewTile, 0, len(res.Tiles))}
	for _, t := range res.Tiles {
		resp.Tiles = append(resp.Tiles, dto.ViewTile{Z: t.ID.Z, X: t.ID.X, Y: t.ID.Y, State: t.State, Visible: t.Visible})
	}

	h.RespondWithJSON(c, http.StatusOK, "view updated", resp)
}

func parseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, ErrInvalidBBox
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, ErrInvalidBBox
		}
		v[i] = f
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}
