package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) CacheStats(c *gin.Context) {
	stats, err := h.mapUseCase.CacheStats(c.Request.Context())
	if err != nil {
		requestLogger(c).Error("failed to read cache stats", "error", err)
		h.RespondWithInternalServerError(c)
		return
	}

	h.RespondWithJSON(c, http.StatusOK, "cache stats", stats)
}

func (h *Handler) ClearCache(c *gin.Context) {
	l := requestLogger(c)

	if err := h.mapUseCase.ClearCache(c.Request.Context()); err != nil {
		l.Error("failed to clear cache", "error", err)
		h.RespondWithInternalServerError(c)
		return
	}

	l.Info("cache cleared")
	h.RespondWithJSON(c, http.StatusOK, "cache cleared", nil)
}
