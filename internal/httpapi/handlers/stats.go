package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) GetStats(c *gin.Context) {
	r, err := h.StatsSvc.Stats(c.Request.Context())
	if err != nil {
		h.failInternal(c, "Failed to fetch stats", err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) GetAnalytics(c *gin.Context) {
	r, err := h.StatsSvc.Analytics(c.Request.Context())
	if err != nil {
		h.failInternal(c, "Failed to fetch analytics", err)
		return
	}
	c.JSON(http.StatusOK, r)
}
