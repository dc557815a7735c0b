package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Health is a liveness probe. It does not touch the store or the broker.
func (h *Handler) Health(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"service":   h.Service,
		"timestamp": h.now().UTC().Format(time.RFC3339Nano),
	}
	if h.workerRunning != nil {
		state := "inactive"
		if h.workerRunning() {
			state = "active"
		}
		body["worker"] = state
	}
	c.JSON(http.StatusOK, body)
}
