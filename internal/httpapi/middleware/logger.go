package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/jobflow/internal/logger"
)

// Logger writes one line per request. Probe and scrape paths are logged at debug.
func Logger(log *logger.Logger, quiet ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		skip[p] = true
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		kv := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"request_id", RequestIDFrom(c),
		}
		if len(c.Errors) > 0 {
			kv = append(kv, "error", c.Errors.String())
		}

		switch {
		case skip[c.FullPath()]:
			log.Debug("http request", kv...)
		case c.Writer.Status() >= 500:
			log.Error("http request", kv...)
		default:
			log.Info("http request", kv...)
		}
	}
}
