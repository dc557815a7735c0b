package httpapi

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/suPer8Hu/jobflow/internal/httpapi/handlers"
	"github.com/suPer8Hu/jobflow/internal/httpapi/middleware"
	"github.com/suPer8Hu/jobflow/internal/logger"
)

type Options struct {
	ServiceName string
	CORSOrigins []string
	Logger      *logger.Logger
	// Metrics serves /metrics; nil leaves the route out.
	Metrics http.Handler
}

func newEngine(opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(opts.Logger, "/health", "/metrics"))
	r.Use(middleware.Recovery(opts.Logger))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Route not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})
	return r
}

// NewRouter is the API process: job submission, status, listing, stats and analytics.
// Job routes are served both at the root and under /api.
func NewRouter(h *handlers.Handler, opts Options) *gin.Engine {
	r := newEngine(opts)
	r.Use(corsMiddleware(opts.CORSOrigins))
	r.Use(otelgin.Middleware(opts.ServiceName))

	r.GET("/health", h.Health)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	for _, g := range []*gin.RouterGroup{&r.RouterGroup, r.Group("/api")} {
		g.POST("/submit", h.SubmitJob)
		g.GET("/status/:id", h.GetJobStatus)
		g.GET("/jobs", h.ListJobs)
		g.GET("/stats", h.GetStats)
		g.GET("/analytics", h.GetAnalytics)
	}
	return r
}

// NewWorkerRouter serves the worker's probe and scrape endpoints only.
func NewWorkerRouter(h *handlers.Handler, opts Options) *gin.Engine {
	r := newEngine(opts)
	r.GET("/health", h.Health)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}
