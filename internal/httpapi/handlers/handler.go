package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/jobflow/internal/httpapi/middleware"
	"github.com/suPer8Hu/jobflow/internal/jobs"
	"github.com/suPer8Hu/jobflow/internal/logger"
	"github.com/suPer8Hu/jobflow/internal/stats"
)

type Deps struct {
	Jobs        *jobs.Service
	Stats       *stats.Service
	ServiceName string
	Logger      *logger.Logger
	// WorkerRunning is set on the worker process; /health then reports the consumer state.
	WorkerRunning func() bool
}

type Handler struct {
	JobSvc   *jobs.Service
	StatsSvc *stats.Service
	Service  string
	Log      *logger.Logger

	workerRunning func() bool
	now           func() time.Time
}

func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	return &Handler{
		JobSvc:        d.Jobs,
		StatsSvc:      d.Stats,
		Service:       d.ServiceName,
		Log:           d.Logger,
		workerRunning: d.WorkerRunning,
		now:           time.Now,
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func fail(c *gin.Context, httpStatus int, msg string) {
	c.JSON(httpStatus, errorBody{Error: msg})
}

// failInternal logs err and answers 500 with the error text as details.
func (h *Handler) failInternal(c *gin.Context, msg string, err error) {
	h.Log.Error(msg, "error", err, "path", c.Request.URL.Path, "request_id", middleware.RequestIDFrom(c))
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, errorBody{Error: msg, Details: err.Error()})
}
