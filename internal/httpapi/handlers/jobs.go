package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/jobflow/internal/jobs"
)

type submitJobReq struct {
	Type string `json:"type"`
}

type submittedJob struct {
	JobID     string      `json:"jobId"`
	Type      jobs.Type   `json:"type"`
	Status    jobs.Status `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
}

type submitJobResp struct {
	Success bool         `json:"success"`
	JobID   string       `json:"jobId"`
	Message string       `json:"message"`
	Data    submittedJob `json:"data"`
}

func (h *Handler) SubmitJob(c *gin.Context) {
	var req submitJobReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "Invalid request body", Details: err.Error()})
		return
	}

	j, err := h.JobSvc.Submit(c.Request.Context(), req.Type)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrInvalidJobType):
			fail(c, http.StatusBadRequest, "Invalid job type. Must be one of: prime, bcrypt, or sort")
		case errors.Is(err, jobs.ErrDuplicateJob):
			fail(c, http.StatusConflict, "Job already exists")
		default:
			h.failInternal(c, "Failed to submit job", err)
		}
		return
	}

	c.JSON(http.StatusCreated, submitJobResp{
		Success: true,
		JobID:   j.JobID,
		Message: "Job submitted successfully",
		Data: submittedJob{
			JobID:     j.JobID,
			Type:      j.Type,
			Status:    j.Status,
			CreatedAt: j.CreatedAt,
		},
	})
}

// jobStatus always carries every field; unset ones are null.
type jobStatus struct {
	JobID          string          `json:"jobId"`
	Type           jobs.Type       `json:"type"`
	Status         jobs.Status     `json:"status"`
	Result         json.RawMessage `json:"result"`
	ProcessingTime *float64        `json:"processingTime"`
	Error          *string         `json:"error"`
	CreatedAt      time.Time       `json:"createdAt"`
	CompletedAt    *time.Time      `json:"completedAt"`
}

func (h *Handler) GetJobStatus(c *gin.Context) {
	j, err := h.JobSvc.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			fail(c, http.StatusNotFound, "Job not found")
			return
		}
		h.failInternal(c, "Failed to check status", err)
		return
	}

	resp := jobStatus{
		JobID:          j.JobID,
		Type:           j.Type,
		Status:         j.Status,
		ProcessingTime: j.ProcessingTime,
		Error:          j.Error,
		CreatedAt:      j.CreatedAt,
		CompletedAt:    j.CompletedAt,
	}
	if len(j.Result) > 0 {
		resp.Result = json.RawMessage(j.Result)
	}
	c.JSON(http.StatusOK, resp)
}

type listJobsResp struct {
	Jobs       []jobs.Job      `json:"jobs"`
	Pagination jobs.Pagination `json:"pagination"`
}

// ListJobs treats a missing or malformed page/limit as the default.
func (h *Handler) ListJobs(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	list, p, err := h.JobSvc.ListJobs(c.Request.Context(), page, limit, c.Query("status"))
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidStatus) {
			fail(c, http.StatusBadRequest, "Invalid status. Must be one of: queued, processing, completed, failed")
			return
		}
		h.failInternal(c, "Failed to fetch jobs", err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	c.JSON(http.StatusOK, listJobsResp{Jobs: list, Pagination: p})
}
