package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/suPer8Hu/jobflow/internal/logger"
	"github.com/suPer8Hu/jobflow/internal/queue"
)

const (
	defaultPage  = 1
	defaultLimit = 10
)

type Service struct {
	repo  Repository
	queue queue.Queue
	log   *logger.Logger
	newID func() string
}

func NewService(repo Repository, q queue.Queue, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		repo:  repo,
		queue: q,
		log:   log,
		newID: uuid.NewString,
	}
}

// Submit records a queued job and hands it to the queue.
// The two writes are not atomic: if Enqueue fails the record stays queued and the error is returned.
func (s *Service) Submit(ctx context.Context, jobType string) (*Job, error) {
	t, ok := ParseType(jobType)
	if !ok {
		return nil, fmt.Errorf("%w: %q, must be one of: prime, bcrypt, or sort", ErrInvalidJobType, jobType)
	}

	id := s.newID()
	j, err := s.repo.Create(ctx, NewJob{ID: id, Type: t, Status: StatusQueued})
	if err != nil {
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, queue.Entry{
		JobID:      j.JobID,
		Type:       string(j.Type),
		EnqueuedAt: j.CreatedAt,
	}); err != nil {
		s.log.Error("enqueue failed, job record left queued", "jobId", j.JobID, "type", j.Type, "error", err)
		return nil, fmt.Errorf("enqueue job %s: %w", j.JobID, err)
	}

	s.log.Info("job submitted", "jobId", j.JobID, "type", j.Type)
	return j, nil
}

func (s *Service) GetStatus(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.FindByID(ctx, strings.TrimSpace(jobID))
}

type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Pages int64 `json:"pages"`
}

// ListJobs returns jobs newest first. An empty status lists every status.
// limit is capped at MaxLimit and page at MaxPage; Pagination reports the values used.
func (s *Service) ListJobs(ctx context.Context, page, limit int, status string) ([]Job, Pagination, error) {
	if page < 1 {
		page = defaultPage
	}
	if limit < 1 {
		limit = defaultLimit
	}
	page = min(page, MaxPage)
	limit = min(limit, MaxLimit)

	var f Filter
	if status = strings.TrimSpace(status); status != "" {
		st, ok := ParseStatus(status)
		if !ok {
			return nil, Pagination{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
		}
		f.Status = st
	}

	list, total, err := s.repo.Find(ctx, f, Page{Page: page, Limit: limit, Sort: SortCreatedDesc})
	if err != nil {
		return nil, Pagination{}, err
	}
	return list, Pagination{
		Page:  page,
		Limit: limit,
		Total: total,
		Pages: (total + int64(limit) - 1) / int64(limit),
	}, nil
}
