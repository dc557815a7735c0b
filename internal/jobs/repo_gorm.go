package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type GormRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormRepo(db *gorm.DB) *GormRepo {
	return &GormRepo{db: db, now: time.Now}
}

func (r *GormRepo) Create(ctx context.Context, nj NewJob) (*Job, error) {
	j := &Job{
		JobID:  nj.ID,
		Type:   nj.Type,
		Status: nj.Status,
	}
	if j.Status == "" {
		j.Status = StatusQueued
	}

	err := r.db.WithContext(ctx).Create(j).Error
	if err == nil {
		return j, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, nj.ID)
	}

	// not every driver translates constraint errors; look for the row we collided with
	if _, getErr := r.FindByID(ctx, nj.ID); getErr == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, nj.ID)
	}
	return nil, fmt.Errorf("create job %s: %w", nj.ID, err)
}

func (r *GormRepo) FindByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "job_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("find job %s: %w", id, err)
	}
	return &j, nil
}

func (r *GormRepo) filtered(ctx context.Context, f Filter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&Job{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.JobID != "" {
		q = q.Where("job_id = ?", f.JobID)
	}
	return q
}

// Find returns one page of jobs plus the total matching f, regardless of the page size.
func (r *GormRepo) Find(ctx context.Context, f Filter, p Page) ([]Job, int64, error) {
	p = p.normalize()

	var total int64
	if err := r.filtered(ctx, f).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	order := "created_at DESC, id DESC"
	if p.Sort == SortCreatedAsc {
		order = "created_at ASC, id ASC"
	}

	jobs := make([]Job, 0, p.Limit)
	if err := r.filtered(ctx, f).
		Order(order).
		Limit(p.Limit).
		Offset(p.offset()).
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

func (r *GormRepo) UpdateByID(ctx context.Context, id string, u Update) (*Job, error) {
	cols := u.columns()
	cols["updated_at"] = r.now()

	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("job_id = ?", id).
		Updates(cols)
	if res.Error != nil {
		return nil, fmt.Errorf("update job %s: %w", id, res.Error)
	}
	return r.FindByID(ctx, id)
}

func (r *GormRepo) UpdateStatus(ctx context.Context, id string, s Status) (*Job, error) {
	if err := checkOpenStatus(s); err != nil {
		return nil, err
	}
	err := r.db.WithContext(ctx).Model(&Job{}).
		Where("job_id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(map[string]any{
			"status":     s,
			"updated_at": r.now(),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("update job %s status: %w", id, err)
	}

	j, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobFinished, id, j.Status)
	}
	return j, nil
}

func (r *GormRepo) UpdateWithResult(ctx context.Context, id string, res Result, processingTime float64, errMsg string) (*Job, error) {
	u, err := resultUpdate(res, processingTime, errMsg, r.now())
	if err != nil {
		return nil, err
	}
	return r.UpdateByID(ctx, id, u)
}

func (r *GormRepo) MarkProcessing(ctx context.Context, id string) (*Job, error) {
	err := r.db.WithContext(ctx).Model(&Job{}).
		Where("job_id = ? AND status IN ?", id, []Status{StatusQueued, StatusProcessing}).
		Updates(map[string]any{
			"status":     StatusProcessing,
			"updated_at": r.now(),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("mark job %s processing: %w", id, err)
	}
	return r.FindByID(ctx, id)
}

func (r *GormRepo) Count(ctx context.Context, f Filter) (int64, error) {
	var n int64
	if err := r.filtered(ctx, f).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (r *GormRepo) CountByStatus(ctx context.Context, s Status) (int64, error) {
	return r.Count(ctx, Filter{Status: s})
}

func (r *GormRepo) AggregateByTypeAndStatus(ctx context.Context) ([]Bucket, error) {
	buckets := make([]Bucket, 0, 8)
	err := r.db.WithContext(ctx).Model(&Job{}).
		Select(`type, status, COUNT(*) AS count,
			COALESCE(AVG(CASE WHEN status = ? THEN processing_time END), 0) AS avg_processing_time,
			COALESCE(MAX(CASE WHEN status = ? THEN processing_time END), 0) AS max_processing_time,
			COALESCE(MIN(CASE WHEN status = ? THEN processing_time END), 0) AS min_processing_time`,
			StatusCompleted, StatusCompleted, StatusCompleted).
		Group("type, status").
		Order("type ASC, status ASC").
		Scan(&buckets).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate jobs: %w", err)
	}
	return buckets, nil
}

// AverageProcessingTime is 0 when no job has completed yet.
func (r *GormRepo) AverageProcessingTime(ctx context.Context) (float64, error) {
	var avg sql.NullFloat64
	err := r.db.WithContext(ctx).Model(&Job{}).
		Select("AVG(processing_time)").
		Where("status = ? AND processing_time IS NOT NULL", StatusCompleted).
		Row().Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("average processing time: %w", err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

func (u Update) columns() map[string]any {
	cols := make(map[string]any, 6)
	if u.Status != nil {
		cols["status"] = *u.Status
	}
	if u.ClearResult {
		cols["result"] = nil
	} else if u.Result != nil {
		cols["result"] = u.Result
	}
	if u.ProcessingTime != nil {
		cols["processing_time"] = *u.ProcessingTime
	}
	if u.ClearError {
		cols["error"] = nil
	} else if u.Error != nil {
		cols["error"] = *u.Error
	}
	if u.CompletedAt != nil {
		cols["completed_at"] = *u.CompletedAt
	}
	return cols
}
