package jobs

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemRepo keeps job records in process memory. Returned jobs are copies.
type MemRepo struct {
	mu   sync.RWMutex
	seq  uint64
	byID map[string]*Job
	now  func() time.Time
}

func NewMemRepo() *MemRepo {
	return &MemRepo{byID: make(map[string]*Job), now: time.Now}
}

func (r *MemRepo) Create(ctx context.Context, nj NewJob) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[nj.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, nj.ID)
	}
	st := nj.Status
	if st == "" {
		st = StatusQueued
	}
	r.seq++
	now := r.now()
	j := &Job{
		ID:        r.seq,
		JobID:     nj.ID,
		Type:      nj.Type,
		Status:    st,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.byID[nj.ID] = j
	return cloneJob(j), nil
}

func (r *MemRepo) FindByID(ctx context.Context, id string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return cloneJob(j), nil
}

func (r *MemRepo) matching(f Filter) []*Job {
	out := make([]*Job, 0, len(r.byID))
	for _, j := range r.byID {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if f.JobID != "" && j.JobID != f.JobID {
			continue
		}
		out = append(out, j)
	}
	return out
}

func (r *MemRepo) Find(ctx context.Context, f Filter, p Page) ([]Job, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	p = p.normalize()

	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.matching(f)
	slices.SortFunc(all, func(a, b *Job) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if p.Sort == SortCreatedAsc {
			return c
		}
		return -c
	})

	total := int64(len(all))
	start := min(p.offset(), len(all))
	end := min(start+p.Limit, len(all))

	page := make([]Job, 0, end-start)
	for _, j := range all[start:end] {
		page = append(page, *cloneJob(j))
	}
	return page, total, nil
}

func (r *MemRepo) UpdateByID(ctx context.Context, id string, u Update) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	u.apply(j)
	j.UpdatedAt = r.now()
	return cloneJob(j), nil
}

func (r *MemRepo) UpdateStatus(ctx context.Context, id string, s Status) (*Job, error) {
	if err := checkOpenStatus(s); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobFinished, id, j.Status)
	}
	j.Status = s
	j.UpdatedAt = r.now()
	return cloneJob(j), nil
}

func (r *MemRepo) UpdateWithResult(ctx context.Context, id string, res Result, processingTime float64, errMsg string) (*Job, error) {
	u, err := resultUpdate(res, processingTime, errMsg, r.now())
	if err != nil {
		return nil, err
	}
	return r.UpdateByID(ctx, id, u)
}

func (r *MemRepo) MarkProcessing(ctx context.Context, id string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !j.Status.Terminal() {
		j.Status = StatusProcessing
		j.UpdatedAt = r.now()
	}
	return cloneJob(j), nil
}

func (r *MemRepo) Count(ctx context.Context, f Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.matching(f))), nil
}

func (r *MemRepo) CountByStatus(ctx context.Context, s Status) (int64, error) {
	return r.Count(ctx, Filter{Status: s})
}

func (r *MemRepo) AggregateByTypeAndStatus(ctx context.Context) ([]Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type key struct {
		t Type
		s Status
	}
	type acc struct {
		count    int64
		timed    int64
		sum      float64
		max, min float64
	}

	r.mu.RLock()
	groups := make(map[key]*acc)
	for _, j := range r.byID {
		k := key{j.Type, j.Status}
		a, ok := groups[k]
		if !ok {
			a = &acc{}
			groups[k] = a
		}
		a.count++
		if j.Status != StatusCompleted || j.ProcessingTime == nil {
			continue
		}
		pt := *j.ProcessingTime
		if a.timed == 0 || pt > a.max {
			a.max = pt
		}
		if a.timed == 0 || pt < a.min {
			a.min = pt
		}
		a.sum += pt
		a.timed++
	}
	r.mu.RUnlock()

	buckets := make([]Bucket, 0, len(groups))
	for k, a := range groups {
		b := Bucket{Type: k.t, Status: k.s, Count: a.count}
		if a.timed > 0 {
			b.AvgProcessingTime = a.sum / float64(a.timed)
			b.MaxProcessingTime = a.max
			b.MinProcessingTime = a.min
		}
		buckets = append(buckets, b)
	}
	slices.SortFunc(buckets, func(a, b Bucket) int {
		if c := cmp.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return cmp.Compare(a.Status, b.Status)
	})
	return buckets, nil
}

func (r *MemRepo) AverageProcessingTime(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		sum float64
		n   int
	)
	for _, j := range r.byID {
		if j.Status == StatusCompleted && j.ProcessingTime != nil {
			sum += *j.ProcessingTime
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

func (u Update) apply(j *Job) {
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.ClearResult {
		j.Result = nil
	} else if u.Result != nil {
		j.Result = slices.Clone(u.Result)
	}
	if u.ProcessingTime != nil {
		pt := *u.ProcessingTime
		j.ProcessingTime = &pt
	}
	if u.ClearError {
		j.Error = nil
	} else if u.Error != nil {
		e := *u.Error
		j.Error = &e
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		j.CompletedAt = &t
	}
}

func cloneJob(j *Job) *Job {
	c := *j
	c.Result = slices.Clone(j.Result)
	if j.ProcessingTime != nil {
		pt := *j.ProcessingTime
		c.ProcessingTime = &pt
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
