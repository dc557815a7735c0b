package jobs

import (
	"time"

	"gorm.io/datatypes"
)

type Type string

const (
	TypePrime  Type = "prime"
	TypeBcrypt Type = "bcrypt"
	TypeSort   Type = "sort"
)

// Types lists every accepted job type in display order.
var Types = []Type{TypePrime, TypeBcrypt, TypeSort}

func ParseType(s string) (Type, bool) {
	for _, t := range Types {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var Statuses = []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed}

func ParseStatus(s string) (Status, bool) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Job struct {
	ID    uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	JobID string `gorm:"column:job_id;type:varchar(36);uniqueIndex;not null" json:"jobId"`
	Type  Type   `gorm:"type:varchar(16);not null" json:"type"`

	Status Status `gorm:"type:varchar(16);not null;index:idx_jobs_status_created,priority:1" json:"status"`

	// Filled when completed; shape depends on Type (see DecodeResult)
	Result datatypes.JSON `gorm:"column:result" json:"result,omitempty"`

	// Filled on the terminal write, seconds
	ProcessingTime *float64 `gorm:"column:processing_time" json:"processingTime,omitempty"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt   time.Time  `gorm:"index:idx_jobs_created_at,sort:desc;index:idx_jobs_status_created,priority:2,sort:desc" json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func (Job) TableName() string { return "jobs" }

// DecodeResult returns the typed result of a completed job, or nil when none was recorded.
func (j *Job) DecodeResult() (Result, error) {
	if len(j.Result) == 0 {
		return nil, nil
	}
	return decodeResult(j.Type, j.Result)
}

// NewJob describes a record to create. Status defaults to queued.
type NewJob struct {
	ID     string
	Type   Type
	Status Status
}

type Filter struct {
	Status Status
	Type   Type
	JobID  string
}

type SortOrder string

const (
	SortCreatedDesc SortOrder = "-createdAt"
	SortCreatedAsc  SortOrder = "createdAt"
)

// Page bounds: MaxLimit rows per page, MaxPage pages deep, so the offset stays small.
const (
	MaxLimit = 100
	MaxPage  = 1 << 20
)

type Page struct {
	Page  int
	Limit int
	Sort  SortOrder
}

func (p Page) normalize() Page {
	p.Page = min(max(p.Page, 1), MaxPage)
	if p.Limit < 1 {
		p.Limit = 10
	}
	p.Limit = min(p.Limit, MaxLimit)
	if p.Sort != SortCreatedAsc {
		p.Sort = SortCreatedDesc
	}
	return p
}

func (p Page) offset() int { return (p.Page - 1) * p.Limit }

// Update is a partial update. Nil fields are left untouched.
type Update struct {
	Status         *Status
	Result         datatypes.JSON
	ProcessingTime *float64
	Error          *string
	CompletedAt    *time.Time

	ClearResult bool
	ClearError  bool
}

// Bucket is one (type, status) group of AggregateByTypeAndStatus.
// Processing-time figures only consider completed jobs and are 0 when there are none.
type Bucket struct {
	Type              Type    `json:"type"`
	Status            Status  `json:"status"`
	Count             int64   `json:"count"`
	AvgProcessingTime float64 `json:"avgProcessingTime"`
	MaxProcessingTime float64 `json:"maxProcessingTime"`
	MinProcessingTime float64 `json:"minProcessingTime"`
}
