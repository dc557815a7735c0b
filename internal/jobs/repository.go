package jobs

import (
	"context"
	"fmt"
	"time"
)

// Repository is the only write path to job records.
// GormRepo is the production implementation; MemRepo backs tests.
type Repository interface {
	Create(ctx context.Context, nj NewJob) (*Job, error)
	FindByID(ctx context.Context, id string) (*Job, error)
	Find(ctx context.Context, f Filter, p Page) ([]Job, int64, error)
	UpdateByID(ctx context.Context, id string, u Update) (*Job, error)
	Count(ctx context.Context, f Filter) (int64, error)
	CountByStatus(ctx context.Context, s Status) (int64, error)
	AggregateByTypeAndStatus(ctx context.Context) ([]Bucket, error)
	AverageProcessingTime(ctx context.Context) (float64, error)

	// UpdateStatus moves an open job between queued and processing. Terminal states are only
	// written by UpdateWithResult; a finished job is left as is and ErrJobFinished returned.
	UpdateStatus(ctx context.Context, id string, s Status) (*Job, error)
	// UpdateWithResult writes the terminal state: failed when errMsg is set, completed otherwise.
	UpdateWithResult(ctx context.Context, id string, res Result, processingTime float64, errMsg string) (*Job, error)

	// MarkProcessing moves a queued (or redelivered processing) job to processing.
	// Terminal jobs are returned unchanged.
	MarkProcessing(ctx context.Context, id string) (*Job, error)
}

var terminalStatuses = []Status{StatusCompleted, StatusFailed}

func checkOpenStatus(s Status) error {
	if s != StatusQueued && s != StatusProcessing {
		return fmt.Errorf("%w: %q, terminal states are written with a result", ErrInvalidStatus, s)
	}
	return nil
}

// resultUpdate builds the terminal write. A non-empty errMsg means failed and drops res.
func resultUpdate(res Result, processingTime float64, errMsg string, now time.Time) (Update, error) {
	if processingTime < 0 {
		processingTime = 0
	}
	u := Update{
		ProcessingTime: &processingTime,
		CompletedAt:    &now,
	}
	if errMsg != "" {
		st := StatusFailed
		u.Status = &st
		u.Error = &errMsg
		u.ClearResult = true
		return u, nil
	}

	if res == nil {
		return Update{}, ErrMissingResult
	}
	raw, err := EncodeResult(res)
	if err != nil {
		return Update{}, err
	}
	st := StatusCompleted
	u.Status = &st
	u.Result = raw
	u.ClearError = true
	return u, nil
}
