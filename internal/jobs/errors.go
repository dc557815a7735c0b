package jobs

import "errors"

var (
	ErrInvalidJobType = errors.New("invalid job type")
	ErrInvalidStatus  = errors.New("invalid job status")
	ErrJobNotFound    = errors.New("job not found")
	ErrDuplicateJob   = errors.New("job already exists")
	ErrJobFinished    = errors.New("job already finished")
	ErrMissingResult  = errors.New("completed job has no result")
)
