package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("job not found")
	ErrEmptyJob            = errors.New("job has no input records")
	ErrMissingOrganization = errors.New("organization id is required")
	ErrConflict            = errors.New("job changed concurrently")
	ErrImmutable           = errors.New("job can only be modified while pending")
	ErrOutOfOrder          = errors.New("result index out of order")
)

// ConflictError reports a failed compare-and-swap on a job's status.
type ConflictError struct {
	JobID    string
	Expected Status
	Actual   Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s: expected status %s, found %s", e.JobID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// InvalidTransitionError reports a control operation that the job's current
// state does not permit.
type InvalidTransitionError struct {
	JobID   string
	Op      string
	Target  Status
	Current Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot %s (-> %s) from status %s", e.JobID, e.Op, e.Target, e.Current)
}
