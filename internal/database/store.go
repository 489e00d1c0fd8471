// Package database holds the Job Store: the only component allowed to mutate
// a job's status, progress, and results.
package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"batch-calc-engine/internal/models"
)

// Store persists BulkCalculationJobs. Implementations serialize mutations
// per job; UpdateStatus is a compare-and-swap and is the only operation that
// must be atomic across processes sharing the same backend.
type Store interface {
	Create(ctx context.Context, job *models.BulkCalculationJob) (string, error)
	Get(ctx context.Context, id string) (*models.BulkCalculationJob, error)
	List(ctx context.Context, organizationID string, filter models.JobFilter, order models.JobSort, limit int) ([]*models.BulkCalculationJob, error)
	UpdateStatus(ctx context.Context, id string, t models.Transition) error
	UpdateMetadata(ctx context.Context, id string, upd models.JobUpdateRequest) (*models.BulkCalculationJob, error)
	AppendResult(ctx context.Context, id string, result models.CalculationResult) error
	SetProgress(ctx context.Context, id string, progress models.JobProgress) error
	Delete(ctx context.Context, id string) error
	Metrics(ctx context.Context, organizationID string) (*models.Metrics, error)
	Close() error
}

// prepareNew validates a job for insertion and normalizes the fields a
// caller must not control.
func prepareNew(job *models.BulkCalculationJob, now time.Time) error {
	if strings.TrimSpace(job.OrganizationID) == "" {
		return models.ErrMissingOrganization
	}
	if len(job.InputData) == 0 {
		return models.ErrEmptyJob
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	for i := range job.InputData {
		job.InputData[i].Index = i
	}
	job.Status = models.StatusPending
	job.Results = []models.CalculationResult{}
	job.Progress = models.JobProgress{Total: len(job.InputData)}
	job.ErrorMessage = ""
	job.CreatedAt = now.UTC()
	job.UpdatedAt = job.CreatedAt
	job.StartedAt = nil
	job.CompletedAt = nil
	job.ActualDuration = nil
	return nil
}

// checkAppend enforces the ordering invariant for a result append.
func checkAppend(job *models.BulkCalculationJob, resultCount int, result models.CalculationResult) error {
	if job.Status != models.StatusRunning && job.Status != models.StatusPaused {
		return &models.ConflictError{JobID: job.ID, Expected: models.StatusRunning, Actual: job.Status}
	}
	if result.Index != resultCount || resultCount >= job.Progress.Total {
		return fmt.Errorf("%w: job %s has %d results, got index %d", models.ErrOutOfOrder, job.ID, resultCount, result.Index)
	}
	return nil
}

func applyMetadata(job *models.BulkCalculationJob, upd models.JobUpdateRequest, now time.Time) error {
	if job.Status != models.StatusPending {
		return models.ErrImmutable
	}
	if upd.Name != nil {
		job.Name = *upd.Name
	}
	if upd.Description != nil {
		job.Description = *upd.Description
	}
	job.UpdatedAt = now.UTC()
	return nil
}

func matches(job *models.BulkCalculationJob, organizationID string, filter models.JobFilter) bool {
	if job.OrganizationID != organizationID {
		return false
	}
	if filter.Status != "" && job.Status != filter.Status {
		return false
	}
	if filter.CalculatorType != "" && job.CalculatorType != filter.CalculatorType {
		return false
	}
	return true
}

func sortJobs(jobs []*models.BulkCalculationJob, order models.JobSort) {
	less := func(a, b *models.BulkCalculationJob) bool {
		switch order.Field {
		case models.SortByName:
			if a.Name != b.Name {
				return a.Name < b.Name
			}
		case models.SortByStatus:
			if a.Status != b.Status {
				return a.Status < b.Status
			}
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if order.Ascending {
			return less(jobs[i], jobs[j])
		}
		return less(jobs[j], jobs[i])
	})
}

// orderClause renders a whitelisted ORDER BY for the SQL store.
func orderClause(order models.JobSort) string {
	dir := "DESC"
	if order.Ascending {
		dir = "ASC"
	}
	switch order.Field {
	case models.SortByName:
		return fmt.Sprintf("name %s, created_at %s, id %s", dir, dir, dir)
	case models.SortByStatus:
		return fmt.Sprintf("status %s, created_at %s, id %s", dir, dir, dir)
	default:
		return fmt.Sprintf("created_at %s, id %s", dir, dir)
	}
}
