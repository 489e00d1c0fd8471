package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"batch-calc-engine/internal/models"
)

// MemoryStore is a single-process Store. The map lock guards membership;
// each job carries its own lock so progress reporting on one job never
// contends with another.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	mu  sync.Mutex
	job *models.BulkCalculationJob
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*memoryEntry),
		now:  time.Now,
	}
}

func (m *MemoryStore) entry(id string) (*memoryEntry, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, models.ErrNotFound
	}
	return e, nil
}

// Create inserts a new pending job and returns its id.
func (m *MemoryStore) Create(_ context.Context, job *models.BulkCalculationJob) (string, error) {
	stored := job.Clone()
	if err := prepareNew(stored, m.now()); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[stored.ID]; exists {
		return "", fmt.Errorf("%w: job %s already exists", models.ErrConflict, stored.ID)
	}
	m.jobs[stored.ID] = &memoryEntry{job: stored}
	return stored.ID, nil
}

// Get returns a copy of the job.
func (m *MemoryStore) Get(_ context.Context, id string) (*models.BulkCalculationJob, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// List returns copies of the organization's jobs matching filter.
func (m *MemoryStore) List(_ context.Context, organizationID string, filter models.JobFilter, order models.JobSort, limit int) ([]*models.BulkCalculationJob, error) {
	m.mu.RLock()
	entries := make([]*memoryEntry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*models.BulkCalculationJob, 0)
	for _, e := range entries {
		e.mu.Lock()
		if matches(e.job, organizationID, filter) {
			out = append(out, e.job.Clone())
		}
		e.mu.Unlock()
	}
	sortJobs(out, order)
	if limit = models.NormalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateStatus applies t if the job is still in t.From.
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, t models.Transition) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.Apply(e.job)
}

// UpdateMetadata changes name and description of a pending job.
func (m *MemoryStore) UpdateMetadata(_ context.Context, id string, upd models.JobUpdateRequest) (*models.BulkCalculationJob, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := applyMetadata(e.job, upd, m.now()); err != nil {
		return nil, err
	}
	return e.job.Clone(), nil
}

// AppendResult adds the next result in index order.
func (m *MemoryStore) AppendResult(_ context.Context, id string, result models.CalculationResult) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := checkAppend(e.job, len(e.job.Results), result); err != nil {
		return err
	}
	result.Value = append([]byte(nil), result.Value...)
	e.job.Results = append(e.job.Results, result)
	e.job.UpdatedAt = m.now().UTC()
	return nil
}

// SetProgress replaces the progress snapshot unless it would move
// completed backwards.
func (m *MemoryStore) SetProgress(_ context.Context, id string, progress models.JobProgress) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if progress.Completed < e.job.Progress.Completed {
		return nil
	}
	e.job.Progress = progress.Clone()
	e.job.UpdatedAt = m.now().UTC()
	return nil
}

// Delete removes a job.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return models.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

// Metrics counts the organization's jobs by status.
func (m *MemoryStore) Metrics(_ context.Context, organizationID string) (*models.Metrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var metrics models.Metrics
	for _, e := range m.jobs {
		e.mu.Lock()
		if e.job.OrganizationID == organizationID {
			metrics.Add(e.job.Status, 1)
			metrics.TotalResults += int64(len(e.job.Results))
		}
		e.mu.Unlock()
	}
	return &metrics, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
