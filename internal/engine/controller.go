// Package engine is the Job Controller. It owns the job state machine and
// coordinates the store, the executor, progress tracking and subscribers.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"batch-calc-engine/internal/calculator"
	"batch-calc-engine/internal/database"
	"batch-calc-engine/internal/events"
	"batch-calc-engine/internal/export"
	"batch-calc-engine/internal/models"
	"batch-calc-engine/internal/progress"
	"batch-calc-engine/internal/worker"
)

// ErrClosed is returned by control operations after Shutdown.
var ErrClosed = errors.New("controller is shutting down")

const maxCancelAttempts = 3

// Options configure a Controller.
type Options struct {
	// MaxRunningJobs bounds how many jobs execute at once across the process.
	MaxRunningJobs  int
	DefaultPoolSize int
	MaxPoolSize     int
	EventBuffer     int
	Clock           func() time.Time
	TrackerOptions  []progress.Option
}

// Controller is the public surface of the engine. One instance is
// constructed per process and shared by every caller.
type Controller struct {
	store    database.Store
	registry *calculator.Registry
	sinks    *export.Registry
	exec     *worker.Executor
	bus      *events.Bus
	slots    *semaphore.Weighted
	logger   zerolog.Logger
	opts     Options
	now      func() time.Time

	mu      sync.Mutex
	calcs   map[string]calculator.Func
	runs    map[string]*run
	closing chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// run is one attachment of the executor to a job. A resume creates a new
// run that waits for its predecessor to finish draining.
type run struct {
	signals *worker.Signals
	done    chan struct{}
	prev    *run
	queued  bool
}

// New creates a controller.
func New(store database.Store, registry *calculator.Registry, sinks *export.Registry, logger zerolog.Logger, opts Options) *Controller {
	if opts.MaxRunningJobs <= 0 {
		opts.MaxRunningJobs = worker.DefaultPoolSize()
	}
	if opts.DefaultPoolSize <= 0 {
		opts.DefaultPoolSize = worker.DefaultPoolSize()
	}
	if opts.MaxPoolSize <= 0 {
		opts.MaxPoolSize = 64
	}
	if opts.DefaultPoolSize > opts.MaxPoolSize {
		opts.DefaultPoolSize = opts.MaxPoolSize
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	if sinks == nil {
		sinks = export.NewDefaultRegistry()
	}
	return &Controller{
		store:    store,
		registry: registry,
		sinks:    sinks,
		exec:     worker.New(logger, opts.DefaultPoolSize),
		bus:      events.NewBus(opts.EventBuffer),
		slots:    semaphore.NewWeighted(int64(opts.MaxRunningJobs)),
		logger:   logger,
		opts:     opts,
		now:      now,
		calcs:    make(map[string]calculator.Func),
		runs:     make(map[string]*run),
		closing:  make(chan struct{}),
	}
}

// Calculators lists the registered calculator types.
func (c *Controller) Calculators() []string {
	return c.registry.Types()
}

// ExportFormats lists the registered export formats.
func (c *Controller) ExportFormats() []string {
	return c.sinks.Formats()
}

// CreateJob validates req, resolves its calculator and stores a pending job.
func (c *Controller) CreateJob(ctx context.Context, req models.JobCreateRequest) (string, error) {
	if strings.TrimSpace(req.OrganizationID) == "" {
		return "", models.ErrMissingOrganization
	}
	if len(req.InputData) == 0 {
		return "", models.ErrEmptyJob
	}
	compute, err := c.registry.Resolve(req.CalculatorType)
	if err != nil {
		return "", err
	}

	inputs := make([]models.InputRecord, len(req.InputData))
	for i, payload := range req.InputData {
		inputs[i] = models.InputRecord{Index: i, Payload: append(json.RawMessage(nil), payload...)}
	}
	job := &models.BulkCalculationJob{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Description:    req.Description,
		CalculatorType: req.CalculatorType,
		PoolSize:       c.poolSize(req.PoolSize),
		InputData:      inputs,
	}
	id, err := c.store.Create(ctx, job)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.calcs[id] = compute
	c.mu.Unlock()

	c.logger.Info().
		Str("job_id", id).
		Str("organization_id", job.OrganizationID).
		Str("calculator_type", job.CalculatorType).
		Int("records", len(inputs)).
		Int("pool_size", job.PoolSize).
		Msg("controller: job created")
	return id, nil
}

func (c *Controller) poolSize(requested int) int {
	if requested <= 0 {
		return c.opts.DefaultPoolSize
	}
	if requested > c.opts.MaxPoolSize {
		return c.opts.MaxPoolSize
	}
	return requested
}

// GetJob returns a snapshot of the job.
func (c *Controller) GetJob(ctx context.Context, id string) (*models.BulkCalculationJob, error) {
	return c.store.Get(ctx, id)
}

// ListJobs returns the organization's jobs.
func (c *Controller) ListJobs(ctx context.Context, organizationID string, filter models.JobFilter, order models.JobSort, limit int) ([]*models.BulkCalculationJob, error) {
	if strings.TrimSpace(organizationID) == "" {
		return nil, models.ErrMissingOrganization
	}
	return c.store.List(ctx, organizationID, filter, order, limit)
}

// UpdateJob changes name or description of a pending job.
func (c *Controller) UpdateJob(ctx context.Context, id string, upd models.JobUpdateRequest) (*models.BulkCalculationJob, error) {
	return c.store.UpdateMetadata(ctx, id, upd)
}

// Metrics returns per-status job counts for an organization.
func (c *Controller) Metrics(ctx context.Context, organizationID string) (*models.Metrics, error) {
	if strings.TrimSpace(organizationID) == "" {
		return nil, models.ErrMissingOrganization
	}
	return c.store.Metrics(ctx, organizationID)
}

// StartJob moves a pending job to queued and hands it to admission. The job
// becomes running once an execution slot is free.
func (c *Controller) StartJob(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}

	job, err := c.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	switch job.Status {
	case models.StatusPending:
		t := models.Transition{From: models.StatusPending, To: models.StatusQueued, At: c.now()}
		if err := c.store.UpdateStatus(ctx, id, t); err != nil {
			return false, err
		}
		c.publishStatus(id, models.StatusQueued, nil)
	case models.StatusQueued:
		if r, ok := c.runs[id]; ok && r.queued {
			return true, nil
		}
	default:
		return false, &models.InvalidTransitionError{JobID: id, Op: "start", Target: models.StatusRunning, Current: job.Status}
	}

	c.launchLocked(id, true)
	c.logger.Info().Str("job_id", id).Str("organization_id", job.OrganizationID).Msg("controller: job queued")
	return true, nil
}

// PauseJob asks a running job to stop dispatching. In-flight records finish
// asynchronously; subscribers get a drained paused event when they have.
func (c *Controller) PauseJob(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, err := c.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status != models.StatusRunning {
		return false, &models.InvalidTransitionError{JobID: id, Op: "pause", Target: models.StatusPaused, Current: job.Status}
	}
	t := models.Transition{From: models.StatusRunning, To: models.StatusPaused, At: c.now()}
	if err := c.store.UpdateStatus(ctx, id, t); err != nil {
		return false, err
	}

	r, ok := c.runs[id]
	if ok {
		r.signals.Pause()
		c.publishStatus(id, models.StatusPaused, nil)
	} else {
		c.bus.Publish(events.Event{JobID: id, Kind: events.KindStatus, Status: models.StatusPaused, Drained: true, At: c.now()})
	}
	c.logger.Info().Str("job_id", id).Int("completed", job.Progress.Completed).Msg("controller: job paused")
	return true, nil
}

// ResumeJob moves a paused job back to running and continues from the first
// unprocessed index.
func (c *Controller) ResumeJob(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}

	job, err := c.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status != models.StatusPaused {
		return false, &models.InvalidTransitionError{JobID: id, Op: "resume", Target: models.StatusRunning, Current: job.Status}
	}
	t := models.Transition{From: models.StatusPaused, To: models.StatusRunning, At: c.now()}
	if err := c.store.UpdateStatus(ctx, id, t); err != nil {
		return false, err
	}
	c.publishStatus(id, models.StatusRunning, nil)
	c.launchLocked(id, false)
	c.logger.Info().Str("job_id", id).Int("cursor", len(job.Results)).Msg("controller: job resumed")
	return true, nil
}

// CancelJob stops a job. Results appended so far are kept. Cancelling an
// already cancelled job succeeds.
func (c *Controller) CancelJob(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelLocked(ctx, id)
}

func (c *Controller) cancelLocked(ctx context.Context, id string) (bool, error) {
	for attempt := 1; ; attempt++ {
		job, err := c.store.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if job.Status == models.StatusCancelled {
			return true, nil
		}
		if !models.CanTransition(job.Status, models.StatusCancelled) {
			return false, &models.InvalidTransitionError{JobID: id, Op: "cancel", Target: models.StatusCancelled, Current: job.Status}
		}
		t := models.Transition{From: job.Status, To: models.StatusCancelled, At: c.now()}
		err = c.store.UpdateStatus(ctx, id, t)
		if errors.Is(err, models.ErrConflict) && attempt < maxCancelAttempts {
			continue
		}
		if err != nil {
			return false, err
		}
		if r, ok := c.runs[id]; ok {
			r.signals.Cancel()
		}
		delete(c.calcs, id)
		c.publishStatus(id, models.StatusCancelled, nil)
		c.logger.Info().Str("job_id", id).Str("from", string(job.Status)).Int("completed", len(job.Results)).Msg("controller: job cancelled")
		return true, nil
	}
}

// DeleteJob cancels an active job, removes it and closes its subscriptions.
func (c *Controller) DeleteJob(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		if _, err := c.cancelLocked(ctx, id); err != nil {
			return fmt.Errorf("cancel before delete: %w", err)
		}
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	delete(c.calcs, id)
	c.bus.CloseJob(id)
	c.logger.Info().Str("job_id", id).Str("organization_id", job.OrganizationID).Msg("controller: job deleted")
	return nil
}

// ExportResults renders the job's ordered results through the sink for format.
func (c *Controller) ExportResults(ctx context.Context, id, format string, opts export.Options) (*export.Document, error) {
	job, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.sinks.Render(job, format, opts)
}

// Shutdown pauses every running job and waits for the drains to finish or
// for ctx to expire. Queued jobs stay queued.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closing)
	ids := make([]string, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if _, err := c.PauseJob(ctx, id); err != nil {
			var invalid *models.InvalidTransitionError
			if !errors.As(err, &invalid) {
				c.logger.Warn().Err(err).Str("job_id", id).Msg("controller: pause on shutdown failed")
			}
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info().Int("jobs", len(ids)).Msg("controller: shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for job drains: %w", ctx.Err())
	}
}

func (c *Controller) publishStatus(id string, status models.Status, p *models.JobProgress) {
	c.bus.Publish(events.Event{JobID: id, Kind: events.KindStatus, Status: status, Progress: p, At: c.now()})
}

// calculatorFor returns the cached calculation function for a job,
// resolving it once for jobs that were created by another process.
func (c *Controller) calculatorFor(job *models.BulkCalculationJob) (calculator.Func, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn, ok := c.calcs[job.ID]; ok {
		return fn, nil
	}
	fn, err := c.registry.Resolve(job.CalculatorType)
	if err != nil {
		return nil, err
	}
	c.calcs[job.ID] = fn
	return fn, nil
}

// forgetCalculator drops the cached function of a job that reached a
// terminal state.
func (c *Controller) forgetCalculator(id string) {
	c.mu.Lock()
	delete(c.calcs, id)
	c.mu.Unlock()
}
