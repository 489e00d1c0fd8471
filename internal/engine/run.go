package engine

import (
	"context"
	"errors"
	"time"

	"batch-calc-engine/internal/calculator"
	"batch-calc-engine/internal/events"
	"batch-calc-engine/internal/models"
	"batch-calc-engine/internal/progress"
	"batch-calc-engine/internal/worker"
)

// launchLocked registers a new run for id and starts it. c.mu must be held.
func (c *Controller) launchLocked(id string, queued bool) {
	r := &run{
		signals: worker.NewSignals(),
		done:    make(chan struct{}),
		prev:    c.runs[id],
		queued:  queued,
	}
	c.runs[id] = r
	c.wg.Add(1)
	go c.execute(id, r)
}

func (c *Controller) finish(id string, r *run) {
	c.mu.Lock()
	if c.runs[id] == r {
		delete(c.runs, id)
	}
	c.mu.Unlock()
	close(r.done)
}

// admit waits for an execution slot. It gives up when the run is paused or
// cancelled first, or when a queued run sees the controller shutting down.
func (c *Controller) admit(r *run) bool {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.signals.Paused():
		case <-r.signals.Cancelled():
		case <-c.closing:
			if !r.queued {
				<-ctx.Done()
			}
		case <-ctx.Done():
		}
		cancel()
	}()
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return false
	}
	select {
	case <-r.signals.Cancelled():
		c.slots.Release(1)
		return false
	default:
	}
	if r.queued {
		select {
		case <-c.closing:
			c.slots.Release(1)
			return false
		default:
		}
	}
	return true
}

func (c *Controller) execute(id string, r *run) {
	defer c.wg.Done()
	defer c.finish(id, r)
	ctx := context.Background()
	log := c.logger.With().Str("job_id", id).Logger()

	if r.prev != nil {
		<-r.prev.done
	}
	if !c.admit(r) {
		c.publishDrained(ctx, id)
		return
	}
	defer c.slots.Release(1)

	if r.queued {
		t := models.Transition{From: models.StatusQueued, To: models.StatusRunning, At: c.now()}
		if err := c.store.UpdateStatus(ctx, id, t); err != nil {
			log.Debug().Err(err).Msg("controller: admission lost race")
			return
		}
		c.publishStatus(id, models.StatusRunning, nil)
		log.Info().Msg("controller: job started")
	}

	job, err := c.store.Get(ctx, id)
	if err != nil {
		log.Warn().Err(err).Msg("controller: job vanished before execution")
		return
	}
	if job.Status != models.StatusRunning {
		c.publishDrained(ctx, id)
		return
	}

	compute, err := c.calculatorFor(job)
	if err != nil {
		c.fail(ctx, id, calculator.Fatal(err))
		return
	}

	opts := append([]progress.Option{progress.WithClock(c.now)}, c.opts.TrackerOptions...)
	tracker := progress.NewTracker(len(job.InputData), len(job.Results), opts...)
	snap := tracker.Snapshot()
	if err := c.store.SetProgress(ctx, id, snap); err != nil {
		log.Warn().Err(err).Msg("controller: reset progress failed")
	}
	c.bus.Publish(events.Event{JobID: id, Kind: events.KindProgress, Progress: &snap, At: c.now()})

	out := c.exec.Execute(ctx, worker.Task{
		JobID:    id,
		Inputs:   job.InputData,
		Cursor:   len(job.Results),
		PoolSize: job.PoolSize,
		Compute:  compute,
		Signals:  r.signals,
		Report: func(ctx context.Context, result models.CalculationResult) error {
			if err := c.store.AppendResult(ctx, id, result); err != nil {
				return err
			}
			p := tracker.Record()
			if err := c.store.SetProgress(ctx, id, p); err != nil {
				return err
			}
			c.bus.Publish(events.Event{JobID: id, Kind: events.KindProgress, Progress: &p, At: c.now()})
			return nil
		},
	})
	c.handleOutcome(ctx, id, out)
}

func (c *Controller) handleOutcome(ctx context.Context, id string, out worker.Outcome) {
	log := c.logger.With().Str("job_id", id).Int("cursor", out.Cursor).Logger()
	switch out.Reason {
	case worker.StopExhausted:
		t := models.Transition{From: models.StatusRunning, To: models.StatusCompleted, At: c.now()}
		err := c.store.UpdateStatus(ctx, id, t)
		switch {
		case err == nil:
			c.forgetCalculator(id)
			job, err := c.store.Get(ctx, id)
			if err != nil {
				log.Warn().Err(err).Msg("controller: reload completed job failed")
				c.publishStatus(id, models.StatusCompleted, nil)
				return
			}
			c.publishStatus(id, models.StatusCompleted, &job.Progress)
			log.Info().Dur("duration", durationOf(job)).Msg("controller: job completed")
		case errors.Is(err, models.ErrConflict):
			// Paused or cancelled while the last records drained.
			c.publishDrained(ctx, id)
		default:
			log.Error().Err(err).Msg("controller: mark completed failed")
		}
	case worker.StopPaused:
		c.publishDrained(ctx, id)
		log.Info().Msg("controller: job drained")
	case worker.StopCancelled:
		c.forgetCalculator(id)
		log.Debug().Msg("controller: run abandoned after cancel")
	case worker.StopFatal:
		c.fail(ctx, id, out.Err)
	}
}

// fail moves a running job to failed with err attached.
func (c *Controller) fail(ctx context.Context, id string, err error) {
	t := models.Transition{From: models.StatusRunning, To: models.StatusFailed, At: c.now(), Reason: err.Error()}
	if uerr := c.store.UpdateStatus(ctx, id, t); uerr != nil {
		c.logger.Warn().Err(uerr).Str("job_id", id).AnErr("cause", err).Msg("controller: mark failed skipped")
		c.publishDrained(ctx, id)
		return
	}
	c.forgetCalculator(id)
	c.bus.Publish(events.Event{JobID: id, Kind: events.KindStatus, Status: models.StatusFailed, Error: err.Error(), At: c.now()})
	c.logger.Error().Err(err).Str("job_id", id).Msg("controller: job failed")
}

// publishDrained announces that a paused job has no work in flight.
func (c *Controller) publishDrained(ctx context.Context, id string) {
	job, err := c.store.Get(ctx, id)
	if err != nil || job.Status != models.StatusPaused {
		return
	}
	c.bus.Publish(events.Event{JobID: id, Kind: events.KindStatus, Status: models.StatusPaused, Progress: &job.Progress, Drained: true, At: c.now()})
}

func durationOf(job *models.BulkCalculationJob) (d time.Duration) {
	if job.ActualDuration != nil {
		d = *job.ActualDuration
	}
	return d
}
