// Package worker executes a job's input records on a bounded pool.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"batch-calc-engine/internal/calculator"
	"batch-calc-engine/internal/models"
)

// StopReason explains why Execute returned.
type StopReason string

const (
	StopExhausted StopReason = "exhausted"
	StopPaused    StopReason = "paused"
	StopCancelled StopReason = "cancelled"
	StopFatal     StopReason = "fatal"
)

// Outcome is the result of one Execute call. Cursor is the first index
// whose result has not been acknowledged by the reporter.
type Outcome struct {
	Reason StopReason
	Cursor int
	Err    error
}

// ReportFunc receives results strictly in index order. An error from the
// reporter is engine-fatal.
type ReportFunc func(ctx context.Context, result models.CalculationResult) error

// Signals carries pause and cancel requests into a run. Each signal fires
// at most once.
type Signals struct {
	pauseOnce  sync.Once
	cancelOnce sync.Once
	pause      chan struct{}
	cancel     chan struct{}
}

// NewSignals returns unfired signals
func NewSignals() *Signals {
	return &Signals{pause: make(chan struct{}), cancel: make(chan struct{})}
}

// Pause asks the run to stop dispatching and drain.
func (s *Signals) Pause() { s.pauseOnce.Do(func() { close(s.pause) }) }

// Cancel asks the run to stop and abandon in-flight work.
func (s *Signals) Cancel() { s.cancelOnce.Do(func() { close(s.cancel) }) }

// Paused is closed once Pause has been called.
func (s *Signals) Paused() <-chan struct{} { return s.pause }

// Cancelled is closed once Cancel has been called.
func (s *Signals) Cancelled() <-chan struct{} { return s.cancel }

func fired(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Task describes one run of a job starting at Cursor.
type Task struct {
	JobID    string
	Inputs   []models.InputRecord
	Cursor   int
	PoolSize int
	Compute  calculator.Func
	Signals  *Signals
	Report   ReportFunc
}

// Executor runs tasks. It holds no job state; everything it needs to resume
// comes in through Task.
type Executor struct {
	logger          zerolog.Logger
	defaultPoolSize int
	now             func() time.Time
}

// DefaultPoolSize derives the pool size from available parallelism.
func DefaultPoolSize() int {
	return runtime.GOMAXPROCS(0)
}

// New creates an executor. A non-positive defaultPoolSize falls back to DefaultPoolSize.
func New(logger zerolog.Logger, defaultPoolSize int) *Executor {
	if defaultPoolSize <= 0 {
		defaultPoolSize = DefaultPoolSize()
	}
	return &Executor{logger: logger, defaultPoolSize: defaultPoolSize, now: time.Now}
}

// lookaheadFactor bounds the reorder buffer: dispatch stays within
// lookaheadFactor*poolSize records of the last reported index.
const lookaheadFactor = 2

type completion struct {
	result models.CalculationResult
	fatal  error
}

// Execute dispatches task.Inputs[task.Cursor:] to at most PoolSize
// concurrent workers and blocks until the inputs are exhausted, the run is
// paused and drained, cancelled, or hits a fatal error. Results computed out
// of order are held back until every lower index has been reported, and no
// record more than lookaheadFactor*PoolSize past the last reported index is
// dispatched.
func (e *Executor) Execute(ctx context.Context, task Task) Outcome {
	poolSize := task.PoolSize
	if poolSize <= 0 {
		poolSize = e.defaultPoolSize
	}
	signals := task.Signals
	if signals == nil {
		signals = NewSignals()
	}
	total := len(task.Inputs)
	if task.Cursor < 0 || task.Cursor > total {
		return Outcome{Reason: StopFatal, Cursor: task.Cursor, Err: fmt.Errorf("cursor %d outside [0, %d]", task.Cursor, total)}
	}
	if task.Compute == nil {
		return Outcome{Reason: StopFatal, Cursor: task.Cursor, Err: calculator.Fatal(errors.New("no calculation function"))}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := e.logger.With().Str("job_id", task.JobID).Int("pool_size", poolSize).Logger()
	log.Debug().Int("cursor", task.Cursor).Int("total", total).Msg("executor: run started")

	// Buffered to poolSize so abandoned workers never block on send.
	done := make(chan completion, poolSize)
	held := make(map[int]completion)
	window := lookaheadFactor * poolSize
	next, acked, inflight := task.Cursor, task.Cursor, 0
	pausing := false
	pauseCh := signals.Paused()
	var fatal error

	for {
		if !pausing && fired(pauseCh) {
			pausing = true
			pauseCh = nil
			log.Debug().Int("in_flight", inflight).Msg("executor: draining for pause")
		}
		stopped := pausing || fatal != nil
		for !stopped && inflight < poolSize && next-acked < window && next < total && !fired(signals.Cancelled()) {
			go e.work(runCtx, task.Compute, task.Inputs[next], next, done)
			next++
			inflight++
		}
		if inflight == 0 {
			break
		}

		select {
		case c := <-done:
			inflight--
			if c.fatal != nil && fatal == nil {
				fatal = c.fatal
				continue
			}
			if fatal != nil {
				continue
			}
			held[c.result.Index] = c
			for {
				h, ok := held[acked]
				if !ok {
					break
				}
				delete(held, acked)
				if err := task.Report(runCtx, h.result); err != nil {
					fatal = fmt.Errorf("report result %d: %w", acked, err)
					break
				}
				acked++
			}
		case <-pauseCh:
			pausing = true
			pauseCh = nil
			log.Debug().Int("in_flight", inflight).Msg("executor: draining for pause")
		case <-signals.Cancelled():
			log.Debug().Int("in_flight", inflight).Int("cursor", acked).Msg("executor: cancelled, abandoning in-flight work")
			return Outcome{Reason: StopCancelled, Cursor: acked}
		case <-ctx.Done():
			return Outcome{Reason: StopCancelled, Cursor: acked, Err: ctx.Err()}
		}
	}

	switch {
	case fired(signals.Cancelled()):
		return Outcome{Reason: StopCancelled, Cursor: acked}
	case fatal != nil:
		log.Error().Err(fatal).Int("cursor", acked).Msg("executor: run failed")
		return Outcome{Reason: StopFatal, Cursor: acked, Err: fatal}
	case acked >= total:
		log.Debug().Int("total", total).Msg("executor: inputs exhausted")
		return Outcome{Reason: StopExhausted, Cursor: acked}
	default:
		log.Debug().Int("cursor", acked).Msg("executor: paused")
		return Outcome{Reason: StopPaused, Cursor: acked}
	}
}

// work computes one record. Per-record errors and panics become failed
// results; only calculator.ErrFatal escapes as a run-level failure.
func (e *Executor) work(ctx context.Context, compute calculator.Func, input models.InputRecord, index int, done chan<- completion) {
	var (
		value json.RawMessage
		err   error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("calculation panicked: %v", r)
			}
		}()
		value, err = compute(ctx, input.Payload)
	}()

	res := models.CalculationResult{Index: index, ComputedAt: e.now().UTC()}
	if err != nil {
		if calculator.IsFatal(err) {
			done <- completion{result: res, fatal: err}
			return
		}
		res.ErrorReason = err.Error()
	} else {
		res.Succeeded = true
		res.Value = value
	}
	done <- completion{result: res}
}
