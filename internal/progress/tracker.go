// Package progress derives percentage, throughput and ETA for a running job.
package progress

import (
	"sync"
	"time"

	"batch-calc-engine/internal/models"
)

const (
	// DefaultWindowCount is the number of most recent completions considered.
	DefaultWindowCount = 20
	// DefaultWindowAge is the trailing time span considered.
	DefaultWindowAge = 10 * time.Second
	// maxSamples bounds memory when completions arrive faster than the age window.
	maxSamples = 4096
)

// Compute is the pure progress function. anchor is the moment measurement
// started (start or resume); samples are completion timestamps in order.
// Throughput is taken over whichever of the last windowCount samples or
// the samples within windowAge of now is larger.
func Compute(completed, total int, anchor time.Time, samples []time.Time, now time.Time, windowCount int, windowAge time.Duration) models.JobProgress {
	p := models.JobProgress{Completed: completed, Total: total}
	if total > 0 {
		p.Percentage = float64(completed) / float64(total) * 100
	}

	rate, ok := throughput(anchor, samples, now, windowCount, windowAge)
	if !ok {
		return p
	}
	p.ThroughputPerSecond = &rate
	remaining := float64(total-completed) / rate
	if remaining < 0 {
		remaining = 0
	}
	p.EstimatedTimeRemaining = &remaining
	return p
}

func throughput(anchor time.Time, samples []time.Time, now time.Time, windowCount int, windowAge time.Duration) (float64, bool) {
	n := len(samples)
	if n == 0 {
		return 0, false
	}

	byCount := windowCount
	if byCount > n {
		byCount = n
	}
	byAge := 0
	cutoff := now.Add(-windowAge)
	for i := n - 1; i >= 0 && !samples[i].Before(cutoff); i-- {
		byAge++
	}
	size := byCount
	if byAge > size {
		size = byAge
	}
	if size == 0 {
		return 0, false
	}

	first := n - size
	// The window opens at the completion preceding it, or at the anchor
	// when the window reaches back to the first sample.
	opened := anchor
	if first > 0 {
		opened = samples[first-1]
	}
	span := samples[n-1].Sub(opened).Seconds()
	if span <= 0 {
		return 0, false
	}
	return float64(size) / span, true
}

// Tracker accumulates completion timestamps for one job. It is attached to
// exactly one job run and reset on every start or resume so throughput is
// undefined until the first completion after the reset.
type Tracker struct {
	mu          sync.Mutex
	total       int
	completed   int
	anchor      time.Time
	samples     []time.Time
	windowCount int
	windowAge   time.Duration
	now         func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithWindow overrides the sliding window bounds.
func WithWindow(count int, age time.Duration) Option {
	return func(t *Tracker) {
		if count > 0 {
			t.windowCount = count
		}
		if age > 0 {
			t.windowAge = age
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker starts measuring at completed out of total.
func NewTracker(total, completed int, opts ...Option) *Tracker {
	t := &Tracker{
		total:       total,
		completed:   completed,
		windowCount: DefaultWindowCount,
		windowAge:   DefaultWindowAge,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.anchor = t.now()
	return t
}

// Record counts one completion and returns the updated snapshot.
func (t *Tracker) Record() models.JobProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.completed++
	t.samples = append(t.samples, now)
	t.prune(now)
	return Compute(t.completed, t.total, t.anchor, t.samples, now, t.windowCount, t.windowAge)
}

// Snapshot returns the current progress without recording anything.
func (t *Tracker) Snapshot() models.JobProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Compute(t.completed, t.total, t.anchor, t.samples, t.now(), t.windowCount, t.windowAge)
}

// prune drops samples that can no longer fall into either window. The
// sample just before the retained window is kept as its opening edge.
func (t *Tracker) prune(now time.Time) {
	cutoff := now.Add(-t.windowAge)
	keep := 0
	for i := len(t.samples) - 1; i >= 0 && !t.samples[i].Before(cutoff); i-- {
		keep++
	}
	if keep < t.windowCount {
		keep = t.windowCount
	}
	keep++
	if keep > maxSamples {
		keep = maxSamples
	}
	if drop := len(t.samples) - keep; drop > 0 {
		t.anchor = t.samples[drop-1]
		t.samples = append(t.samples[:0:0], t.samples[drop:]...)
	}
}
