package models

var transitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusRunning, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled},
}

// CanTransition reports whether the state graph has an edge from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Apply performs t on job after checking the expected current status.
// Timestamps are set exactly once: StartedAt on the first entry into
// running, CompletedAt and ActualDuration on entry into a terminal state.
func (t Transition) Apply(job *BulkCalculationJob) error {
	if job.Status != t.From {
		return &ConflictError{JobID: job.ID, Expected: t.From, Actual: job.Status}
	}
	if !CanTransition(t.From, t.To) {
		return &InvalidTransitionError{JobID: job.ID, Op: "transition", Target: t.To, Current: job.Status}
	}
	at := t.At.UTC()
	job.Status = t.To
	job.UpdatedAt = at
	if t.To == StatusRunning && job.StartedAt == nil {
		started := at
		job.StartedAt = &started
	}
	if t.To.IsTerminal() && job.CompletedAt == nil {
		done := at
		job.CompletedAt = &done
		if job.StartedAt != nil {
			d := done.Sub(*job.StartedAt)
			job.ActualDuration = &d
		}
	}
	if t.Reason != "" {
		job.ErrorMessage = t.Reason
	}
	return nil
}
