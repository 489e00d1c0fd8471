package models

import (
	"encoding/json"
	"time"
)

// Status is a job lifecycle state
type Status string

// Status constants
const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusQueued, StatusRunning, StatusPaused,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a job in state s may still have an executor attached.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusPaused
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// InputRecord is one opaque calculator input. Index is its position in the
// job's input data and the join key to the matching CalculationResult.
type InputRecord struct {
	Index   int             `json:"index"`
	Payload json.RawMessage `json:"payload"`
}

// CalculationResult is the outcome of one input record.
type CalculationResult struct {
	Index       int             `json:"index"`
	Succeeded   bool            `json:"succeeded"`
	Value       json.RawMessage `json:"value,omitempty"`
	ErrorReason string          `json:"error_reason,omitempty"`
	ComputedAt  time.Time       `json:"computed_at"`
}

// JobProgress is a point-in-time progress snapshot. Throughput and ETA are
// nil until they can be measured.
type JobProgress struct {
	Completed              int      `json:"completed"`
	Total                  int      `json:"total"`
	Percentage             float64  `json:"percentage"`
	ThroughputPerSecond    *float64 `json:"throughput_per_second,omitempty"`
	EstimatedTimeRemaining *float64 `json:"estimated_time_remaining_seconds,omitempty"`
}

// BulkCalculationJob is one batch submission processed by a single calculator type.
type BulkCalculationJob struct {
	ID             string              `json:"id"`
	OrganizationID string              `json:"organization_id"`
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	CalculatorType string              `json:"calculator_type"`
	Status         Status              `json:"status"`
	PoolSize       int                 `json:"pool_size"`
	InputData      []InputRecord       `json:"input_data"`
	Results        []CalculationResult `json:"results"`
	Progress       JobProgress         `json:"progress"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	ActualDuration *time.Duration      `json:"actual_duration_ns,omitempty"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (j *BulkCalculationJob) Clone() *BulkCalculationJob {
	if j == nil {
		return nil
	}
	out := *j
	out.InputData = make([]InputRecord, len(j.InputData))
	for i, in := range j.InputData {
		out.InputData[i] = InputRecord{Index: in.Index, Payload: cloneRaw(in.Payload)}
	}
	out.Results = make([]CalculationResult, len(j.Results))
	for i, r := range j.Results {
		r.Value = cloneRaw(r.Value)
		out.Results[i] = r
	}
	out.Progress = j.Progress.Clone()
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	if j.ActualDuration != nil {
		d := *j.ActualDuration
		out.ActualDuration = &d
	}
	return &out
}

// Clone returns a copy that shares no pointers with p.
func (p JobProgress) Clone() JobProgress {
	out := p
	if p.ThroughputPerSecond != nil {
		v := *p.ThroughputPerSecond
		out.ThroughputPerSecond = &v
	}
	if p.EstimatedTimeRemaining != nil {
		v := *p.EstimatedTimeRemaining
		out.EstimatedTimeRemaining = &v
	}
	return out
}

// Transition is a compare-and-swap status change. The store applies it only
// when the job is still in From, and stamps lifecycle timestamps using At.
type Transition struct {
	From   Status
	To     Status
	At     time.Time
	Reason string
}

// SortField names a list ordering column.
type SortField string

const (
	SortByCreatedAt SortField = "created_at"
	SortByName      SortField = "name"
	SortByStatus    SortField = "status"
)

// JobSort orders list results.
type JobSort struct {
	Field     SortField
	Ascending bool
}

// JobFilter narrows list results. Zero values match everything.
type JobFilter struct {
	Status         Status
	CalculatorType string
}

// List bounds
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// NormalizeLimit clamps a caller supplied limit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// Metrics holds per-organization job counts
type Metrics struct {
	TotalJobs     int64 `json:"total_jobs"`
	PendingJobs   int64 `json:"pending_jobs"`
	QueuedJobs    int64 `json:"queued_jobs"`
	RunningJobs   int64 `json:"running_jobs"`
	PausedJobs    int64 `json:"paused_jobs"`
	CompletedJobs int64 `json:"completed_jobs"`
	FailedJobs    int64 `json:"failed_jobs"`
	CancelledJobs int64 `json:"cancelled_jobs"`
	TotalResults  int64 `json:"total_results"`
}

// Add counts n jobs in status s.
func (m *Metrics) Add(s Status, n int64) {
	m.TotalJobs += n
	switch s {
	case StatusPending:
		m.PendingJobs += n
	case StatusQueued:
		m.QueuedJobs += n
	case StatusRunning:
		m.RunningJobs += n
	case StatusPaused:
		m.PausedJobs += n
	case StatusCompleted:
		m.CompletedJobs += n
	case StatusFailed:
		m.FailedJobs += n
	case StatusCancelled:
		m.CancelledJobs += n
	}
}

// JobCreateRequest is the payload accepted when creating a job
type JobCreateRequest struct {
	OrganizationID string            `json:"organization_id"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	CalculatorType string            `json:"calculator_type"`
	PoolSize       int               `json:"pool_size,omitempty"`
	InputData      []json.RawMessage `json:"input_data"`
}

// JobUpdateRequest carries mutable metadata. Nil fields are left unchanged.
type JobUpdateRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
