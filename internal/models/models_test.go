package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusPaused, false},
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCancelled, true},
		{StatusRunning, StatusPaused, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusCancelled, true},
		{StatusPaused, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusFailed, StatusPending, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			require.Equal(t, tc.want, CanTransition(tc.from, tc.to))
		})
	}
}

func TestTransitionApplySetsTimestampsOnce(t *testing.T) {
	job := &BulkCalculationJob{ID: "j1", Status: StatusPending}
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, Transition{From: StatusPending, To: StatusRunning, At: t0}.Apply(job))
	require.Equal(t, t0, *job.StartedAt)

	require.NoError(t, Transition{From: StatusRunning, To: StatusPaused, At: t0.Add(time.Second)}.Apply(job))
	require.NoError(t, Transition{From: StatusPaused, To: StatusRunning, At: t0.Add(2 * time.Second)}.Apply(job))
	require.Equal(t, t0, *job.StartedAt, "resume must not move startedAt")

	done := t0.Add(5 * time.Second)
	require.NoError(t, Transition{From: StatusRunning, To: StatusCompleted, At: done}.Apply(job))
	require.Equal(t, done, *job.CompletedAt)
	require.Equal(t, 5*time.Second, *job.ActualDuration)
}

func TestTransitionApplyConflict(t *testing.T) {
	job := &BulkCalculationJob{ID: "j1", Status: StatusCompleted}
	err := Transition{From: StatusRunning, To: StatusCancelled, At: time.Now()}.Apply(job)
	require.True(t, errors.Is(err, ErrConflict))

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, StatusCompleted, conflict.Actual)
	require.Equal(t, StatusCompleted, job.Status)
}

func TestTransitionApplyRejectsMissingEdge(t *testing.T) {
	job := &BulkCalculationJob{ID: "j1", Status: StatusPending}
	err := Transition{From: StatusPending, To: StatusCompleted, At: time.Now()}.Apply(job)

	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	require.Equal(t, StatusPending, job.Status)
}

func TestCloneIsDeep(t *testing.T) {
	tp := 1.5
	job := &BulkCalculationJob{
		InputData: []InputRecord{{Index: 0, Payload: json.RawMessage(`{"a":1}`)}},
		Results:   []CalculationResult{{Index: 0, Succeeded: true, Value: json.RawMessage(`2`)}},
		Progress:  JobProgress{ThroughputPerSecond: &tp},
	}
	cp := job.Clone()
	cp.InputData[0].Payload[2] = 'b'
	*cp.Progress.ThroughputPerSecond = 9
	cp.Results = append(cp.Results, CalculationResult{Index: 1})

	require.Equal(t, `{"a":1}`, string(job.InputData[0].Payload))
	require.Equal(t, 1.5, *job.Progress.ThroughputPerSecond)
	require.Len(t, job.Results, 1)
}

func TestNormalizeLimit(t *testing.T) {
	require.Equal(t, DefaultListLimit, NormalizeLimit(0))
	require.Equal(t, 5, NormalizeLimit(5))
	require.Equal(t, MaxListLimit, NormalizeLimit(MaxListLimit+1))
}

func TestMetricsAdd(t *testing.T) {
	var m Metrics
	m.Add(StatusRunning, 2)
	m.Add(StatusCancelled, 1)
	require.Equal(t, int64(3), m.TotalJobs)
	require.Equal(t, int64(2), m.RunningJobs)
	require.Equal(t, int64(1), m.CancelledJobs)
}
