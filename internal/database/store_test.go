package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"batch-calc-engine/internal/models"
)

func newJob(org, calc string, n int) *models.BulkCalculationJob {
	inputs := make([]models.InputRecord, n)
	for i := range inputs {
		inputs[i] = models.InputRecord{Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))}
	}
	return &models.BulkCalculationJob{
		OrganizationID: org,
		Name:           fmt.Sprintf("%s-%d", calc, n),
		CalculatorType: calc,
		InputData:      inputs,
	}
}

func result(i int) models.CalculationResult {
	return models.CalculationResult{
		Index:      i,
		Succeeded:  true,
		Value:      json.RawMessage(fmt.Sprintf(`{"v":%d}`, i)),
		ComputedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func start(t *testing.T, s Store, id string) {
	t.Helper()
	require.NoError(t, s.UpdateStatus(context.Background(), id, models.Transition{
		From: models.StatusPending, To: models.StatusRunning, At: time.Now(),
	}))
}

// runStoreContract exercises the behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create rejects empty and orphan jobs", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, newJob("org", "loan", 0))
		require.ErrorIs(t, err, models.ErrEmptyJob)

		_, err = s.Create(ctx, newJob("", "loan", 1))
		require.ErrorIs(t, err, models.ErrMissingOrganization)
	})

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, newJob("org", "compound-interest", 3))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.StatusPending, job.Status)
		require.Equal(t, 3, job.Progress.Total)
		require.Len(t, job.InputData, 3)
		require.Empty(t, job.Results)
		for i, in := range job.InputData {
			require.Equal(t, i, in.Index)
			require.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(in.Payload))
		}
		require.Nil(t, job.StartedAt)

		_, err = s.Get(ctx, "missing")
		require.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("update status is compare and swap", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, newJob("org", "loan", 1))
		require.NoError(t, err)
		start(t, s, id)

		err = s.UpdateStatus(ctx, id, models.Transition{From: models.StatusPending, To: models.StatusRunning, At: time.Now()})
		var conflict *models.ConflictError
		require.True(t, errors.As(err, &conflict))
		require.Equal(t, models.StatusRunning, conflict.Actual)

		require.NoError(t, s.UpdateStatus(ctx, id, models.Transition{From: models.StatusRunning, To: models.StatusFailed, At: time.Now(), Reason: "boom"}))
		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.StatusFailed, job.Status)
		require.Equal(t, "boom", job.ErrorMessage)
		require.NotNil(t, job.StartedAt)
		require.NotNil(t, job.CompletedAt)
		require.NotNil(t, job.ActualDuration)
		require.False(t, job.CompletedAt.Before(*job.StartedAt))
	})

	t.Run("concurrent start admits exactly one writer", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, newJob("org", "loan", 1))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.UpdateStatus(ctx, id, models.Transition{From: models.StatusPending, To: models.StatusRunning, At: time.Now()})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, wins)
	})

	t.Run("append result enforces order", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, newJob("org", "loan", 2))
		require.NoError(t, err)

		require.ErrorIs(t, s.AppendResult(ctx, id, result(0)), models.ErrConflict, "pending jobs take no results")
		start(t, s, id)

		require.ErrorIs(t, s.AppendResult(ctx, id, result(1)), models.ErrOutOfOrder)
		require.NoError(t, s.AppendResult(ctx, id, result(0)))
		require.NoError(t, s.AppendResult(ctx, id, models.CalculationResult{Index: 1, ErrorReason: "bad input", ComputedAt: time.Now()}))
		require.ErrorIs(t, s.AppendResult(ctx, id, result(2)), models.ErrOutOfOrder, "results never exceed inputs")

		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Len(t, job.Results, 2)
		require.True(t, job.Results[0].Succeeded)
		require.JSONEq(t, `{"v":0}`, string(job.Results[0].Value))
		require.False(t, job.Results[1].Succeeded)
		require.Equal(t, "bad input", job.Results[1].ErrorReason)
		require.Empty(t, job.Results[1].Value)
	})

	t.Run("set progress is monotonic", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, newJob("org", "loan", 4))
		require.NoError(t, err)

		tp := 2.0
		require.NoError(t, s.SetProgress(ctx, id, models.JobProgress{Completed: 3, Total: 4, Percentage: 75, ThroughputPerSecond: &tp}))
		require.NoError(t, s.SetProgress(ctx, id, models.JobProgress{Completed: 1, Total: 4, Percentage: 25}))

		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, 3, job.Progress.Completed)
		require.Equal(t, 75.0, job.Progress.Percentage)
		require.NotNil(t, job.Progress.ThroughputPerSecond)
		require.Nil(t, job.Progress.EstimatedTimeRemaining)
	})

	t.Run("list filters sorts and limits", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Create(ctx, newJob("org", "loan", 1))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		b, err := s.Create(ctx, newJob("org", "compound-interest", 2))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		_, err = s.Create(ctx, newJob("other", "loan", 1))
		require.NoError(t, err)
		start(t, s, a)

		jobs, err := s.List(ctx, "org", models.JobFilter{}, models.JobSort{}, 0)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		require.Equal(t, b, jobs[0].ID, "default order is newest first")

		jobs, err = s.List(ctx, "org", models.JobFilter{}, models.JobSort{Field: models.SortByCreatedAt, Ascending: true}, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.Equal(t, a, jobs[0].ID)

		jobs, err = s.List(ctx, "org", models.JobFilter{Status: models.StatusRunning}, models.JobSort{}, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.Equal(t, a, jobs[0].ID)

		jobs, err = s.List(ctx, "org", models.JobFilter{CalculatorType: "compound-interest"}, models.JobSort{}, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.Equal(t, b, jobs[0].ID)

		jobs, err = s.List(ctx, "nobody", models.JobFilter{}, models.JobSort{}, 10)
		require.NoError(t, err)
		require.Empty(t, jobs)
	})

	t.Run("metadata only while pending", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Create(ctx, newJob("org", "loan", 1))
		require.NoError(t, err)

		name := "renamed"
		job, err := s.UpdateMetadata(ctx, id, models.JobUpdateRequest{Name: &name})
		require.NoError(t, err)
		require.Equal(t, "renamed", job.Name)

		start(t, s, id)
		_, err = s.UpdateMetadata(ctx, id, models.JobUpdateRequest{Name: &name})
		require.ErrorIs(t, err, models.ErrImmutable)
	})

	t.Run("delete and metrics", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Create(ctx, newJob("org", "loan", 2))
		require.NoError(t, err)
		b, err := s.Create(ctx, newJob("org", "loan", 1))
		require.NoError(t, err)
		start(t, s, a)
		require.NoError(t, s.AppendResult(ctx, a, result(0)))

		m, err := s.Metrics(ctx, "org")
		require.NoError(t, err)
		require.Equal(t, int64(2), m.TotalJobs)
		require.Equal(t, int64(1), m.RunningJobs)
		require.Equal(t, int64(1), m.PendingJobs)
		require.Equal(t, int64(1), m.TotalResults)

		require.NoError(t, s.Delete(ctx, b))
		require.ErrorIs(t, s.Delete(ctx, b), models.ErrNotFound)
		_, err = s.Get(ctx, b)
		require.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		db, err := NewSQLite(filepath.Join(t.TempDir(), "jobs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		return db
	})
}

func TestSQLiteStoreTracksResultsCount(t *testing.T) {
	db, err := NewSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	id, err := db.Create(ctx, newJob("org", "loan", 4))
	require.NoError(t, err)
	start(t, db, id)

	count := func() int {
		var n int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT results_count FROM jobs WHERE id = ?`, id).Scan(&n))
		return n
	}
	require.Zero(t, count())
	for i := 0; i < 3; i++ {
		require.NoError(t, db.AppendResult(ctx, id, result(i)))
		require.Equal(t, i+1, count())
	}

	require.ErrorIs(t, db.AppendResult(ctx, id, result(1)), models.ErrOutOfOrder)
	require.ErrorIs(t, db.AppendResult(ctx, id, result(5)), models.ErrOutOfOrder)
	require.Equal(t, 3, count())
	require.ErrorIs(t, db.AppendResult(ctx, "missing", result(0)), models.ErrNotFound)

	require.NoError(t, db.AppendResult(ctx, id, result(3)))
	require.ErrorIs(t, db.AppendResult(ctx, id, result(4)), models.ErrOutOfOrder)
	job, err := db.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, job.Results, 4)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id, err := s.Create(ctx, newJob("org", "loan", 1))
	require.NoError(t, err)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	job.Status = models.StatusCompleted
	job.Results = append(job.Results, result(0))

	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, again.Status)
	require.Empty(t, again.Results)
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: DialectPostgres}
	require.Equal(t, "SELECT * FROM jobs WHERE id = $1 AND status = $2", pg.rebind("SELECT * FROM jobs WHERE id = ? AND status = ?"))

	lite := &DB{dialect: DialectSQLite}
	require.Equal(t, "id = ?", lite.rebind("id = ?"))
}
