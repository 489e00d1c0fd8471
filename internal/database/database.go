package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"batch-calc-engine/internal/models"
)

// Dialect selects SQL flavour differences between the supported backends.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "pgx"
)

// DB wraps the SQL database with the Store contract
type DB struct {
	*sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLite opens (or creates) a SQLite database file and initializes the schema.
func NewSQLite(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open(string(DialectSQLite), dsn)
	if err != nil {
		return nil, err
	}
	// A single writer connection serializes transactions and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return initDB(db, DialectSQLite)
}

// NewPostgres connects through pgx's database/sql driver and initializes the schema.
func NewPostgres(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open(string(DialectPostgres), dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return initDB(db, DialectPostgres)
}

func initDB(db *sql.DB, dialect Dialect) (*DB, error) {
	out := &DB{DB: db, dialect: dialect, now: time.Now}
	if err := out.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return out, nil
}

// InitSchema initializes the database schema
func (db *DB) InitSchema() error {
	timeType, boolType, bigType := "DATETIME", "INTEGER", "INTEGER"
	if db.dialect == DialectPostgres {
		timeType, boolType, bigType = "TIMESTAMPTZ", "BOOLEAN", "BIGINT"
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		calculator_type TEXT NOT NULL,
		status TEXT NOT NULL,
		pool_size INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL,
		progress_json TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		created_at %[1]s NOT NULL,
		updated_at %[1]s NOT NULL,
		started_at %[1]s,
		completed_at %[1]s,
		actual_duration_ns %[3]s,
		results_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS job_inputs (
		job_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (job_id, idx)
	);

	CREATE TABLE IF NOT EXISTS job_results (
		job_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		succeeded %[2]s NOT NULL,
		value TEXT,
		error_reason TEXT NOT NULL DEFAULT '',
		computed_at %[1]s NOT NULL,
		PRIMARY KEY (job_id, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_org ON jobs(organization_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_org_status ON jobs(organization_id, status);
	`, timeType, boolType, bigType)

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (db *DB) rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate locks the selected job row where the backend supports it.
func (db *DB) forUpdate() string {
	if db.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

const jobColumns = `id, organization_id, name, description, calculator_type, status, pool_size, total,
	progress_json, error_message, created_at, updated_at, started_at, completed_at, actual_duration_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.BulkCalculationJob, error) {
	var job models.BulkCalculationJob
	var total int
	var progress string
	var startedAt, completedAt sql.NullTime
	var duration sql.NullInt64

	err := row.Scan(&job.ID, &job.OrganizationID, &job.Name, &job.Description, &job.CalculatorType,
		&job.Status, &job.PoolSize, &total, &progress, &job.ErrorMessage,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt, &duration)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(progress), &job.Progress); err != nil {
		return nil, fmt.Errorf("decode progress for job %s: %w", job.ID, err)
	}
	job.Progress.Total = total
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	if duration.Valid {
		d := time.Duration(duration.Int64)
		job.ActualDuration = &d
	}
	return &job, nil
}

// Create inserts a new job into the database
func (db *DB) Create(ctx context.Context, job *models.BulkCalculationJob) (string, error) {
	stored := job.Clone()
	if err := prepareNew(stored, db.now()); err != nil {
		return "", err
	}
	progress, err := json.Marshal(stored.Progress)
	if err != nil {
		return "", err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, db.rebind(`
		INSERT INTO jobs (id, organization_id, name, description, calculator_type, status, pool_size, total,
		                  progress_json, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), stored.ID, stored.OrganizationID, stored.Name, stored.Description, stored.CalculatorType,
		string(stored.Status), stored.PoolSize, stored.Progress.Total, string(progress), "",
		stored.CreatedAt, stored.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}

	insertInput := db.rebind(`INSERT INTO job_inputs (job_id, idx, payload) VALUES (?, ?, ?)`)
	for _, in := range stored.InputData {
		if _, err := tx.ExecContext(ctx, insertInput, stored.ID, in.Index, string(in.Payload)); err != nil {
			return "", fmt.Errorf("insert input %d: %w", in.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return stored.ID, nil
}

// Get retrieves a job with its inputs and ordered results
func (db *DB) Get(ctx context.Context, id string) (*models.BulkCalculationJob, error) {
	job, err := scanJob(db.QueryRowContext(ctx, db.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if err != nil {
		return nil, err
	}

	inputs, err := db.QueryContext(ctx, db.rebind(`SELECT idx, payload FROM job_inputs WHERE job_id = ? ORDER BY idx`), id)
	if err != nil {
		return nil, err
	}
	defer inputs.Close()
	job.InputData = make([]models.InputRecord, 0, job.Progress.Total)
	for inputs.Next() {
		var in models.InputRecord
		var payload string
		if err := inputs.Scan(&in.Index, &payload); err != nil {
			return nil, err
		}
		in.Payload = json.RawMessage(payload)
		job.InputData = append(job.InputData, in)
	}
	if err := inputs.Err(); err != nil {
		return nil, err
	}

	results, err := db.QueryContext(ctx, db.rebind(`
		SELECT idx, succeeded, value, error_reason, computed_at
		FROM job_results WHERE job_id = ? ORDER BY idx
	`), id)
	if err != nil {
		return nil, err
	}
	defer results.Close()
	job.Results = make([]models.CalculationResult, 0)
	for results.Next() {
		var r models.CalculationResult
		var value sql.NullString
		if err := results.Scan(&r.Index, &r.Succeeded, &value, &r.ErrorReason, &r.ComputedAt); err != nil {
			return nil, err
		}
		if value.Valid {
			r.Value = json.RawMessage(value.String)
		}
		r.ComputedAt = r.ComputedAt.UTC()
		job.Results = append(job.Results, r)
	}
	return job, results.Err()
}

// List retrieves an organization's jobs with optional filtering. Inputs and
// results are not loaded; use Get for the full record.
func (db *DB) List(ctx context.Context, organizationID string, filter models.JobFilter, order models.JobSort, limit int) ([]*models.BulkCalculationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE organization_id = ?`
	args := []any{organizationID}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.CalculatorType != "" {
		query += " AND calculator_type = ?"
		args = append(args, filter.CalculatorType)
	}

	query += " ORDER BY " + orderClause(order) + " LIMIT ?"
	args = append(args, models.NormalizeLimit(limit))

	rows, err := db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*models.BulkCalculationJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateStatus applies a compare-and-swap transition. The conditional
// UPDATE is what keeps two processes from both starting the same job.
func (db *DB) UpdateStatus(ctx context.Context, id string, t models.Transition) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, db.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`+db.forUpdate()), id))
	if err != nil {
		return err
	}
	if err := t.Apply(job); err != nil {
		return err
	}

	var duration sql.NullInt64
	if job.ActualDuration != nil {
		duration = sql.NullInt64{Int64: int64(*job.ActualDuration), Valid: true}
	}
	res, err := tx.ExecContext(ctx, db.rebind(`
		UPDATE jobs
		SET status = ?, updated_at = ?, started_at = ?, completed_at = ?, actual_duration_ns = ?, error_message = ?
		WHERE id = ? AND status = ?
	`), string(job.Status), job.UpdatedAt, nullTime(job.StartedAt), nullTime(job.CompletedAt), duration,
		job.ErrorMessage, id, string(t.From))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var actual string
		if err := tx.QueryRowContext(ctx, db.rebind(`SELECT status FROM jobs WHERE id = ?`), id).Scan(&actual); err != nil {
			return err
		}
		return &models.ConflictError{JobID: id, Expected: t.From, Actual: models.Status(actual)}
	}
	return tx.Commit()
}

// UpdateMetadata changes name and description of a pending job.
func (db *DB) UpdateMetadata(ctx context.Context, id string, upd models.JobUpdateRequest) (*models.BulkCalculationJob, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, db.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`+db.forUpdate()), id))
	if err != nil {
		return nil, err
	}
	if err := applyMetadata(job, upd, db.now()); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, db.rebind(`
		UPDATE jobs SET name = ?, description = ?, updated_at = ? WHERE id = ? AND status = ?
	`), job.Name, job.Description, job.UpdatedAt, id, string(models.StatusPending))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return db.Get(ctx, id)
}

// AppendResult inserts the next result. The jobs row carries the results
// count and is locked for the transaction, so the index check and insert
// are atomic.
func (db *DB) AppendResult(ctx context.Context, id string, result models.CalculationResult) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	job := &models.BulkCalculationJob{ID: id}
	var count int
	err = tx.QueryRowContext(ctx, db.rebind(`SELECT status, total, results_count FROM jobs WHERE id = ?`+db.forUpdate()), id).
		Scan(&job.Status, &job.Progress.Total, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := checkAppend(job, count, result); err != nil {
		return err
	}

	var value sql.NullString
	if len(result.Value) > 0 {
		value = sql.NullString{String: string(result.Value), Valid: true}
	}
	now := db.now().UTC()
	if _, err := tx.ExecContext(ctx, db.rebind(`
		INSERT INTO job_results (job_id, idx, succeeded, value, error_reason, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), id, result.Index, result.Succeeded, value, result.ErrorReason, result.ComputedAt.UTC()); err != nil {
		return fmt.Errorf("insert result %d: %w", result.Index, err)
	}
	if _, err := tx.ExecContext(ctx, db.rebind(`UPDATE jobs SET results_count = results_count + 1, updated_at = ? WHERE id = ?`), now, id); err != nil {
		return err
	}
	return tx.Commit()
}

// SetProgress stores a progress snapshot; a snapshot with fewer completed
// records than the stored one is ignored.
func (db *DB) SetProgress(ctx context.Context, id string, progress models.JobProgress) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, db.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`+db.forUpdate()), id))
	if err != nil {
		return err
	}
	if progress.Completed < job.Progress.Completed {
		return nil
	}
	encoded, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, db.rebind(`UPDATE jobs SET progress_json = ?, updated_at = ? WHERE id = ?`),
		string(encoded), db.now().UTC(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes a job with its inputs and results
func (db *DB) Delete(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return models.ErrNotFound
	}
	for _, table := range []string{"job_inputs", "job_results"} {
		if _, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM `+table+` WHERE job_id = ?`), id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Metrics counts an organization's jobs by status
func (db *DB) Metrics(ctx context.Context, organizationID string) (*models.Metrics, error) {
	var metrics models.Metrics

	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT status, COUNT(*) FROM jobs WHERE organization_id = ? GROUP BY status
	`), organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		metrics.Add(models.Status(status), n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = db.QueryRowContext(ctx, db.rebind(`
		SELECT COUNT(*) FROM job_results r JOIN jobs j ON j.id = r.job_id WHERE j.organization_id = ?
	`), organizationID).Scan(&metrics.TotalResults)
	if err != nil {
		return nil, err
	}
	return &metrics, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
