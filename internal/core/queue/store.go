// Package queue is a durable, at-least-once job queue on SQLite with retry,
// exponential backoff and per-job-id deduplication. Several processes may share
// one queue file: a claimed job is held under a renewable lease, and only a job
// whose lease has run out can be claimed by another worker.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var (
	// ErrJobNotFound is returned by Get for an unknown id.
	ErrJobNotFound = errors.New("job not found")

	// errLeaseLost means the row is no longer active under this queue's lease.
	errLeaseLost = errors.New("job lease lost")
)

// Job is a claimed or inspected row. Attempt counts runs started so far,
// including the one in progress.
type Job struct {
	ID          string
	Payload     []byte
	State       State
	Attempt     int
	MaxAttempts int
	Backoff     time.Duration
	LastError   string
	RunAt       time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// RerunRequested is set when the job was enqueued again while active.
	RerunRequested bool
}

// WillRetry reports whether a failure of the current attempt with err would be retried.
func (j *Job) WillRetry(err error) bool {
	return !IsUnrecoverable(err) && j.Attempt < j.MaxAttempts
}

// Options control retries for one enqueued job.
type Options struct {
	Attempts int
	Backoff  time.Duration
}

// Config for Open. LeaseTTL bounds how long a claimed job stays invisible to
// other workers without a renewal; running jobs renew every LeaseTTL/3.
type Config struct {
	Path         string
	PollInterval time.Duration
	LeaseTTL     time.Duration
}

// Queue manages job persistence backed by SQLite.
type Queue struct {
	db           *sql.DB
	owner        string
	pollInterval time.Duration
	leaseTTL     time.Duration
	log          *zap.Logger
}

// Open initializes or connects to the queue database and applies the schema.
// Jobs left active by a dead process are picked up once their lease expires.
func Open(cfg Config, log *zap.Logger) (*Queue, error) {
	if cfg.Path == "" {
		return nil, errors.New("queue path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps the pragmas in force and serialises writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	q := &Queue{
		db:           db,
		owner:        uuid.NewString(),
		pollInterval: cfg.PollInterval,
		leaseTTL:     cfg.LeaseTTL,
	}
	q.log = log.Named("queue").With(zap.String("owner", q.owner))
	if err := q.applySchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// Close closes the underlying database connection.
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id           TEXT PRIMARY KEY,
    payload      BLOB NOT NULL,
    state        TEXT NOT NULL,
    attempts     INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL,
    backoff_ms   INTEGER NOT NULL,
    last_error   TEXT,
    run_at       INTEGER NOT NULL,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL,
    owner        TEXT,
    lease_until  INTEGER NOT NULL DEFAULT 0,
    rerun        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_state_run_at ON jobs (state, run_at);
`

// Columns added after the first release, for queue files created before them.
var addedColumns = []struct{ name, ddl string }{
	{"owner", "ALTER TABLE jobs ADD COLUMN owner TEXT"},
	{"lease_until", "ALTER TABLE jobs ADD COLUMN lease_until INTEGER NOT NULL DEFAULT 0"},
	{"rerun", "ALTER TABLE jobs ADD COLUMN rerun INTEGER NOT NULL DEFAULT 0"},
}

func (q *Queue) applySchema(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply queue schema: %w", err)
	}

	rows, err := q.db.QueryContext(ctx, `SELECT name FROM pragma_table_info('jobs')`)
	if err != nil {
		return fmt.Errorf("inspect queue schema: %w", err)
	}
	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("inspect queue schema: %w", err)
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect queue schema: %w", err)
	}

	for _, c := range addedColumns {
		if have[c.name] {
			continue
		}
		if _, err := q.db.ExecContext(ctx, c.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
		q.log.Info("queue schema upgraded", zap.String("column", c.name))
	}
	return nil
}

// Enqueue schedules jobID and reports whether a new run was scheduled.
//
// A queued job is left alone. A completed or failed job is reset and run again.
// An active job is flagged for one more run with the new payload, which starts
// when the current run finishes; further enqueues before then are no-ops.
func (q *Queue) Enqueue(ctx context.Context, jobID string, payload []byte, opts Options) (bool, error) {
	if jobID == "" {
		return false, errors.New("job id is required")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	if payload == nil {
		payload = []byte{}
	}

	now := time.Now().UTC().UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO jobs (id, payload, state, attempts, max_attempts, backoff_ms, last_error, run_at, created_at, updated_at)
         VALUES (?, ?, 'queued', 0, ?, ?, NULL, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             payload      = excluded.payload,
             max_attempts = excluded.max_attempts,
             backoff_ms   = excluded.backoff_ms,
             updated_at   = excluded.updated_at,
             rerun        = CASE WHEN jobs.state = 'active' THEN 1 ELSE 0 END,
             state        = CASE WHEN jobs.state = 'active' THEN jobs.state ELSE 'queued' END,
             attempts     = CASE WHEN jobs.state = 'active' THEN jobs.attempts ELSE 0 END,
             last_error   = CASE WHEN jobs.state = 'active' THEN jobs.last_error ELSE NULL END,
             run_at       = CASE WHEN jobs.state = 'active' THEN jobs.run_at ELSE excluded.run_at END
         WHERE jobs.state IN ('completed', 'failed')
            OR (jobs.state = 'active' AND jobs.rerun = 0)`,
		jobID, payload, opts.Attempts, opts.Backoff.Milliseconds(), now, now, now)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return n > 0, nil
}

// claim atomically takes the oldest runnable job under this queue's lease. A
// queued job starts its next attempt. An active job whose lease ran out resumes
// the interrupted attempt without counting it again.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	now := time.Now().UTC().UnixMilli()
	row := q.db.QueryRowContext(ctx,
		`UPDATE jobs
         SET attempts    = CASE WHEN state = 'active' THEN attempts ELSE attempts + 1 END,
             state       = 'active',
             owner       = ?,
             lease_until = ?,
             updated_at  = ?
         WHERE id = (
             SELECT id FROM jobs
             WHERE (state = 'queued' AND run_at <= ?)
                OR (state = 'active' AND lease_until <= ?)
             ORDER BY run_at, created_at
             LIMIT 1
         )
         RETURNING `+jobColumns,
		q.owner, now+q.leaseTTL.Milliseconds(), now, now, now)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// renew extends the lease on a job this queue holds.
func (q *Queue) renew(ctx context.Context, job *Job) error {
	now := time.Now().UTC().UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET lease_until = ?, updated_at = ? WHERE id = ? AND state = 'active' AND owner = ?`,
		now+q.leaseTTL.Milliseconds(), now, job.ID, q.owner)
	if err != nil {
		return fmt.Errorf("renew %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errLeaseLost
	}
	return nil
}

// complete finishes the current run. A pending rerun turns the row back into a
// fresh queued job; otherwise it becomes completed.
func (q *Queue) complete(ctx context.Context, job *Job) (State, error) {
	now := time.Now().UTC().UnixMilli()
	return q.finish(ctx, job,
		`UPDATE jobs
         SET state       = CASE WHEN rerun = 1 THEN 'queued' ELSE 'completed' END,
             attempts    = CASE WHEN rerun = 1 THEN 0 ELSE attempts END,
             run_at      = CASE WHEN rerun = 1 THEN ? ELSE run_at END,
             rerun       = 0,
             owner       = NULL,
             lease_until = 0,
             last_error  = NULL,
             updated_at  = ?
         WHERE id = ? AND state = 'active' AND owner = ?
         RETURNING state`,
		now, now, job.ID, q.owner)
}

// fail records a failed run. It schedules the next attempt, marks the job
// failed, or starts a requested rerun from scratch.
func (q *Queue) fail(ctx context.Context, job *Job, cause error) (State, error) {
	now := time.Now().UTC()
	msg := cause.Error()

	if !job.WillRetry(cause) {
		return q.finish(ctx, job,
			`UPDATE jobs
             SET state       = CASE WHEN rerun = 1 THEN 'queued' ELSE 'failed' END,
                 attempts    = CASE WHEN rerun = 1 THEN 0 ELSE attempts END,
                 run_at      = CASE WHEN rerun = 1 THEN ? ELSE run_at END,
                 rerun       = 0,
                 owner       = NULL,
                 lease_until = 0,
                 last_error  = ?,
                 updated_at  = ?
             WHERE id = ? AND state = 'active' AND owner = ?
             RETURNING state`,
			now.UnixMilli(), msg, now.UnixMilli(), job.ID, q.owner)
	}

	runAt := now.Add(retryDelay(job.Backoff, job.Attempt))
	return q.finish(ctx, job,
		`UPDATE jobs
         SET state       = 'queued',
             attempts    = CASE WHEN rerun = 1 THEN 0 ELSE attempts END,
             run_at      = CASE WHEN rerun = 1 THEN ? ELSE ? END,
             rerun       = 0,
             owner       = NULL,
             lease_until = 0,
             last_error  = ?,
             updated_at  = ?
         WHERE id = ? AND state = 'active' AND owner = ?
         RETURNING state`,
		now.UnixMilli(), runAt.UnixMilli(), msg, now.UnixMilli(), job.ID, q.owner)
}

// release hands an interrupted job back to the queue. The interrupted run does
// not count as an attempt.
func (q *Queue) release(ctx context.Context, job *Job) (State, error) {
	now := time.Now().UTC().UnixMilli()
	return q.finish(ctx, job,
		`UPDATE jobs
         SET state       = 'queued',
             attempts    = CASE WHEN rerun = 1 THEN 0 ELSE MAX(attempts - 1, 0) END,
             run_at      = ?,
             rerun       = 0,
             owner       = NULL,
             lease_until = 0,
             updated_at  = ?
         WHERE id = ? AND state = 'active' AND owner = ?
         RETURNING state`,
		now, now, job.ID, q.owner)
}

func (q *Queue) finish(ctx context.Context, job *Job, query string, args ...any) (State, error) {
	var st State
	err := q.db.QueryRowContext(ctx, query, args...).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errLeaseLost
	}
	if err != nil {
		return "", fmt.Errorf("update %s: %w", job.ID, err)
	}
	return st, nil
}

// retryDelay is backoff * 2^(attempt-1).
func retryDelay(backoff time.Duration, attempt int) time.Duration {
	if backoff <= 0 || attempt < 1 {
		return 0
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	return backoff << shift
}

// Get returns the current row for jobID.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

const jobColumns = `id, payload, state, attempts, max_attempts, backoff_ms, last_error, run_at, created_at, updated_at, rerun`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job       Job
		backoffMs int64
		lastErr   sql.NullString
		runAt     int64
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&job.ID, &job.Payload, &job.State, &job.Attempt, &job.MaxAttempts,
		&backoffMs, &lastErr, &runAt, &createdAt, &updatedAt, &job.RerunRequested); err != nil {
		return nil, err
	}
	job.Backoff = time.Duration(backoffMs) * time.Millisecond
	job.LastError = lastErr.String
	job.RunAt = time.UnixMilli(runAt).UTC()
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &job, nil
}
