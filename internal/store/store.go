// AlephAuto is a pipeline job orchestration and monitoring service.
// Copyright (C) 2026 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed persistence layer for jobs:
// schema migrations, durable inserts, compare-and-set status transitions,
// and the query surface used by the status aggregator and job-history API.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"alephauto/pkg/models"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// MaxListLimit bounds ListByPipeline page sizes.
	MaxListLimit = 100

	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateID indicates an insert reused an existing job id.
	ErrDuplicateID = errors.New("store: duplicate job id")
	// ErrIllegalTransition indicates a status edge outside the job state
	// machine, including a terminal transition applied twice.
	ErrIllegalTransition = errors.New("store: illegal status transition")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: concurrent readers alongside the single writer
	// - synchronous=NORMAL: durable enough for WAL, avoids fsync per row
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error, the
// transaction is rolled back; otherwise it is committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

// Migrate applies forward-only, idempotent schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	if _, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  id           TEXT PRIMARY KEY,
  pipeline_id  TEXT NOT NULL,
  status       TEXT NOT NULL CHECK (status IN ('queued','running','completed','failed','cancelled')),
  created_at   TIMESTAMP NOT NULL,
  started_at   TIMESTAMP NULL,
  completed_at TIMESTAMP NULL,
  data         TEXT NULL,
  result       TEXT NULL,
  error        TEXT NULL,
  git          TEXT NULL,
  attempt      INTEGER NOT NULL DEFAULT 1
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_pipeline ON jobs(pipeline_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Jobs ---------------

// InsertJob durably persists a new queued job. Returns ErrDuplicateID if
// the id is already taken.
func (s *Store) InsertJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" || job.PipelineID == "" {
		return fmt.Errorf("insert job: id and pipeline_id are required")
	}
	if job.Status != models.StatusQueued {
		return fmt.Errorf("insert job: status must be %q", models.StatusQueued)
	}
	var errJSON, gitJSON any
	var err error
	if job.Error != nil {
		if errJSON, err = marshalNullable(job.Error); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
	}
	if job.Git != nil {
		if gitJSON, err = marshalNullable(job.Git); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
	}

	const ins = `INSERT INTO jobs(id, pipeline_id, status, created_at, data, result, error, git, attempt)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, ins,
		job.ID, job.PipelineID, string(job.Status), job.CreatedAt.UTC(),
		rawOrNil(job.Data), rawOrNil(job.Result), errJSON, gitJSON, job.Attempt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Patch carries the optional fields a transition may set alongside status.
type Patch struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      json.RawMessage
	Error       *models.JobError
	Git         *models.GitInfo
	Attempt     int // 0 leaves the attempt unchanged
}

// Transition performs an atomic compare-and-set on the job's status,
// enforcing the state machine. Concurrent transitions on the same id are
// linearised by the WHERE status=? clause; a losing writer observes
// ErrIllegalTransition, which also makes duplicate terminal transitions
// deterministic no-ops at the caller.
func (s *Store) Transition(ctx context.Context, id string, newStatus models.JobStatus, patch Patch) (*models.Job, error) {
	var out *models.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := getJobTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !models.CanTransition(cur.Status, newStatus) {
			return fmt.Errorf("%w: %s -> %s (job %s)", ErrIllegalTransition, cur.Status, newStatus, id)
		}

		set := []string{"status=?"}
		args := []any{string(newStatus)}
		if patch.StartedAt != nil {
			set = append(set, "started_at=?")
			args = append(args, patch.StartedAt.UTC())
		}
		if patch.CompletedAt != nil {
			set = append(set, "completed_at=?")
			args = append(args, patch.CompletedAt.UTC())
		}
		if patch.Result != nil {
			set = append(set, "result=?")
			args = append(args, string(patch.Result))
		}
		if patch.Error != nil {
			errJSON, err := marshalNullable(patch.Error)
			if err != nil {
				return err
			}
			set = append(set, "error=?")
			args = append(args, errJSON)
		}
		if patch.Git != nil {
			gitJSON, err := marshalNullable(patch.Git)
			if err != nil {
				return err
			}
			set = append(set, "git=?")
			args = append(args, gitJSON)
		}
		if patch.Attempt > 0 {
			if patch.Attempt < cur.Attempt {
				return fmt.Errorf("transition job %s: attempt may not decrease (%d -> %d)", id, cur.Attempt, patch.Attempt)
			}
			set = append(set, "attempt=?")
			args = append(args, patch.Attempt)
		}
		args = append(args, id, string(cur.Status))

		upd := fmt.Sprintf("UPDATE jobs SET %s WHERE id=? AND status=?", strings.Join(set, ", "))
		res, err := tx.ExecContext(ctx, upd, args...)
		if err != nil {
			return fmt.Errorf("transition job: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: lost cas race on job %s", ErrIllegalTransition, id)
		}

		out, err = getJobTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetJob returns the job or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, selectJobs+` WHERE id=?`, id)
	return scanJob(row)
}

// ListOptions filters and pages ListByPipeline.
type ListOptions struct {
	Status models.JobStatus // empty matches all
	Limit  int              // clamped to MaxListLimit
	Offset int
	Asc    bool // default created_at DESC
}

// ListByPipeline returns jobs for one pipeline ordered by created_at,
// plus the total matching count for pagination.
func (s *Store) ListByPipeline(ctx context.Context, pipelineID string, opts ListOptions) ([]*models.Job, int, error) {
	if opts.Limit <= 0 || opts.Limit > MaxListLimit {
		opts.Limit = MaxListLimit
	}
	where := `WHERE pipeline_id=?`
	args := []any{pipelineID}
	if opts.Status != "" {
		where += ` AND status=?`
		args = append(args, string(opts.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	order := "DESC"
	if opts.Asc {
		order = "ASC"
	}
	q := fmt.Sprintf("%s %s ORDER BY created_at %s, id %s LIMIT ? OFFSET ?", selectJobs, where, order, order)
	rows, err := s.db.QueryContext(ctx, q, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// RecentJobs returns the newest jobs across all pipelines.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectJobs+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListByStatus returns jobs in one status across pipelines, oldest first.
// The scheduler uses it to recover queued work after a restart.
func (s *Store) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, selectJobs+` WHERE status=? ORDER BY created_at ASC, id ASC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// DistinctPipelineIDs returns every pipeline id ever observed in the store.
func (s *Store) DistinctPipelineIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT pipeline_id FROM jobs ORDER BY pipeline_id`)
	if err != nil {
		return nil, fmt.Errorf("distinct pipelines: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pipeline id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Counts aggregates per-status totals for one pipeline.
func (s *Store) Counts(ctx context.Context, pipelineID string) (models.JobCounts, error) {
	return s.countsWhere(ctx, `WHERE pipeline_id=?`, pipelineID)
}

// RecentCounts aggregates per-status totals over the pipeline's newest n jobs.
// The status aggregator uses this for the failing heuristic.
func (s *Store) RecentCounts(ctx context.Context, pipelineID string, n int) (models.JobCounts, error) {
	if n <= 0 {
		n = 50
	}
	const q = `SELECT status, COUNT(*) FROM (
  SELECT status FROM jobs WHERE pipeline_id=? ORDER BY created_at DESC, id DESC LIMIT ?
) GROUP BY status`
	rows, err := s.db.QueryContext(ctx, q, pipelineID, n)
	if err != nil {
		return models.JobCounts{}, fmt.Errorf("recent counts: %w", err)
	}
	defer rows.Close()
	return collectCounts(rows)
}

func (s *Store) countsWhere(ctx context.Context, where string, args ...any) (models.JobCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs `+where+` GROUP BY status`, args...)
	if err != nil {
		return models.JobCounts{}, fmt.Errorf("counts: %w", err)
	}
	defer rows.Close()
	return collectCounts(rows)
}

// LastJob returns the pipeline's most recent job or ErrNotFound.
func (s *Store) LastJob(ctx context.Context, pipelineID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, selectJobs+` WHERE pipeline_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, pipelineID)
	return scanJob(row)
}

// Stats summarises totals and average completed duration for the stats API.
type Stats struct {
	Counts          models.JobCounts `json:"totals"`
	AvgDurationSecs float64          `json:"avgDurationSeconds"`
}

// GlobalStats aggregates across all pipelines.
func (s *Store) GlobalStats(ctx context.Context) (Stats, error) {
	counts, err := s.countsWhere(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	const q = `SELECT COALESCE(AVG((julianday(completed_at) - julianday(started_at)) * 86400.0), 0)
FROM jobs WHERE status='completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL`
	var avg float64
	if err := s.db.QueryRowContext(ctx, q).Scan(&avg); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return Stats{Counts: counts, AvgDurationSecs: avg}, nil
}

// ReconcileInterrupted marks jobs left running by a previous process as
// terminally failed with kind interrupted. Returns the ids it touched.
func (s *Store) ReconcileInterrupted(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE status='running'`)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("reconcile scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	done := now.UTC()
	for _, id := range ids {
		_, err := s.Transition(ctx, id, models.StatusFailed, Patch{
			CompletedAt: &done,
			Error: &models.JobError{
				Kind:    models.KindInterrupted,
				Message: "job was running when the scheduler restarted",
			},
		})
		if err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// IntegrityCheck runs SQLite's quick_check; used by the health probe.
func (s *Store) IntegrityCheck(ctx context.Context) error {
	var res string
	if err := s.db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&res); err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	if res != "ok" {
		return fmt.Errorf("quick_check: %s", res)
	}
	return nil
}

// --------------- scan helpers ---------------

const selectJobs = `SELECT id, pipeline_id, status, created_at, started_at, completed_at, data, result, error, git, attempt FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j          models.Job
		status     string
		started    sql.NullTime
		completed  sql.NullTime
		data       sql.NullString
		result     sql.NullString
		errJSON    sql.NullString
		gitJSON    sql.NullString
	)
	err := row.Scan(&j.ID, &j.PipelineID, &status, &j.CreatedAt, &started, &completed,
		&data, &result, &errJSON, &gitJSON, &j.Attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.Status = models.JobStatus(status)
	if started.Valid {
		t := started.Time.UTC()
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time.UTC()
		j.CompletedAt = &t
	}
	j.CreatedAt = j.CreatedAt.UTC()
	if data.Valid && data.String != "" {
		j.Data = json.RawMessage(data.String)
	}
	if result.Valid && result.String != "" {
		j.Result = json.RawMessage(result.String)
	}
	if errJSON.Valid && errJSON.String != "" {
		var je models.JobError
		if err := json.Unmarshal([]byte(errJSON.String), &je); err != nil {
			return nil, fmt.Errorf("decode job error: %w", err)
		}
		j.Error = &je
	}
	if gitJSON.Valid && gitJSON.String != "" {
		var gi models.GitInfo
		if err := json.Unmarshal([]byte(gitJSON.String), &gi); err != nil {
			return nil, fmt.Errorf("decode git info: %w", err)
		}
		j.Git = &gi
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func collectCounts(rows *sql.Rows) (models.JobCounts, error) {
	var c models.JobCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, fmt.Errorf("scan counts: %w", err)
		}
		c.Total += n
		switch models.JobStatus(status) {
		case models.StatusQueued:
			c.Queued = n
		case models.StatusRunning:
			c.Running = n
		case models.StatusCompleted:
			c.Completed = n
		case models.StatusFailed:
			c.Failed = n
		case models.StatusCancelled:
			c.Cancelled = n
		}
	}
	return c, rows.Err()
}

func getJobTx(ctx context.Context, tx *sql.Tx, id string) (*models.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, selectJobs+` WHERE id=?`, id))
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
