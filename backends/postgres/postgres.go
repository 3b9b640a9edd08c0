// Package postgres provides a ragflow.Store backed by PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dynoinc/ragflow"
)

// Store implements the ragflow.Store interface using PostgreSQL
type Store struct {
	pool *pgxpool.Pool
}

var _ ragflow.Store = (*Store)(nil)

// New connects to dsn and creates the schema if needed.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the connection pool
func (s *Store) Close() {
	s.pool.Close()
}

// migrate creates the necessary tables
func (s *Store) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			function_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			event_data JSONB,
			received_at TIMESTAMP WITH TIME ZONE NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			started_at TIMESTAMP WITH TIME ZONE,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
			finished_at TIMESTAMP WITH TIME ZONE,
			result JSONB,
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			wake_at TIMESTAMP WITH TIME ZONE,
			leased_by TEXT NOT NULL DEFAULT '',
			leased_until TIMESTAMP WITH TIME ZONE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			step_key TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			output JSONB,
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP WITH TIME ZONE NOT NULL,
			finished_at TIMESTAMP WITH TIME ZONE,
			seq BIGSERIAL,
			PRIMARY KEY (run_id, step_key, attempt)
		)`,
		`ALTER TABLE steps ADD COLUMN IF NOT EXISTS seq BIGSERIAL`,
		`CREATE TABLE IF NOT EXISTS admissions (
			window_key TEXT NOT NULL,
			admitted_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_admissions_key ON admissions(window_key, admitted_at)`,
	}

	for _, query := range queries {
		if _, err := s.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute migration query: %w", err)
		}
	}

	return nil
}

const runColumns = `id, function_id, event_id, event_name, event_data, received_at, status,
	created_at, started_at, updated_at, finished_at, result, error_kind, error_message,
	wake_at, leased_by, leased_until`

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run *ragflow.Run) error {
	kind, msg := splitRunError(run.Error)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		run.ID, run.FunctionID, run.Event.ID, run.Event.Name, jsonb(run.Event.Data), run.Event.ReceivedAt,
		string(run.Status), run.CreatedAt, nullTime(run.StartedAt), run.UpdatedAt, run.FinishedAt,
		jsonb(run.Result), kind, msg, nullTime(run.WakeAt), run.LeasedBy, nullTime(run.LeasedUntil),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves the details of a specific run.
func (s *Store) GetRun(ctx context.Context, runID string) (*ragflow.Run, error) {
	return getRun(ctx, s.pool, runID, "")
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getRun(ctx context.Context, q querier, runID, suffix string) (*ragflow.Run, error) {
	row := q.QueryRow(ctx, "SELECT "+runColumns+" FROM runs WHERE id = $1"+suffix, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ragflow.ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns all runs whose status matches any of the supplied statuses.
func (s *Store) ListRuns(ctx context.Context, statuses ...ragflow.RunStatus) ([]*ragflow.Run, error) {
	query := "SELECT " + runColumns + " FROM runs"
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += " WHERE status = ANY($1)"
		args = append(args, names)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*ragflow.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRun applies update while holding the run's row lock.
func (s *Store) UpdateRun(ctx context.Context, runID string, update ragflow.RunUpdate) (*ragflow.Run, error) {
	var out *ragflow.Run
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		run, err := getRun(ctx, tx, runID, " FOR UPDATE")
		if err != nil {
			return err
		}
		if err := update.Apply(run, time.Now()); err != nil {
			return err
		}
		if err := writeRun(ctx, tx, run); err != nil {
			return err
		}
		out = run
		return nil
	})
	return out, err
}

// ClaimRun leases the run to workerID.
func (s *Store) ClaimRun(ctx context.Context, runID, workerID string, now, until time.Time) (*ragflow.Run, error) {
	var out *ragflow.Run
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		run, err := getRun(ctx, tx, runID, " FOR UPDATE")
		if err != nil {
			return err
		}
		if !run.Claimable(workerID, now) {
			return ragflow.ErrConcurrentUpdate
		}
		run.LeasedBy = workerID
		run.LeasedUntil = until
		run.UpdatedAt = now
		if err := writeRun(ctx, tx, run); err != nil {
			return err
		}
		out = run
		return nil
	})
	return out, err
}

// ReleaseRun drops the lease held by workerID.
func (s *Store) ReleaseRun(ctx context.Context, runID, workerID string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE runs SET leased_by = '', leased_until = NULL WHERE id = $1 AND leased_by = $2",
		runID, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to release run: %w", err)
	}
	return nil
}

// RecordStep inserts or replaces the record for (StepKey, Attempt).
func (s *Store) RecordStep(ctx context.Context, rec *ragflow.StepRecord) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// The run row lock serializes writers to the same ledger.
		var id string
		err := tx.QueryRow(ctx, "SELECT id FROM runs WHERE id = $1 FOR UPDATE", rec.RunID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ragflow.ErrRunNotFound, rec.RunID)
		}
		if err != nil {
			return fmt.Errorf("failed to check run: %w", err)
		}

		var succeeded bool
		err = tx.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM steps WHERE run_id = $1 AND step_key = $2 AND status = $3)",
			rec.RunID, rec.StepKey, string(ragflow.StepStatusSucceeded),
		).Scan(&succeeded)
		if err != nil {
			return fmt.Errorf("failed to check step: %w", err)
		}
		if succeeded {
			return fmt.Errorf("%w: %s/%s", ragflow.ErrStepAlreadySucceeded, rec.RunID, rec.StepKey)
		}

		kind, msg := splitRunError(rec.Error)
		_, err = tx.Exec(ctx, `INSERT INTO steps
			(run_id, step_key, attempt, status, output, error_kind, error_message, started_at, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (run_id, step_key, attempt) DO UPDATE SET
				status = EXCLUDED.status,
				output = EXCLUDED.output,
				error_kind = EXCLUDED.error_kind,
				error_message = EXCLUDED.error_message,
				finished_at = EXCLUDED.finished_at`,
			rec.RunID, rec.StepKey, rec.Attempt, string(rec.Status), jsonb(rec.Output),
			kind, msg, rec.StartedAt, rec.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to record step: %w", err)
		}
		return nil
	})
}

// GetSteps returns the step records of a run.
func (s *Store) GetSteps(ctx context.Context, runID string) ([]*ragflow.StepRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT run_id, step_key, attempt, status, output, error_kind,
		error_message, started_at, finished_at FROM steps WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []*ragflow.StepRecord
	for rows.Next() {
		var (
			rec               ragflow.StepRecord
			status, kind, msg string
			output            []byte
			finishedAt        *time.Time
		)
		if err := rows.Scan(&rec.RunID, &rec.StepKey, &rec.Attempt, &status, &output, &kind, &msg, &rec.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		rec.Status = ragflow.StepStatus(status)
		rec.Output = output
		rec.Error = joinRunError(kind, msg)
		rec.StartedAt = rec.StartedAt.UTC()
		rec.FinishedAt = utcPtr(finishedAt)
		steps = append(steps, &rec)
	}
	return steps, rows.Err()
}

// Admit takes a transaction-scoped advisory lock per window key, in sorted order, then
// checks and records admissions.
func (s *Store) Admit(ctx context.Context, now time.Time, windows []ragflow.Window) (ragflow.Admission, error) {
	keys := make([]string, 0, len(windows))
	for _, w := range windows {
		keys = append(keys, w.Key)
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	var adm ragflow.Admission
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, k := range keys {
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", k); err != nil {
				return fmt.Errorf("failed to lock window %s: %w", k, err)
			}
		}

		history := make([][]time.Time, len(windows))
		for i, w := range windows {
			rows, err := tx.Query(ctx,
				"SELECT admitted_at FROM admissions WHERE window_key = $1 AND admitted_at > $2",
				w.Key, now.Add(-w.Period).UnixNano(),
			)
			if err != nil {
				return fmt.Errorf("failed to query admissions: %w", err)
			}
			stamps, err := pgx.CollectRows(rows, pgx.RowTo[int64])
			if err != nil {
				return fmt.Errorf("failed to scan admissions: %w", err)
			}
			for _, ns := range stamps {
				history[i] = append(history[i], time.Unix(0, ns))
			}
		}

		adm = ragflow.EvaluateWindows(now, windows, history)
		if !adm.Allowed {
			return nil
		}

		longest := make(map[string]time.Duration, len(keys))
		for _, w := range windows {
			longest[w.Key] = max(longest[w.Key], w.Period)
		}
		batch := &pgx.Batch{}
		for _, k := range keys {
			batch.Queue("DELETE FROM admissions WHERE window_key = $1 AND admitted_at <= $2", k, now.Add(-longest[k]).UnixNano())
			batch.Queue("INSERT INTO admissions (window_key, admitted_at) VALUES ($1, $2)", k, now.UnixNano())
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to record admission: %w", err)
		}
		return nil
	})
	return adm, err
}

func scanRun(row pgx.Row) (*ragflow.Run, error) {
	var (
		run                                   ragflow.Run
		status, kind, msg                     string
		data, result                          []byte
		startedAt, finishedAt, wakeAt, leased *time.Time
	)
	err := row.Scan(&run.ID, &run.FunctionID, &run.Event.ID, &run.Event.Name, &data, &run.Event.ReceivedAt, &status,
		&run.CreatedAt, &startedAt, &run.UpdatedAt, &finishedAt, &result, &kind, &msg,
		&wakeAt, &run.LeasedBy, &leased)
	if err != nil {
		return nil, err
	}
	run.Event.Data = data
	run.Event.ReceivedAt = run.Event.ReceivedAt.UTC()
	run.Status = ragflow.RunStatus(status)
	run.CreatedAt = run.CreatedAt.UTC()
	run.StartedAt = valueOf(startedAt)
	run.UpdatedAt = run.UpdatedAt.UTC()
	run.FinishedAt = utcPtr(finishedAt)
	run.Result = result
	run.Error = joinRunError(kind, msg)
	run.WakeAt = valueOf(wakeAt)
	run.LeasedUntil = valueOf(leased)
	return &run, nil
}

func writeRun(ctx context.Context, tx pgx.Tx, run *ragflow.Run) error {
	kind, msg := splitRunError(run.Error)
	_, err := tx.Exec(ctx, `UPDATE runs SET status = $1, started_at = $2, updated_at = $3, finished_at = $4,
		result = $5, error_kind = $6, error_message = $7, wake_at = $8, leased_by = $9, leased_until = $10
		WHERE id = $11`,
		string(run.Status), nullTime(run.StartedAt), run.UpdatedAt, run.FinishedAt,
		jsonb(run.Result), kind, msg, nullTime(run.WakeAt), run.LeasedBy, nullTime(run.LeasedUntil), run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

func splitRunError(e *ragflow.RunError) (string, string) {
	if e == nil {
		return "", ""
	}
	return string(e.Kind), e.Message
}

func joinRunError(kind, msg string) *ragflow.RunError {
	if kind == "" && msg == "" {
		return nil
	}
	return &ragflow.RunError{Kind: ragflow.ErrorKind(kind), Message: msg}
}

// jsonb maps an empty payload to NULL.
func jsonb(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func valueOf(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
