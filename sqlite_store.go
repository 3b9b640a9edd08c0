package ragflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store implementation that uses SQLite for persistence.
//
// The database handle is limited to a single connection, so every transaction
// below is serialized by SQLite itself.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore.
// The dsn is the data source name for the SQLite database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// init creates the necessary tables in the database if they don't exist.
func (s *SQLiteStore) init() error {
	ddl := `
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		function_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_name TEXT NOT NULL,
		event_data BLOB,
		received_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		started_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL DEFAULT 0,
		result BLOB,
		error_kind TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		wake_at INTEGER NOT NULL DEFAULT 0,
		leased_by TEXT NOT NULL DEFAULT '',
		leased_until INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE TABLE IF NOT EXISTS steps (
		run_id TEXT NOT NULL,
		step_key TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		output BLOB,
		error_kind TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, step_key, attempt),
		FOREIGN KEY(run_id) REFERENCES runs(id)
	);
	CREATE TABLE IF NOT EXISTS admissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		window_key TEXT NOT NULL,
		admitted_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_admissions_key ON admissions(window_key, admitted_at);
	`
	_, err := s.db.Exec(ddl)
	return err
}

const runColumns = `id, function_id, event_id, event_name, event_data, received_at, status,
	created_at, started_at, updated_at, finished_at, result, error_kind, error_message,
	wake_at, leased_by, leased_until`

// CreateRun persists a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs ("+runColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		runArgs(run)...,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves the details of a specific run.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	return getRun(ctx, s.db, runID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRun(ctx context.Context, q queryRower, runID string) (*Run, error) {
	row := q.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns all runs whose status matches any of the supplied statuses.
func (s *SQLiteStore) ListRuns(ctx context.Context, statuses ...RunStatus) ([]*Run, error) {
	query := "SELECT " + runColumns + " FROM runs"
	args := make([]any, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args[i] = string(st)
		}
		query += fmt.Sprintf(" WHERE status IN (%s)", strings.Join(placeholders, ","))
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRun applies update inside a transaction.
func (s *SQLiteStore) UpdateRun(ctx context.Context, runID string, update RunUpdate) (*Run, error) {
	var out *Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		run, err := getRun(ctx, tx, runID)
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
func (s *SQLiteStore) ClaimRun(ctx context.Context, runID, workerID string, now, until time.Time) (*Run, error) {
	var out *Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		run, err := getRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if !run.Claimable(workerID, now) {
			return ErrConcurrentUpdate
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
func (s *SQLiteStore) ReleaseRun(ctx context.Context, runID, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET leased_by = '', leased_until = 0 WHERE id = ? AND leased_by = ?",
		runID, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to release run: %w", err)
	}
	return nil
}

// RecordStep inserts or replaces the record for (StepKey, Attempt).
func (s *SQLiteStore) RecordStep(ctx context.Context, rec *StepRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs WHERE id = ?", rec.RunID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check run: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", ErrRunNotFound, rec.RunID)
		}

		var succeeded int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM steps WHERE run_id = ? AND step_key = ? AND status = ?",
			rec.RunID, rec.StepKey, string(StepStatusSucceeded),
		).Scan(&succeeded)
		if err != nil {
			return fmt.Errorf("failed to check step: %w", err)
		}
		if succeeded > 0 {
			return fmt.Errorf("%w: %s/%s", ErrStepAlreadySucceeded, rec.RunID, rec.StepKey)
		}

		errKind, errMsg := splitRunError(rec.Error)
		_, err = tx.ExecContext(ctx, `INSERT INTO steps
			(run_id, step_key, attempt, status, output, error_kind, error_message, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, step_key, attempt) DO UPDATE SET
				status = excluded.status,
				output = excluded.output,
				error_kind = excluded.error_kind,
				error_message = excluded.error_message,
				finished_at = excluded.finished_at`,
			rec.RunID, rec.StepKey, rec.Attempt, string(rec.Status), []byte(rec.Output),
			errKind, errMsg, toNanos(rec.StartedAt), toNanosPtr(rec.FinishedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to record step: %w", err)
		}
		return nil
	})
}

// GetSteps returns the step records of a run.
func (s *SQLiteStore) GetSteps(ctx context.Context, runID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, step_key, attempt, status, output, error_kind,
		error_message, started_at, finished_at FROM steps WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []*StepRecord
	for rows.Next() {
		var (
			rec                   StepRecord
			status, kind, msg     string
			output                []byte
			startedAt, finishedAt int64
		)
		if err := rows.Scan(&rec.RunID, &rec.StepKey, &rec.Attempt, &status, &output, &kind, &msg, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		rec.Status = StepStatus(status)
		rec.Output = output
		rec.Error = joinRunError(kind, msg)
		rec.StartedAt = fromNanos(startedAt)
		rec.FinishedAt = fromNanosPtr(finishedAt)
		steps = append(steps, &rec)
	}
	return steps, rows.Err()
}

// Admit checks and records admissions inside one transaction.
func (s *SQLiteStore) Admit(ctx context.Context, now time.Time, windows []Window) (Admission, error) {
	var adm Admission
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		history := make([][]time.Time, len(windows))
		for i, w := range windows {
			rows, err := tx.QueryContext(ctx,
				"SELECT admitted_at FROM admissions WHERE window_key = ? AND admitted_at > ?",
				w.Key, now.Add(-w.Period).UnixNano(),
			)
			if err != nil {
				return fmt.Errorf("failed to query admissions: %w", err)
			}
			for rows.Next() {
				var ns int64
				if err := rows.Scan(&ns); err != nil {
					rows.Close()
					return fmt.Errorf("failed to scan admission: %w", err)
				}
				history[i] = append(history[i], time.Unix(0, ns))
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
		}

		adm = EvaluateWindows(now, windows, history)
		if !adm.Allowed {
			return nil
		}
		for _, w := range windows {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM admissions WHERE window_key = ? AND admitted_at <= ?",
				w.Key, now.Add(-w.Period).UnixNano(),
			); err != nil {
				return fmt.Errorf("failed to prune admissions: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO admissions (window_key, admitted_at) VALUES (?, ?)",
				w.Key, now.UnixNano(),
			); err != nil {
				return fmt.Errorf("failed to record admission: %w", err)
			}
		}
		return nil
	})
	return adm, err
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run                                   Run
		status, kind, msg                     string
		data, result                          []byte
		receivedAt, createdAt, startedAt      int64
		updatedAt, finishedAt, wakeAt, leased int64
	)
	err := row.Scan(&run.ID, &run.FunctionID, &run.Event.ID, &run.Event.Name, &data, &receivedAt, &status,
		&createdAt, &startedAt, &updatedAt, &finishedAt, &result, &kind, &msg,
		&wakeAt, &run.LeasedBy, &leased)
	if err != nil {
		return nil, err
	}
	run.Event.Data = data
	run.Event.ReceivedAt = fromNanos(receivedAt)
	run.Status = RunStatus(status)
	run.CreatedAt = fromNanos(createdAt)
	run.StartedAt = fromNanos(startedAt)
	run.UpdatedAt = fromNanos(updatedAt)
	run.FinishedAt = fromNanosPtr(finishedAt)
	run.Result = result
	run.Error = joinRunError(kind, msg)
	run.WakeAt = fromNanos(wakeAt)
	run.LeasedUntil = fromNanos(leased)
	return &run, nil
}

func runArgs(run *Run) []any {
	kind, msg := splitRunError(run.Error)
	return []any{
		run.ID, run.FunctionID, run.Event.ID, run.Event.Name, []byte(run.Event.Data), toNanos(run.Event.ReceivedAt),
		string(run.Status), toNanos(run.CreatedAt), toNanos(run.StartedAt), toNanos(run.UpdatedAt),
		toNanosPtr(run.FinishedAt), []byte(run.Result), kind, msg,
		toNanos(run.WakeAt), run.LeasedBy, toNanos(run.LeasedUntil),
	}
}

func writeRun(ctx context.Context, tx *sql.Tx, run *Run) error {
	kind, msg := splitRunError(run.Error)
	_, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, started_at = ?, updated_at = ?, finished_at = ?,
		result = ?, error_kind = ?, error_message = ?, wake_at = ?, leased_by = ?, leased_until = ? WHERE id = ?`,
		string(run.Status), toNanos(run.StartedAt), toNanos(run.UpdatedAt), toNanosPtr(run.FinishedAt),
		[]byte(run.Result), kind, msg, toNanos(run.WakeAt), run.LeasedBy, toNanos(run.LeasedUntil), run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

func splitRunError(e *RunError) (string, string) {
	if e == nil {
		return "", ""
	}
	return string(e.Kind), e.Message
}

func joinRunError(kind, msg string) *RunError {
	if kind == "" && msg == "" {
		return nil
	}
	return &RunError{Kind: ErrorKind(kind), Message: msg}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func toNanosPtr(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return toNanos(*t)
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func fromNanosPtr(ns int64) *time.Time {
	if ns == 0 {
		return nil
	}
	t := fromNanos(ns)
	return &t
}
