// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package postgres provides a PostgreSQL store implementation for
// multi-process deployments. Claim atomicity uses FOR UPDATE SKIP LOCKED so
// concurrent workers never return the same row.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/durably/durably/pkg/storage"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Compile-time interface assertions.
var (
	_ storage.RunStore  = (*Store)(nil)
	_ storage.StepStore = (*Store)(nil)
	_ storage.LogStore  = (*Store)(nil)
	_ storage.Store     = (*Store)(nil)
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// Store is a PostgreSQL storage backend.
type Store struct {
	db *sql.DB
}

// Config contains PostgreSQL connection configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection URL.
	ConnectionString string

	// MaxOpenConns limits open connections (0 = driver default).
	MaxOpenConns int

	// MaxIdleConns limits idle connections (0 = driver default).
	MaxIdleConns int

	// ConnMaxLifetime limits connection lifetime (0 = unlimited).
	ConnMaxLifetime time.Duration
}

// New creates a new PostgreSQL store and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR(26) PRIMARY KEY,
			job_name VARCHAR(255) NOT NULL,
			status VARCHAR(50) NOT NULL,
			payload TEXT,
			output TEXT,
			error TEXT,
			progress TEXT,
			current_step_index INTEGER NOT NULL DEFAULT 0,
			idempotency_key VARCHAR(255),
			concurrency_key VARCHAR(255),
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			claimed_by VARCHAR(64),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			heartbeat_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_claim ON runs(status, created_at, id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idempotency
			ON runs(job_name, idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_runs_concurrency ON runs(concurrency_key, status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_job ON runs(job_name)`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id VARCHAR(26) NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			step_index INTEGER NOT NULL,
			name VARCHAR(255) NOT NULL,
			status VARCHAR(50) NOT NULL,
			output TEXT,
			error TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (run_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_index ON steps(run_id, step_index)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id VARCHAR(26) PRIMARY KEY,
			run_id VARCHAR(26) NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			step_name VARCHAR(255),
			level VARCHAR(10) NOT NULL,
			message TEXT NOT NULL,
			data TEXT,
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_run ON logs(run_id, timestamp)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const runColumns = `id, job_name, status, payload, output, error, progress,
	current_step_index, idempotency_key, concurrency_key, cancel_requested, claimed_by,
	created_at, started_at, completed_at, heartbeat_at,
	(SELECT COUNT(*) FROM steps WHERE steps.run_id = runs.id) AS step_count`

// CreateRun inserts a pending run, resolving idempotency-key collisions by
// returning the existing row.
func (s *Store) CreateRun(ctx context.Context, req storage.CreateRunRequest) (*storage.Run, bool, error) {
	if req.IdempotencyKey != "" {
		existing, err := s.getRunByIdempotencyKey(ctx, req.JobName, req.IdempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		if err != storage.ErrNotFound {
			return nil, false, err
		}
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, job_name, status, payload, idempotency_key, concurrency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, req.ID, req.JobName, string(storage.StatusPending), jsonText(req.Payload),
		nullString(req.IdempotencyKey), nullString(req.ConcurrencyKey), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if req.IdempotencyKey != "" && errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			existing, selErr := s.getRunByIdempotencyKey(ctx, req.JobName, req.IdempotencyKey)
			if selErr != nil {
				return nil, false, selErr
			}
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("failed to create run: %w", err)
	}

	return &storage.Run{
		ID:             req.ID,
		JobName:        req.JobName,
		Status:         storage.StatusPending,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		ConcurrencyKey: req.ConcurrencyKey,
		CreatedAt:      now,
	}, false, nil
}

func (s *Store) getRunByIdempotencyKey(ctx context.Context, jobName, key string) (*storage.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE job_name = $1 AND idempotency_key = $2`,
		jobName, key)
	return scanRun(row)
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*storage.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err == storage.ErrNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ClaimNextPendingRun atomically claims the oldest claimable pending run.
// Claims across workers are serialized by a transaction-scoped advisory lock;
// the concurrency-key check must see a stable view of running siblings, which
// row locks alone cannot provide when two workers claim different rows that
// share a key.
func (s *Store) ClaimNextPendingRun(ctx context.Context, workerID string) (*storage.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('durably_claim'))`); err != nil {
		return nil, fmt.Errorf("failed to acquire claim lock: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE runs SET status = $1, started_at = NOW(), heartbeat_at = NOW(), claimed_by = $2
		WHERE id = (
			SELECT id FROM runs
			WHERE status = $3
			  AND (concurrency_key IS NULL OR concurrency_key NOT IN (
				SELECT concurrency_key FROM runs
				WHERE status = $1 AND concurrency_key IS NOT NULL))
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+runColumns,
		string(storage.StatusRunning), workerID, string(storage.StatusPending))
	run, err := scanRun(row)
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return run, nil
}

// Heartbeat refreshes heartbeat_at for a running run.
func (s *Store) Heartbeat(ctx context.Context, runID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET heartbeat_at = NOW() WHERE id = $1 AND status = $2`,
		runID, string(storage.StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to heartbeat: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.runMissingOr(ctx, runID, storage.ErrNotRunning)
	}
	return nil
}

// UpdateProgress stores user-reported progress.
func (s *Store) UpdateProgress(ctx context.Context, runID string, p storage.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET progress = $1 WHERE id = $2`, string(data), runID)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RequestCancel cancels a pending run outright or flags a running run.
func (s *Store) RequestCancel(ctx context.Context, runID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin cancel transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status)
	if err == sql.ErrNoRows {
		return false, storage.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read run status: %w", err)
	}

	switch storage.Status(status) {
	case storage.StatusPending:
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = $1, completed_at = NOW() WHERE id = $2`,
			string(storage.StatusCancelled), runID); err != nil {
			return false, fmt.Errorf("failed to cancel pending run: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit cancel: %w", err)
		}
		return true, nil
	case storage.StatusRunning:
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET cancel_requested = TRUE WHERE id = $1`, runID); err != nil {
			return false, fmt.Errorf("failed to flag cancellation: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit cancel flag: %w", err)
		}
		return false, nil
	default:
		return false, storage.ErrInvalidTransition
	}
}

// CompleteRun transitions running -> completed.
func (s *Store) CompleteRun(ctx context.Context, runID string, output json.RawMessage) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, output = $2, completed_at = NOW()
		WHERE id = $3 AND status = $4
	`, string(storage.StatusCompleted), jsonText(output), runID, string(storage.StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.runMissingOr(ctx, runID, storage.ErrInvalidTransition)
	}
	return nil
}

// FailRun transitions running -> failed.
func (s *Store) FailRun(ctx context.Context, runID string, errMsg string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, error = $2, completed_at = NOW()
		WHERE id = $3 AND status = $4
	`, string(storage.StatusFailed), errMsg, runID, string(storage.StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to fail run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.runMissingOr(ctx, runID, storage.ErrInvalidTransition)
	}
	return nil
}

// CancelRun transitions pending|running -> cancelled.
func (s *Store) CancelRun(ctx context.Context, runID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, completed_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
	`, string(storage.StatusCancelled), runID,
		string(storage.StatusPending), string(storage.StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to cancel run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.runMissingOr(ctx, runID, storage.ErrInvalidTransition)
	}
	return nil
}

// ResetRunToPending prepares a failed or cancelled run for retry.
func (s *Store) ResetRunToPending(ctx context.Context, runID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, error = NULL, output = NULL,
			started_at = NULL, completed_at = NULL, heartbeat_at = NULL,
			cancel_requested = FALSE, claimed_by = NULL
		WHERE id = $2 AND status IN ($3, $4)
	`, string(storage.StatusPending), runID,
		string(storage.StatusFailed), string(storage.StatusCancelled))
	if err != nil {
		return fmt.Errorf("failed to reset run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.runMissingOr(ctx, runID, storage.ErrInvalidTransition)
	}
	return nil
}

// ReapStaleRuns resets running runs with stale heartbeats back to pending.
func (s *Store) ReapStaleRuns(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE runs SET status = $1, started_at = NULL, heartbeat_at = NULL, claimed_by = NULL
		WHERE status = $2 AND heartbeat_at IS NOT NULL AND heartbeat_at < $3
		RETURNING id
	`, string(storage.StatusPending), string(storage.StatusRunning), olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to reap stale runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan reaped run: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertStep records a step outcome and bumps the run's current_step_index.
func (s *Store) UpsertStep(ctx context.Context, req storage.UpsertStepRequest) (*storage.Step, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin step transaction: %w", err)
	}
	defer tx.Rollback()

	// Serialize step writes for the run so index assignment is stable.
	if _, err := tx.ExecContext(ctx,
		`SELECT id FROM runs WHERE id = $1 FOR UPDATE`, req.RunID); err != nil {
		return nil, fmt.Errorf("failed to lock run: %w", err)
	}

	now := time.Now().UTC()
	step := &storage.Step{
		RunID:       req.RunID,
		Name:        req.Name,
		Status:      req.Status,
		Output:      req.Output,
		Error:       req.Error,
		StartedAt:   req.StartedAt.UTC(),
		CompletedAt: now,
	}

	var existingStatus string
	var existingIndex int
	err = tx.QueryRowContext(ctx,
		`SELECT status, step_index FROM steps WHERE run_id = $1 AND name = $2`,
		req.RunID, req.Name).Scan(&existingStatus, &existingIndex)
	switch {
	case err == sql.ErrNoRows:
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM steps WHERE run_id = $1`, req.RunID).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count steps: %w", err)
		}
		step.Index = count
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO steps (run_id, step_index, name, status, output, error, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, req.RunID, step.Index, req.Name, string(req.Status), jsonText(req.Output),
			nullString(req.Error), step.StartedAt, now); err != nil {
			return nil, fmt.Errorf("failed to insert step: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read existing step: %w", err)
	case storage.StepStatus(existingStatus) == storage.StepCompleted:
		return nil, storage.ErrDuplicateStep
	default:
		// A failed checkpoint from a prior attempt is overwritten in place.
		step.Index = existingIndex
		if _, err := tx.ExecContext(ctx, `
			UPDATE steps SET status = $1, output = $2, error = $3, started_at = $4, completed_at = $5
			WHERE run_id = $6 AND name = $7
		`, string(req.Status), jsonText(req.Output), nullString(req.Error),
			step.StartedAt, now, req.RunID, req.Name); err != nil {
			return nil, fmt.Errorf("failed to overwrite failed step: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET current_step_index = $1 WHERE id = $2`, step.Index, req.RunID); err != nil {
		return nil, fmt.Errorf("failed to update current step index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit step: %w", err)
	}
	return step, nil
}

// GetStep reads a step checkpoint by name.
func (s *Store) GetStep(ctx context.Context, runID, name string) (*storage.Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, step_index, name, status, output, error, started_at, completed_at
		FROM steps WHERE run_id = $1 AND name = $2
	`, runID, name)
	step, err := scanStep(row)
	if err == storage.ErrNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

// ListSteps returns all checkpoints for a run ordered by index.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]*storage.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_index, name, status, output, error, started_at, completed_at
		FROM steps WHERE run_id = $1 ORDER BY step_index ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*storage.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// WriteLog appends a log entry.
func (s *Store) WriteLog(ctx context.Context, entry *storage.LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (id, run_id, step_name, level, message, data, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.RunID, nullString(entry.StepName), string(entry.Level),
		entry.Message, jsonText(entry.Data), entry.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to write log: %w", err)
	}
	return nil
}

// ListLogs returns all log entries for a run ordered by timestamp.
func (s *Store) ListLogs(ctx context.Context, runID string) ([]*storage.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_name, level, message, data, timestamp
		FROM logs WHERE run_id = $1 ORDER BY timestamp ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var entries []*storage.LogEntry
	for rows.Next() {
		var entry storage.LogEntry
		var stepName, data sql.NullString
		if err := rows.Scan(&entry.ID, &entry.RunID, &stepName, (*string)(&entry.Level),
			&entry.Message, &data, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		entry.StepName = stepName.String
		if data.Valid && data.String != "" {
			entry.Data = json.RawMessage(data.String)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// ListRuns lists runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter storage.RunFilter) ([]*storage.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.JobName != "" {
		query += " AND job_name = " + arg(filter.JobName)
	}
	if filter.Status != "" {
		query += " AND status = " + arg(string(filter.Status))
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*storage.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a terminal run; steps and logs cascade.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read run status: %w", err)
	}
	if !storage.Status(status).Terminal() {
		return storage.ErrInvalidTransition
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = $1`, runID); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// runMissingOr returns ErrNotFound if the run does not exist, otherwise fallback.
func (s *Store) runMissingOr(ctx context.Context, runID string, fallback error) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = $1`, runID).Scan(&one)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check run existence: %w", err)
	}
	return fallback
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*storage.Run, error) {
	var run storage.Run
	var payload, output, errStr, progress sql.NullString
	var idemKey, concKey, claimedBy sql.NullString
	var startedAt, completedAt, heartbeatAt sql.NullTime

	err := row.Scan(
		&run.ID, &run.JobName, (*string)(&run.Status), &payload, &output, &errStr, &progress,
		&run.CurrentStepIndex, &idemKey, &concKey, &run.CancelRequested, &claimedBy,
		&run.CreatedAt, &startedAt, &completedAt, &heartbeatAt, &run.StepCount,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" {
		run.Payload = json.RawMessage(payload.String)
	}
	if output.Valid && output.String != "" {
		run.Output = json.RawMessage(output.String)
	}
	run.Error = errStr.String
	if progress.Valid && progress.String != "" {
		var p storage.Progress
		if err := json.Unmarshal([]byte(progress.String), &p); err == nil {
			run.Progress = &p
		}
	}
	run.IdempotencyKey = idemKey.String
	run.ConcurrencyKey = concKey.String
	run.ClaimedBy = claimedBy.String

	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if heartbeatAt.Valid {
		t := heartbeatAt.Time
		run.HeartbeatAt = &t
	}

	return &run, nil
}

func scanStep(row scanner) (*storage.Step, error) {
	var step storage.Step
	var output, errStr sql.NullString

	err := row.Scan(&step.RunID, &step.Index, &step.Name, (*string)(&step.Status),
		&output, &errStr, &step.StartedAt, &step.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if output.Valid && output.String != "" {
		step.Output = json.RawMessage(output.String)
	}
	step.Error = errStr.String

	return &step, nil
}

// nullString converts an empty string to NULL for storage.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// jsonText converts a raw JSON value to TEXT, preserving NULL for absent values.
func jsonText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
