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

// Package storage defines the persistence contract for the durable execution
// engine.
//
// # Interface Hierarchy
//
// The storage package uses interface segregation to allow minimal implementations:
//
//   - RunStore (core, required): create, claim, transition, heartbeat
//   - StepStore (required by the executor): memoized step checkpoints
//   - LogStore (optional): structured run logs
//   - io.Closer (optional): Close
//
// The Store interface composes all of these for full-featured implementations.
// Every mutation that maintains a run invariant executes as a single
// transaction; implementations must be safe for concurrent use from multiple
// goroutines and multiple processes sharing the same database.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound is returned when a requested run, step, or log row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an operation targets a run whose
	// current status does not permit it (e.g. retrying a completed run).
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateStep is returned when a step checkpoint already exists in a
	// completed state for the same (run, name) pair.
	ErrDuplicateStep = errors.New("duplicate step name")

	// ErrNotRunning is returned by Heartbeat when the run is no longer running.
	ErrNotRunning = errors.New("run is not running")
)

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether the status is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the recorded outcome of a step checkpoint.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// LogLevel is the severity of a persisted log entry.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// Progress tracks user-reported run progress.
type Progress struct {
	Current int    `json:"current"`
	Total   *int   `json:"total,omitempty"`
	Message string `json:"message,omitempty"`
}

// Run represents one attempt to execute a job with a specific input.
// IDs are ULIDs, so lexicographic order matches creation order.
type Run struct {
	ID               string          `json:"id"`
	JobName          string          `json:"job_name"`
	Status           Status          `json:"status"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Output           json.RawMessage `json:"output,omitempty"`
	Error            string          `json:"error,omitempty"`
	Progress         *Progress       `json:"progress,omitempty"`
	CurrentStepIndex int             `json:"current_step_index"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	ConcurrencyKey   string          `json:"concurrency_key,omitempty"`
	CancelRequested  bool            `json:"cancel_requested,omitempty"`
	ClaimedBy        string          `json:"claimed_by,omitempty"`
	StepCount        int             `json:"step_count"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	HeartbeatAt      *time.Time      `json:"heartbeat_at,omitempty"`
}

// Step is one memoized checkpoint within a run. Rows are written once on
// first execution; a failed row may be overwritten by a later attempt.
type Step struct {
	RunID       string          `json:"run_id"`
	Index       int             `json:"index"`
	Name        string          `json:"name"`
	Status      StepStatus      `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// LogEntry is a structured log line emitted inside a step or at run scope.
type LogEntry struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	StepName  string          `json:"step_name,omitempty"`
	Level     LogLevel        `json:"level"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// CreateRunRequest contains the parameters for inserting a new run row.
type CreateRunRequest struct {
	ID             string
	JobName        string
	Payload        json.RawMessage
	IdempotencyKey string
	ConcurrencyKey string
}

// UpsertStepRequest records the outcome of a step execution.
type UpsertStepRequest struct {
	RunID     string
	Name      string
	Status    StepStatus
	Output    json.RawMessage
	Error     string
	StartedAt time.Time
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	JobName string
	Status  Status
	Limit   int
	Offset  int
}

// RunStore is the core interface for run lifecycle operations.
type RunStore interface {
	// CreateRun inserts a pending run. If the request carries an idempotency
	// key that matches an existing row for the same job, the existing row is
	// returned and existing reports true; no new row is inserted.
	CreateRun(ctx context.Context, req CreateRunRequest) (run *Run, existing bool, err error)

	// GetRun retrieves a run by ID. Returns ErrNotFound if it does not exist.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ClaimNextPendingRun atomically claims the oldest pending run whose
	// concurrency key has no running sibling, marking it running and stamping
	// started_at and heartbeat_at. Returns (nil, nil) when no run is claimable.
	// No two concurrent callers ever observe the same returned row.
	ClaimNextPendingRun(ctx context.Context, workerID string) (*Run, error)

	// Heartbeat refreshes heartbeat_at. Returns ErrNotRunning unless the run
	// is currently running.
	Heartbeat(ctx context.Context, runID string) error

	// UpdateProgress stores user-reported progress. Best-effort from the
	// caller's perspective; failures do not abort the run.
	UpdateProgress(ctx context.Context, runID string, p Progress) error

	// RequestCancel applies cancellation to a run. A pending run transitions
	// directly to cancelled (terminal reports true); a running run has its
	// durable cancel_requested flag set so any owning worker observes it.
	// Terminal runs yield ErrInvalidTransition.
	RequestCancel(ctx context.Context, runID string) (terminal bool, err error)

	// CompleteRun transitions running -> completed and records the output.
	CompleteRun(ctx context.Context, runID string, output json.RawMessage) error

	// FailRun transitions running -> failed and records the error message.
	FailRun(ctx context.Context, runID string, errMsg string) error

	// CancelRun transitions pending|running -> cancelled.
	CancelRun(ctx context.Context, runID string) error

	// ResetRunToPending prepares a failed or cancelled run for retry: status
	// becomes pending and error, output, timestamps, claim, and the cancel
	// flag are cleared. Step checkpoints are preserved.
	ResetRunToPending(ctx context.Context, runID string) error

	// ReapStaleRuns resets running runs whose heartbeat_at is older than the
	// cutoff back to pending, returning the affected run IDs.
	ReapStaleRuns(ctx context.Context, olderThan time.Time) ([]string, error)

	// ListRuns lists runs matching the filter, newest first, with the derived
	// StepCount populated.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// DeleteRun removes a terminal run and cascades to its steps and logs.
	DeleteRun(ctx context.Context, runID string) error
}

// StepStore persists memoized step checkpoints.
type StepStore interface {
	// UpsertStep records a step outcome. A new step receives the next index
	// (count of existing checkpoints) and bumps the run's current_step_index.
	// An existing failed row is overwritten in place, keeping its index. An
	// existing completed row yields ErrDuplicateStep.
	UpsertStep(ctx context.Context, req UpsertStepRequest) (*Step, error)

	// GetStep reads a checkpoint by name. Returns ErrNotFound when absent.
	// Callers decide memoization: completed rows are cache hits, failed rows
	// are treated as absent by the executor on a retry attempt.
	GetStep(ctx context.Context, runID, name string) (*Step, error)

	// ListSteps returns all checkpoints for a run ordered by index.
	ListSteps(ctx context.Context, runID string) ([]*Step, error)
}

// LogStore persists structured run logs.
type LogStore interface {
	// WriteLog appends a log entry.
	WriteLog(ctx context.Context, entry *LogEntry) error

	// ListLogs returns all log entries for a run ordered by timestamp.
	ListLogs(ctx context.Context, runID string) ([]*LogEntry, error)
}

// Store is the full persistence contract used by the engine.
type Store interface {
	RunStore
	StepStore
	LogStore
	io.Closer
}
