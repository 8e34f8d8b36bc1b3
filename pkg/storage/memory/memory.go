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

// Package memory provides an in-memory store for tests and development.
// All state is lost on process exit; a single mutex serializes every
// operation, which trivially satisfies the claim atomicity contract.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/durably/durably/pkg/storage"
)

// Compile-time interface assertions.
var (
	_ storage.RunStore  = (*Store)(nil)
	_ storage.StepStore = (*Store)(nil)
	_ storage.LogStore  = (*Store)(nil)
	_ storage.Store     = (*Store)(nil)
)

// Store is an in-memory storage backend.
type Store struct {
	mu    sync.Mutex
	runs  map[string]*storage.Run
	steps map[string][]*storage.Step     // run ID -> checkpoints in index order
	logs  map[string][]*storage.LogEntry // run ID -> entries in insertion order
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		runs:  make(map[string]*storage.Run),
		steps: make(map[string][]*storage.Step),
		logs:  make(map[string][]*storage.LogEntry),
	}
}

// CreateRun inserts a pending run, resolving idempotency-key collisions by
// returning the existing row.
func (s *Store) CreateRun(_ context.Context, req storage.CreateRunRequest) (*storage.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		for _, run := range s.runs {
			if run.JobName == req.JobName && run.IdempotencyKey == req.IdempotencyKey {
				return copyRun(run, len(s.steps[run.ID])), true, nil
			}
		}
	}

	run := &storage.Run{
		ID:             req.ID,
		JobName:        req.JobName,
		Status:         storage.StatusPending,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		ConcurrencyKey: req.ConcurrencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	s.runs[run.ID] = run
	return copyRun(run, 0), false, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(_ context.Context, id string) (*storage.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyRun(run, len(s.steps[id])), nil
}

// ClaimNextPendingRun claims the oldest claimable pending run.
func (s *Store) ClaimNextPendingRun(_ context.Context, workerID string) (*storage.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runningKeys := make(map[string]bool)
	for _, run := range s.runs {
		if run.Status == storage.StatusRunning && run.ConcurrencyKey != "" {
			runningKeys[run.ConcurrencyKey] = true
		}
	}

	var candidate *storage.Run
	for _, run := range s.runs {
		if run.Status != storage.StatusPending {
			continue
		}
		if run.ConcurrencyKey != "" && runningKeys[run.ConcurrencyKey] {
			continue
		}
		if candidate == nil || earlier(run, candidate) {
			candidate = run
		}
	}
	if candidate == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	candidate.Status = storage.StatusRunning
	candidate.StartedAt = &now
	candidate.HeartbeatAt = &now
	candidate.ClaimedBy = workerID
	return copyRun(candidate, len(s.steps[candidate.ID])), nil
}

// earlier orders runs by created_at ascending, tie-broken by ID.
func earlier(a, b *storage.Run) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Heartbeat refreshes heartbeat_at for a running run.
func (s *Store) Heartbeat(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return storage.ErrNotFound
	}
	if run.Status != storage.StatusRunning {
		return storage.ErrNotRunning
	}
	now := time.Now().UTC()
	run.HeartbeatAt = &now
	return nil
}

// UpdateProgress stores user-reported progress.
func (s *Store) UpdateProgress(_ context.Context, runID string, p storage.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return storage.ErrNotFound
	}
	cp := p
	run.Progress = &cp
	return nil
}

// RequestCancel cancels a pending run outright or flags a running run.
func (s *Store) RequestCancel(_ context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return false, storage.ErrNotFound
	}
	switch run.Status {
	case storage.StatusPending:
		now := time.Now().UTC()
		run.Status = storage.StatusCancelled
		run.CompletedAt = &now
		return true, nil
	case storage.StatusRunning:
		run.CancelRequested = true
		return false, nil
	default:
		return false, storage.ErrInvalidTransition
	}
}

// CompleteRun transitions running -> completed.
func (s *Store) CompleteRun(_ context.Context, runID string, output json.RawMessage) error {
	return s.transition(runID, storage.StatusRunning, func(run *storage.Run, now time.Time) {
		run.Status = storage.StatusCompleted
		run.Output = output
		run.CompletedAt = &now
	})
}

// FailRun transitions running -> failed.
func (s *Store) FailRun(_ context.Context, runID string, errMsg string) error {
	return s.transition(runID, storage.StatusRunning, func(run *storage.Run, now time.Time) {
		run.Status = storage.StatusFailed
		run.Error = errMsg
		run.CompletedAt = &now
	})
}

// CancelRun transitions pending|running -> cancelled.
func (s *Store) CancelRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return storage.ErrNotFound
	}
	if run.Status != storage.StatusPending && run.Status != storage.StatusRunning {
		return storage.ErrInvalidTransition
	}
	now := time.Now().UTC()
	run.Status = storage.StatusCancelled
	run.CompletedAt = &now
	return nil
}

func (s *Store) transition(runID string, want storage.Status, apply func(*storage.Run, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return storage.ErrNotFound
	}
	if run.Status != want {
		return storage.ErrInvalidTransition
	}
	apply(run, time.Now().UTC())
	return nil
}

// ResetRunToPending prepares a failed or cancelled run for retry.
func (s *Store) ResetRunToPending(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return storage.ErrNotFound
	}
	if run.Status != storage.StatusFailed && run.Status != storage.StatusCancelled {
		return storage.ErrInvalidTransition
	}
	run.Status = storage.StatusPending
	run.Error = ""
	run.Output = nil
	run.StartedAt = nil
	run.CompletedAt = nil
	run.HeartbeatAt = nil
	run.CancelRequested = false
	run.ClaimedBy = ""
	return nil
}

// ReapStaleRuns resets running runs with stale heartbeats back to pending.
func (s *Store) ReapStaleRuns(_ context.Context, olderThan time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, run := range s.runs {
		if run.Status != storage.StatusRunning || run.HeartbeatAt == nil {
			continue
		}
		if run.HeartbeatAt.Before(olderThan) {
			run.Status = storage.StatusPending
			run.StartedAt = nil
			run.HeartbeatAt = nil
			run.ClaimedBy = ""
			ids = append(ids, run.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// UpsertStep records a step outcome and bumps the run's current_step_index.
func (s *Store) UpsertStep(_ context.Context, req storage.UpsertStepRequest) (*storage.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[req.RunID]; !ok {
		return nil, storage.ErrNotFound
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

	steps := s.steps[req.RunID]
	replaced := false
	for i, existing := range steps {
		if existing.Name != req.Name {
			continue
		}
		if existing.Status == storage.StepCompleted {
			return nil, storage.ErrDuplicateStep
		}
		step.Index = existing.Index
		steps[i] = step
		replaced = true
		break
	}
	if !replaced {
		step.Index = len(steps)
		s.steps[req.RunID] = append(steps, step)
	}

	s.runs[req.RunID].CurrentStepIndex = step.Index

	cp := *step
	return &cp, nil
}

// GetStep reads a step checkpoint by name.
func (s *Store) GetStep(_ context.Context, runID, name string) (*storage.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, step := range s.steps[runID] {
		if step.Name == name {
			cp := *step
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

// ListSteps returns all checkpoints for a run ordered by index.
func (s *Store) ListSteps(_ context.Context, runID string) ([]*storage.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := make([]*storage.Step, 0, len(s.steps[runID]))
	for _, step := range s.steps[runID] {
		cp := *step
		steps = append(steps, &cp)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })
	return steps, nil
}

// WriteLog appends a log entry.
func (s *Store) WriteLog(_ context.Context, entry *storage.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[entry.RunID]; !ok {
		return storage.ErrNotFound
	}
	cp := *entry
	s.logs[entry.RunID] = append(s.logs[entry.RunID], &cp)
	return nil
}

// ListLogs returns all log entries for a run in insertion order.
func (s *Store) ListLogs(_ context.Context, runID string) ([]*storage.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*storage.LogEntry, 0, len(s.logs[runID]))
	for _, entry := range s.logs[runID] {
		cp := *entry
		entries = append(entries, &cp)
	}
	return entries, nil
}

// ListRuns lists runs matching the filter, newest first.
func (s *Store) ListRuns(_ context.Context, filter storage.RunFilter) ([]*storage.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []*storage.Run
	for _, run := range s.runs {
		if filter.JobName != "" && run.JobName != filter.JobName {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, copyRun(run, len(s.steps[run.ID])))
	}

	sort.Slice(runs, func(i, j int) bool { return earlier(runs[j], runs[i]) })

	if filter.Offset > 0 {
		if filter.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(runs) {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// DeleteRun removes a terminal run with its steps and logs.
func (s *Store) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return storage.ErrNotFound
	}
	if !run.Status.Terminal() {
		return storage.ErrInvalidTransition
	}
	delete(s.runs, runID)
	delete(s.steps, runID)
	delete(s.logs, runID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// copyRun returns a snapshot with no aliasing to internal mutable state.
func copyRun(run *storage.Run, stepCount int) *storage.Run {
	cp := *run
	cp.StepCount = stepCount
	if run.Progress != nil {
		p := *run.Progress
		cp.Progress = &p
	}
	if run.StartedAt != nil {
		t := *run.StartedAt
		cp.StartedAt = &t
	}
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		cp.CompletedAt = &t
	}
	if run.HeartbeatAt != nil {
		t := *run.HeartbeatAt
		cp.HeartbeatAt = &t
	}
	return &cp
}
