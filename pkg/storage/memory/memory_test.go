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

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/durably/durably/pkg/storage"
)

func createRun(t *testing.T, s *Store, id, job string, opts ...func(*storage.CreateRunRequest)) *storage.Run {
	t.Helper()
	req := storage.CreateRunRequest{ID: id, JobName: job, Payload: []byte(`{}`)}
	for _, opt := range opts {
		opt(&req)
	}
	run, existing, err := s.CreateRun(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if existing {
		t.Fatalf("CreateRun returned existing for fresh id %s", id)
	}
	return run
}

func TestCreateRunIdempotency(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := createRun(t, s, "run-1", "send", func(r *storage.CreateRunRequest) {
		r.IdempotencyKey = "key-1"
	})

	second, existing, err := s.CreateRun(ctx, storage.CreateRunRequest{
		ID: "run-2", JobName: "send", IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if !existing {
		t.Fatal("expected existing=true for duplicate idempotency key")
	}
	if second.ID != first.ID {
		t.Fatalf("expected run %s, got %s", first.ID, second.ID)
	}

	// Same key on a different job is a different run.
	_, existing, err = s.CreateRun(ctx, storage.CreateRunRequest{
		ID: "run-3", JobName: "other", IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if existing {
		t.Fatal("idempotency key must be scoped per job")
	}
}

func TestClaimOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()

	createRun(t, s, "run-a", "job")
	time.Sleep(2 * time.Millisecond)
	createRun(t, s, "run-b", "job")

	first, err := s.ClaimNextPendingRun(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first == nil || first.ID != "run-a" {
		t.Fatalf("expected oldest run run-a, got %+v", first)
	}
	if first.Status != storage.StatusRunning || first.StartedAt == nil || first.HeartbeatAt == nil {
		t.Fatalf("claim must mark running with timestamps: %+v", first)
	}
	if first.ClaimedBy != "w1" {
		t.Fatalf("expected claimed_by w1, got %q", first.ClaimedBy)
	}

	second, err := s.ClaimNextPendingRun(ctx, "w2")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if second == nil || second.ID != "run-b" {
		t.Fatalf("expected run-b, got %+v", second)
	}

	third, err := s.ClaimNextPendingRun(ctx, "w3")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if third != nil {
		t.Fatalf("expected no claimable run, got %+v", third)
	}
}

func TestClaimConcurrencyKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	withKey := func(r *storage.CreateRunRequest) { r.ConcurrencyKey = "tenant-1" }
	createRun(t, s, "run-a", "job", withKey)
	time.Sleep(2 * time.Millisecond)
	createRun(t, s, "run-b", "job", withKey)
	time.Sleep(2 * time.Millisecond)
	createRun(t, s, "run-c", "job")

	first, err := s.ClaimNextPendingRun(ctx, "w1")
	if err != nil || first == nil || first.ID != "run-a" {
		t.Fatalf("expected run-a, got %+v err=%v", first, err)
	}

	// run-b shares the running key, so run-c is next.
	second, err := s.ClaimNextPendingRun(ctx, "w2")
	if err != nil || second == nil || second.ID != "run-c" {
		t.Fatalf("expected run-c while key is held, got %+v err=%v", second, err)
	}

	// Finishing run-a releases the key.
	if err := s.CompleteRun(ctx, "run-a", []byte(`{}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	third, err := s.ClaimNextPendingRun(ctx, "w1")
	if err != nil || third == nil || third.ID != "run-b" {
		t.Fatalf("expected run-b after release, got %+v err=%v", third, err)
	}
}

func TestTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()

	createRun(t, s, "run-1", "job")

	// Completing a pending run is invalid.
	if err := s.CompleteRun(ctx, "run-1", nil); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := s.ClaimNextPendingRun(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CompleteRun(ctx, "run-1", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.Status != storage.StatusCompleted || run.CompletedAt == nil {
		t.Fatalf("expected completed run, got %+v", run)
	}

	// Terminal runs cannot be failed or re-completed.
	if err := s.FailRun(ctx, "run-1", "boom"); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	// Retry of a completed run is invalid.
	if err := s.ResetRunToPending(ctx, "run-1"); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on retry, got %v", err)
	}
}

func TestRequestCancel(t *testing.T) {
	s := New()
	ctx := context.Background()

	// Pending: cancels outright.
	createRun(t, s, "run-1", "job")
	terminal, err := s.RequestCancel(ctx, "run-1")
	if err != nil || !terminal {
		t.Fatalf("expected terminal cancel of pending run, got terminal=%v err=%v", terminal, err)
	}
	run, _ := s.GetRun(ctx, "run-1")
	if run.Status != storage.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", run.Status)
	}

	// Running: flags only.
	createRun(t, s, "run-2", "job")
	if _, err := s.ClaimNextPendingRun(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	terminal, err = s.RequestCancel(ctx, "run-2")
	if err != nil || terminal {
		t.Fatalf("expected flag-only cancel, got terminal=%v err=%v", terminal, err)
	}
	run, _ = s.GetRun(ctx, "run-2")
	if run.Status != storage.StatusRunning || !run.CancelRequested {
		t.Fatalf("expected running with cancel_requested, got %+v", run)
	}

	// Terminal: invalid.
	if _, err := s.RequestCancel(ctx, "run-1"); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := s.RequestCancel(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetRunToPendingClearsAttemptState(t *testing.T) {
	s := New()
	ctx := context.Background()

	createRun(t, s, "run-1", "job")
	if _, err := s.ClaimNextPendingRun(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.UpsertStep(ctx, storage.UpsertStepRequest{
		RunID: "run-1", Name: "step-1", Status: storage.StepCompleted,
		Output: []byte(`1`), StartedAt: time.Now(),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.RequestCancel(ctx, "run-1"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if err := s.FailRun(ctx, "run-1", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := s.ResetRunToPending(ctx, "run-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	run, _ := s.GetRun(ctx, "run-1")
	if run.Status != storage.StatusPending {
		t.Fatalf("expected pending, got %s", run.Status)
	}
	if run.Error != "" || run.ClaimedBy != "" || run.StartedAt != nil || run.CancelRequested {
		t.Fatalf("reset must clear attempt state: %+v", run)
	}

	// Checkpoints survive the reset.
	steps, err := s.ListSteps(ctx, "run-1")
	if err != nil || len(steps) != 1 {
		t.Fatalf("expected preserved checkpoint, got %v err=%v", steps, err)
	}
}

func TestReapStaleRuns(t *testing.T) {
	s := New()
	ctx := context.Background()

	createRun(t, s, "run-1", "job")
	if _, err := s.ClaimNextPendingRun(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Fresh heartbeat: nothing to reap.
	ids, err := s.ReapStaleRuns(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected no reaped runs, got %v err=%v", ids, err)
	}

	// Cutoff in the future makes the heartbeat stale.
	ids, err = s.ReapStaleRuns(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(ids) != 1 || ids[0] != "run-1" {
		t.Fatalf("expected [run-1], got %v", ids)
	}
	run, _ := s.GetRun(ctx, "run-1")
	if run.Status != storage.StatusPending || run.ClaimedBy != "" {
		t.Fatalf("reaped run must return to pending: %+v", run)
	}
}

func TestUpsertStepSemantics(t *testing.T) {
	s := New()
	ctx := context.Background()
	createRun(t, s, "run-1", "job")

	// First step gets index 0.
	step, err := s.UpsertStep(ctx, storage.UpsertStepRequest{
		RunID: "run-1", Name: "a", Status: storage.StepFailed,
		Error: "boom", StartedAt: time.Now(),
	})
	if err != nil || step.Index != 0 {
		t.Fatalf("expected index 0, got %+v err=%v", step, err)
	}

	// A failed row is overwritten in place, keeping its index.
	step, err = s.UpsertStep(ctx, storage.UpsertStepRequest{
		RunID: "run-1", Name: "a", Status: storage.StepCompleted,
		Output: []byte(`"done"`), StartedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("upsert over failed row: %v", err)
	}
	if step.Index != 0 || step.Status != storage.StepCompleted {
		t.Fatalf("expected completed row at index 0, got %+v", step)
	}

	// A completed row cannot be overwritten.
	if _, err := s.UpsertStep(ctx, storage.UpsertStepRequest{
		RunID: "run-1", Name: "a", Status: storage.StepCompleted, StartedAt: time.Now(),
	}); !errors.Is(err, storage.ErrDuplicateStep) {
		t.Fatalf("expected ErrDuplicateStep, got %v", err)
	}

	// Next new step gets the next index.
	step, err = s.UpsertStep(ctx, storage.UpsertStepRequest{
		RunID: "run-1", Name: "b", Status: storage.StepCompleted, StartedAt: time.Now(),
	})
	if err != nil || step.Index != 1 {
		t.Fatalf("expected index 1, got %+v err=%v", step, err)
	}

	run, _ := s.GetRun(ctx, "run-1")
	if run.CurrentStepIndex != 1 || run.StepCount != 2 {
		t.Fatalf("expected index 1 / count 2, got %+v", run)
	}
}

func TestListRunsFilterAndPagination(t *testing.T) {
	s := New()
	ctx := context.Background()

	createRun(t, s, "run-a", "alpha")
	time.Sleep(2 * time.Millisecond)
	createRun(t, s, "run-b", "alpha")
	time.Sleep(2 * time.Millisecond)
	createRun(t, s, "run-c", "beta")

	runs, err := s.ListRuns(ctx, storage.RunFilter{JobName: "alpha"})
	if err != nil || len(runs) != 2 {
		t.Fatalf("expected 2 alpha runs, got %d err=%v", len(runs), err)
	}
	// Newest first.
	if runs[0].ID != "run-b" || runs[1].ID != "run-a" {
		t.Fatalf("expected newest-first ordering, got %s,%s", runs[0].ID, runs[1].ID)
	}

	runs, err = s.ListRuns(ctx, storage.RunFilter{Limit: 1, Offset: 1})
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected 1 run with limit/offset, got %d err=%v", len(runs), err)
	}
	if runs[0].ID != "run-b" {
		t.Fatalf("expected run-b at offset 1, got %s", runs[0].ID)
	}

	runs, err = s.ListRuns(ctx, storage.RunFilter{Status: storage.StatusPending})
	if err != nil || len(runs) != 3 {
		t.Fatalf("expected 3 pending runs, got %d err=%v", len(runs), err)
	}
}

func TestDeleteRun(t *testing.T) {
	s := New()
	ctx := context.Background()

	createRun(t, s, "run-1", "job")

	// Non-terminal: refused.
	if err := s.DeleteRun(ctx, "run-1"); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := s.ClaimNextPendingRun(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.UpsertStep(ctx, storage.UpsertStepRequest{
		RunID: "run-1", Name: "a", Status: storage.StepCompleted, StartedAt: time.Now(),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.WriteLog(ctx, &storage.LogEntry{
		ID: "log-1", RunID: "run-1", Level: storage.LogInfo,
		Message: "hello", Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("write log: %v", err)
	}
	if err := s.CompleteRun(ctx, "run-1", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := s.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetRun(ctx, "run-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	steps, _ := s.ListSteps(ctx, "run-1")
	logs, _ := s.ListLogs(ctx, "run-1")
	if len(steps) != 0 || len(logs) != 0 {
		t.Fatalf("delete must cascade: steps=%d logs=%d", len(steps), len(logs))
	}
}

func TestHeartbeat(t *testing.T) {
	s := New()
	ctx := context.Background()

	createRun(t, s, "run-1", "job")
	if err := s.Heartbeat(ctx, "run-1"); !errors.Is(err, storage.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning for pending run, got %v", err)
	}
	if _, err := s.ClaimNextPendingRun(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Heartbeat(ctx, "run-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := s.Heartbeat(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
