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

package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/durably/durably/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "durably.db"), WAL: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, id, job string, opts ...func(*storage.CreateRunRequest)) {
	t.Helper()
	req := storage.CreateRunRequest{ID: id, JobName: job, Payload: []byte(`{"n":1}`)}
	for _, opt := range opts {
		opt(&req)
	}
	if _, existing, err := s.CreateRun(context.Background(), req); err != nil || existing {
		t.Fatalf("CreateRun(%s): existing=%v err=%v", id, existing, err)
	}
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "run-1", "send", func(r *storage.CreateRunRequest) {
		r.IdempotencyKey = "idem"
		r.ConcurrencyKey = "conc"
	})

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.JobName != "send" || run.Status != storage.StatusPending {
		t.Fatalf("unexpected run: %+v", run)
	}
	if string(run.Payload) != `{"n":1}` {
		t.Fatalf("payload round-trip failed: %s", run.Payload)
	}
	if run.IdempotencyKey != "idem" || run.ConcurrencyKey != "conc" {
		t.Fatalf("keys not persisted: %+v", run)
	}
	if run.CreatedAt.IsZero() {
		t.Fatal("created_at not persisted")
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRunIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "run-1", "send", func(r *storage.CreateRunRequest) {
		r.IdempotencyKey = "key"
	})

	run, existing, err := s.CreateRun(ctx, storage.CreateRunRequest{
		ID: "run-2", JobName: "send", IdempotencyKey: "key",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if !existing || run.ID != "run-1" {
		t.Fatalf("expected existing run-1, got existing=%v id=%s", existing, run.ID)
	}

	// Same key under another job is independent.
	_, existing, err = s.CreateRun(ctx, storage.CreateRunRequest{
		ID: "run-3", JobName: "other", IdempotencyKey: "key",
	})
	if err != nil || existing {
		t.Fatalf("idempotency key must be scoped per job: existing=%v err=%v", existing, err)
	}
}

func TestClaimOrderingAndConcurrencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	withKey := func(r *storage.CreateRunRequest) { r.ConcurrencyKey = "tenant" }
	mustCreate(t, s, "run-a", "job", withKey)
	time.Sleep(2 * time.Millisecond)
	mustCreate(t, s, "run-b", "job", withKey)
	time.Sleep(2 * time.Millisecond)
	mustCreate(t, s, "run-c", "job")

	first, err := s.ClaimNextPendingRun(ctx, "w1")
	if err != nil || first == nil || first.ID != "run-a" {
		t.Fatalf("expected run-a first, got %+v err=%v", first, err)
	}
	if first.Status != storage.StatusRunning || first.HeartbeatAt == nil || first.ClaimedBy != "w1" {
		t.Fatalf("claim must mark running: %+v", first)
	}

	// run-b shares run-a's key, so run-c is next.
	second, err := s.ClaimNextPendingRun(ctx, "w2")
	if err != nil || second == nil || second.ID != "run-c" {
		t.Fatalf("expected run-c while key held, got %+v err=%v", second, err)
	}

	// Nothing claimable while the key is held.
	none, err := s.ClaimNextPendingRun(ctx, "w3")
	if err != nil || none != nil {
		t.Fatalf("expected no claim, got %+v err=%v", none, err)
	}

	if err := s.CompleteRun(ctx, "run-a", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	third, err := s.ClaimNextPendingRun(ctx, "w1")
	if err != nil || third == nil || third.ID != "run-b" {
		t.Fatalf("expected run-b after release, got %+v err=%v", third, err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "run-1", "job")

	if err := s.CompleteRun(ctx, "run-1", nil); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("completing pending run: expected ErrInvalidTransition, got %v", err)
	}
	if err := s.CompleteRun(ctx, "missing", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
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
		t.Fatalf("expected completed, got %+v", run)
	}
	if string(run.Output) != `{"ok":true}` {
		t.Fatalf("output not persisted: %s", run.Output)
	}

	if err := s.FailRun(ctx, "run-1", "late"); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("failing terminal run: expected ErrInvalidTransition, got %v", err)
	}
}

func TestRequestCancelAndRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "run-1", "job")
	if _, err := s.ClaimNextPendingRun(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	terminal, err := s.RequestCancel(ctx, "run-1")
	if err != nil || terminal {
		t.Fatalf("running run: expected flag-only cancel, got terminal=%v err=%v", terminal, err)
	}
	run, _ := s.GetRun(ctx, "run-1")
	if !run.CancelRequested || run.Status != storage.StatusRunning {
		t.Fatalf("expected cancel_requested flag, got %+v", run)
	}

	if err := s.CancelRun(ctx, "run-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	run, _ = s.GetRun(ctx, "run-1")
	if run.Status != storage.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", run.Status)
	}

	// Retry clears attempt state including the cancel flag.
	if err := s.ResetRunToPending(ctx, "run-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	run, _ = s.GetRun(ctx, "run-1")
	if run.Status != storage.StatusPending || run.CancelRequested || run.ClaimedBy != "" || run.StartedAt != nil {
		t.Fatalf("reset must clear attempt state: %+v", run)
	}
}

func TestReapStaleRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "run-1", "job")
	mustCreate(t, s, "run-2", "job")
	if _, err := s.ClaimNextPendingRun(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ids, err := s.ReapStaleRuns(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil || len(ids) != 0 {
		t.Fatalf("fresh heartbeat must not reap: %v err=%v", ids, err)
	}

	ids, err = s.ReapStaleRuns(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil || len(ids) != 1 {
		t.Fatalf("expected one reaped run, got %v err=%v", ids, err)
	}
	run, _ := s.GetRun(ctx, ids[0])
	if run.Status != storage.StatusPending || run.HeartbeatAt != nil {
		t.Fatalf("reaped run must be pending: %+v", run)
	}
}

func TestUpsertStepSemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "run-1", "job")

	step, err := s.UpsertStep(ctx, storage.UpsertStepRequest{
		RunID: "run-1", Name: "a", Status: storage.StepFailed,
		Error: "boom", StartedAt: time.Now(),
	})
	if err != nil || step.Index != 0 {
		t.Fatalf("first step: %+v err=%v", step, err)
	}

	// Failed rows are overwritten in place.
	step, err = s.UpsertStep(ctx, storage.UpsertStepRequest{
		RunID: "run-1", Name: "a", Status: storage.StepCompleted,
		Output: []byte(`42`), StartedAt: time.Now(),
	})
	if err != nil || step.Index != 0 || step.Status != storage.StepCompleted {
		t.Fatalf("overwrite failed row: %+v err=%v", step, err)
	}

	// Completed rows are immutable.
	if _, err := s.UpsertStep(ctx, storage.UpsertStepRequest{
		RunID: "run-1", Name: "a", Status: storage.StepCompleted, StartedAt: time.Now(),
	}); !errors.Is(err, storage.ErrDuplicateStep) {
		t.Fatalf("expected ErrDuplicateStep, got %v", err)
	}

	step, err = s.UpsertStep(ctx, storage.UpsertStepRequest{
		RunID: "run-1", Name: "b", Status: storage.StepCompleted,
		Output: []byte(`"two"`), StartedAt: time.Now(),
	})
	if err != nil || step.Index != 1 {
		t.Fatalf("second step: %+v err=%v", step, err)
	}

	got, err := s.GetStep(ctx, "run-1", "a")
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if got.Status != storage.StepCompleted || string(got.Output) != `42` {
		t.Fatalf("checkpoint round-trip failed: %+v", got)
	}
	if _, err := s.GetStep(ctx, "run-1", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	steps, err := s.ListSteps(ctx, "run-1")
	if err != nil || len(steps) != 2 {
		t.Fatalf("ListSteps: %v err=%v", steps, err)
	}
	if steps[0].Name != "a" || steps[1].Name != "b" {
		t.Fatalf("steps out of index order: %s,%s", steps[0].Name, steps[1].Name)
	}

	run, _ := s.GetRun(ctx, "run-1")
	if run.StepCount != 2 || run.CurrentStepIndex != 1 {
		t.Fatalf("derived counters wrong: %+v", run)
	}
}

func TestProgressRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "run-1", "job")

	total := 10
	if err := s.UpdateProgress(ctx, "run-1", storage.Progress{
		Current: 3, Total: &total, Message: "working",
	}); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Progress == nil || run.Progress.Current != 3 || run.Progress.Total == nil || *run.Progress.Total != 10 {
		t.Fatalf("progress round-trip failed: %+v", run.Progress)
	}
	if err := s.UpdateProgress(ctx, "missing", storage.Progress{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLogsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "run-1", "job")

	base := time.Now().UTC()
	for i, msg := range []string{"first", "second"} {
		if err := s.WriteLog(ctx, &storage.LogEntry{
			ID:        string(rune('a' + i)),
			RunID:     "run-1",
			Level:     storage.LogInfo,
			Message:   msg,
			Data:      []byte(`{"i":` + string(rune('0'+i)) + `}`),
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			t.Fatalf("WriteLog: %v", err)
		}
	}

	logs, err := s.ListLogs(ctx, "run-1")
	if err != nil || len(logs) != 2 {
		t.Fatalf("ListLogs: %v err=%v", logs, err)
	}
	if logs[0].Message != "first" || logs[1].Message != "second" {
		t.Fatalf("logs out of timestamp order: %s,%s", logs[0].Message, logs[1].Message)
	}
}

func TestDeleteRunCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "run-1", "job")
	if err := s.DeleteRun(ctx, "run-1"); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("deleting non-terminal run: expected ErrInvalidTransition, got %v", err)
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
		Message: "hi", Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := s.CompleteRun(ctx, "run-1", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := s.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetRun(ctx, "run-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	steps, err := s.ListSteps(ctx, "run-1")
	if err != nil || len(steps) != 0 {
		t.Fatalf("steps must cascade: %v err=%v", steps, err)
	}
	logs, err := s.ListLogs(ctx, "run-1")
	if err != nil || len(logs) != 0 {
		t.Fatalf("logs must cascade: %v err=%v", logs, err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "run-a", "alpha")
	time.Sleep(2 * time.Millisecond)
	mustCreate(t, s, "run-b", "alpha")
	time.Sleep(2 * time.Millisecond)
	mustCreate(t, s, "run-c", "beta")

	runs, err := s.ListRuns(ctx, storage.RunFilter{})
	if err != nil || len(runs) != 3 {
		t.Fatalf("ListRuns: %d err=%v", len(runs), err)
	}
	if runs[0].ID != "run-c" || runs[1].ID != "run-b" || runs[2].ID != "run-a" {
		t.Fatalf("expected newest-first, got %s,%s,%s", runs[0].ID, runs[1].ID, runs[2].ID)
	}

	runs, err = s.ListRuns(ctx, storage.RunFilter{JobName: "alpha", Limit: 1, Offset: 1})
	if err != nil || len(runs) != 1 || runs[0].ID != "run-a" {
		t.Fatalf("filtered page: %v err=%v", runs, err)
	}
}
